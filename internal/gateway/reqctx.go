package gateway

import "context"

// RequestCtx carries per-request routing facts between the coordinator and
// the HTTP middleware: the middleware seeds route and request id, the
// coordinator fills in model and cache outcome, and the middleware reads
// everything back for metrics and log envelopes.
type RequestCtx struct {
	RequestID  string
	Route      string
	ClientHost string
	ModelID    string
	Cached     bool
}

type reqCtxKey struct{}

// WithRequestCtx attaches a mutable RequestCtx to the context.
func WithRequestCtx(ctx context.Context, rc *RequestCtx) context.Context {
	return context.WithValue(ctx, reqCtxKey{}, rc)
}

// RequestCtxFrom returns the attached RequestCtx, or a throwaway one so
// callers never nil-check.
func RequestCtxFrom(ctx context.Context) *RequestCtx {
	if rc, ok := ctx.Value(reqCtxKey{}).(*RequestCtx); ok {
		return rc
	}
	return &RequestCtx{}
}
