// Package auth authenticates API keys and gates billed requests behind
// rate limits and monthly quotas.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/config"
	"github.com/llmgw/llmgw/internal/store"
)

// HeaderAPIKey carries the caller's key.
const HeaderAPIKey = "X-API-Key"

type ctxKey int

const keyCtxKey ctxKey = iota

// Gate authenticates keys and enforces rate and quota.
type Gate struct {
	store    store.Store
	settings *config.Settings
	limiter  *RateLimiter
}

func NewGate(st store.Store, settings *config.Settings, limiter *RateLimiter) *Gate {
	return &Gate{store: st, settings: settings, limiter: limiter}
}

// Authenticate resolves the request's API key. Missing header and unknown
// or inactive keys are both 401s with distinct codes.
func (g *Gate) Authenticate(r *http.Request) (*store.APIKey, error) {
	raw := r.Header.Get(HeaderAPIKey)
	if raw == "" {
		return nil, apperr.MissingAPIKey()
	}
	key, err := g.store.GetKey(r.Context(), raw)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, apperr.InvalidAPIKey()
		}
		return nil, apperr.Internal(err)
	}
	if !key.Active {
		return nil, apperr.InvalidAPIKey()
	}
	return key, nil
}

// GateBilled consumes one unit of rate and quota for a billed inference
// request. Rate is checked before quota so a throttled caller spends
// nothing.
func (g *Gate) GateBilled(ctx context.Context, key *store.APIKey) error {
	budget := g.settings.RateLimitFor(key.Role)
	if allowed, retryAfter := g.limiter.Allow(key.Key, budget); !allowed {
		return apperr.RateLimited(retryAfter)
	}
	if err := g.store.ConsumeQuota(ctx, key.Key); err != nil {
		switch {
		case errors.Is(err, store.ErrQuotaExhausted):
			return apperr.QuotaExhausted()
		case errors.Is(err, store.ErrKeyInactive), errors.Is(err, store.ErrKeyNotFound):
			return apperr.InvalidAPIKey()
		default:
			return apperr.Internal(err)
		}
	}
	return nil
}

// RequireAdmin rejects non-admin keys.
func RequireAdmin(key *store.APIKey) error {
	if !key.IsAdmin() {
		return apperr.Forbidden("admin role required")
	}
	return nil
}

// WithKey stores the authenticated key on the context.
func WithKey(ctx context.Context, key *store.APIKey) context.Context {
	return context.WithValue(ctx, keyCtxKey, key)
}

// KeyFrom returns the authenticated key, nil when the route is anonymous.
func KeyFrom(ctx context.Context) *store.APIKey {
	key, _ := ctx.Value(keyCtxKey).(*store.APIKey)
	return key
}
