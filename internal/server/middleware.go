package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/auth"
	"github.com/llmgw/llmgw/internal/gateway"
	"github.com/llmgw/llmgw/internal/metrics"
)

// requestID seeds the per-request context: a UUID (or the caller's
// X-Request-ID), the route, and the client host. The id is mirrored on
// the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		rc := &gateway.RequestCtx{
			RequestID:  id,
			Route:      r.URL.Path,
			ClientHost: host,
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(gateway.WithRequestCtx(r.Context(), rc)))
	})
}

// statusWriter captures the status code for metrics and access logs.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// observe records the request counter, the latency histogram and one
// structured access log line per request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		rc := gateway.RequestCtxFrom(r.Context())
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		rc.Route = route

		elapsed := time.Since(start)
		status := strconv.Itoa(sw.status)
		cached := metrics.BoolLabel(rc.Cached)
		metrics.RequestsTotal.WithLabelValues(route, rc.ModelID, cached, status).Inc()
		metrics.RequestDuration.WithLabelValues(route, rc.ModelID, cached, status).Observe(elapsed.Seconds())

		s.logger.Info("request",
			zap.String("request_id", rc.RequestID),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("model_id", rc.ModelID),
			zap.Bool("cached", rc.Cached),
			zap.Int("status", sw.status),
			zap.Duration("latency", elapsed))
	})
}

// requireKey authenticates the caller and stores the key on the context.
// Auth failures get no audit row; nothing was billed.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.gate.Authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithKey(r.Context(), key)))
	})
}

// requireAdmin runs after requireKey.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.KeyFrom(r.Context())
		if err := auth.RequireAdmin(key); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
