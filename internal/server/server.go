// Package server is the HTTP surface: routing, middleware, request
// envelopes and the admin API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/auth"
	"github.com/llmgw/llmgw/internal/config"
	"github.com/llmgw/llmgw/internal/gateway"
	"github.com/llmgw/llmgw/internal/store"
)

// Server hosts the gateway over HTTP.
type Server struct {
	settings *config.Settings
	gateway  *gateway.Gateway
	store    store.Store
	gate     *auth.Gate
	logger   *zap.Logger

	httpServer *http.Server
}

func New(settings *config.Settings, gw *gateway.Gateway, st store.Store, gate *auth.Gate, logger *zap.Logger) *Server {
	s := &Server{
		settings: settings,
		gateway:  gw,
		store:    st,
		gate:     gate,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.Host, settings.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route tree. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.settings.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.HeaderAPIKey},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.observe)

	// Unauthenticated surface.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/modelz", s.handleModelz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/models", s.handleModels)

	// Keyed surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Post("/v1/generate", s.handleGenerate)
		r.Post("/v1/generate/batch", s.handleGenerateBatch)
		r.Post("/v1/extract", s.handleExtract)
		r.Get("/v1/schemas", s.handleSchemas)
		r.Get("/v1/schemas/{id}", s.handleSchema)
		r.Get("/v1/me/usage", s.handleMyUsage)
	})

	// Admin surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireKey, s.requireAdmin)
		r.Get("/v1/admin/usage", s.handleAdminUsage)
		r.Get("/v1/admin/keys", s.handleAdminListKeys)
		r.Post("/v1/admin/keys", s.handleAdminCreateKey)
		r.Delete("/v1/admin/keys/{key}", s.handleAdminDisableKey)
		r.Get("/v1/admin/logs", s.handleAdminLogs)
		r.Get("/v1/admin/stats", s.handleAdminStats)
		r.Post("/v1/admin/models/load", s.handleAdminLoadModel)
		r.Get("/v1/admin/policy", s.handleAdminPolicy)
		r.Post("/v1/admin/policy/reload", s.handleAdminPolicyReload)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errNotFound())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errNotFound())
	})

	return r
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
