package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/gateway"
)

// errorEnvelope is the canonical error body.
type errorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	rc := gateway.RequestCtxFrom(r.Context())

	if ae.Code == "internal_error" {
		s.logger.Error("request failed",
			zap.String("request_id", rc.RequestID),
			zap.String("route", r.URL.Path),
			zap.Error(err))
	}

	if ae.HTTP == http.StatusTooManyRequests {
		if retry, ok := ae.Extra["retry_after"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
	}

	s.writeJSON(w, ae.HTTP, errorEnvelope{
		Code:      ae.Code,
		Message:   ae.Message,
		Extra:     ae.Extra,
		RequestID: rc.RequestID,
	})
}

func errNotFound() *apperr.Error { return apperr.NotFound() }
