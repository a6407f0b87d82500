// Package audit appends one durable row per served request. A failed
// append never fails the request; it is logged and metered instead.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/metrics"
	"github.com/llmgw/llmgw/internal/store"
)

// Record is what the coordinator hands the sink after the response body
// is determined.
type Record struct {
	APIKey           string
	RequestID        string
	Route            string
	ClientHost       string
	ModelID          string
	Params           any
	Prompt           string
	Output           string
	Latency          time.Duration
	PromptTokens     *int64
	CompletionTokens *int64
}

// Sink persists audit records.
type Sink struct {
	store  store.Store
	logger *zap.Logger
}

func NewSink(st store.Store, logger *zap.Logger) *Sink {
	return &Sink{store: st, logger: logger}
}

// Append writes the record. Errors are swallowed after logging so the
// response path stays clean.
func (s *Sink) Append(ctx context.Context, rec Record) {
	params := "{}"
	if rec.Params != nil {
		if b, err := json.Marshal(rec.Params); err == nil {
			params = string(b)
		}
	}

	row := &store.InferenceLog{
		CreatedAt:        time.Now().UTC(),
		APIKey:           rec.APIKey,
		RequestID:        rec.RequestID,
		Route:            rec.Route,
		ClientHost:       rec.ClientHost,
		ModelID:          rec.ModelID,
		ParamsJSON:       params,
		Prompt:           rec.Prompt,
		Output:           rec.Output,
		LatencyMS:        rec.Latency.Milliseconds(),
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
	}
	if err := s.store.AppendInferenceLog(ctx, row); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		s.logger.Error("audit append failed",
			zap.String("request_id", rec.RequestID),
			zap.String("route", rec.Route),
			zap.Error(err))
	}
}
