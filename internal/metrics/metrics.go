// Package metrics holds the Prometheus families for the serving pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request pipeline.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_requests_total",
			Help: "Total number of inference requests served",
		},
		[]string{"route", "model_id", "cached", "status_code"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgw_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"route", "model_id", "cached", "status_code"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"direction", "model_id"}, // direction: prompt/completion
	)

	// KV cache tier.
	KVHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_kv_hits_total",
			Help: "KV cache tier hits",
		},
		[]string{"model_id", "kind"},
	)

	KVMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_kv_misses_total",
			Help: "KV cache tier misses, errors counted as misses",
		},
		[]string{"model_id", "kind"},
	)

	KVGetDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgw_kv_get_duration_seconds",
			Help:    "KV GET latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
		[]string{"model_id", "kind"},
	)

	KVEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgw_kv_enabled",
			Help: "Whether the KV cache tier is enabled (1=enabled)",
		},
	)

	// Extraction pipeline.
	ExtractionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_extraction_requests_total",
			Help: "Total number of structured extraction requests",
		},
		[]string{"schema_id", "model_id"},
	)

	ExtractionCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_extraction_cache_hits_total",
			Help: "Extraction cache hits by tier",
		},
		[]string{"schema_id", "model_id", "layer"}, // layer: kv/row
	)

	ExtractionValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_extraction_validation_failures_total",
			Help: "Extraction failures by pipeline stage",
		},
		[]string{"schema_id", "model_id", "stage"}, // stage: parse/validate/repair_parse/repair_validate
	)

	ExtractionRepairTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_extraction_repair_total",
			Help: "Repair round-trips by outcome",
		},
		[]string{"schema_id", "model_id", "outcome"}, // outcome: attempted/success/failure
	)

	// Side-effect failures that never surface to callers.
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgw_audit_write_failures_total",
			Help: "Audit rows that failed to persist",
		},
	)

	CacheWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgw_cache_write_failures_total",
			Help: "Best-effort cache writes that failed",
		},
		[]string{"tier"}, // tier: kv/row
	)
)

// BoolLabel renders a boolean the way the cached label expects it.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
