// Package store is the durable row store: API keys and roles, the
// append-only inference log, and the row tier of the completion cache.
package store

import (
	"context"
	"time"
)

// APIKey is a caller identity. Keys are never deleted, only disabled.
type APIKey struct {
	ID           int64
	Key          string
	Active       bool
	Role         string // empty when no role is assigned
	QuotaMonthly *int64 // nil = unlimited
	QuotaUsed    int64
	QuotaResetAt *time.Time
	CreatedAt    time.Time
	DisabledAt   *time.Time
	Label        string
}

// IsAdmin reports whether the key carries the admin role.
func (k *APIKey) IsAdmin() bool { return k.Role == "admin" }

// InferenceLog is one audit row per served request, cached hits included.
type InferenceLog struct {
	ID               int64
	CreatedAt        time.Time
	APIKey           string
	RequestID        string
	Route            string
	ClientHost       string
	ModelID          string
	ParamsJSON       string
	Prompt           string
	Output           string
	LatencyMS        int64
	PromptTokens     *int64
	CompletionTokens *int64
}

// CachedCompletion is a row-tier cache entry.
type CachedCompletion struct {
	ModelID    string
	Prompt     string
	PromptHash string
	ParamsFP   string
	Output     string
	CreatedAt  time.Time
}

// UsageSummary aggregates the inference log for one key or globally.
type UsageSummary struct {
	Requests         int64            `json:"requests"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	AvgLatencyMS     float64          `json:"avg_latency_ms"`
	ByRoute          map[string]int64 `json:"by_route"`
	ByModel          map[string]int64 `json:"by_model"`
}

// LogQuery filters the admin log listing.
type LogQuery struct {
	APIKey  string
	Route   string
	ModelID string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// Store is the durable persistence surface.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Keys and quota.
	GetKey(ctx context.Context, key string) (*APIKey, error)
	CreateKey(ctx context.Context, key *APIKey) error
	DisableKey(ctx context.Context, key string) error
	ListKeys(ctx context.Context, limit, offset int) ([]*APIKey, error)
	// ConsumeQuota re-validates the key and increments quota_used inside one
	// transaction. Returns ErrQuotaExhausted when the monthly budget is spent.
	ConsumeQuota(ctx context.Context, key string) error

	CreateRole(ctx context.Context, name string) error

	// Audit.
	AppendInferenceLog(ctx context.Context, rec *InferenceLog) error
	ListInferenceLogs(ctx context.Context, q LogQuery) ([]*InferenceLog, error)
	UsageForKey(ctx context.Context, key string) (*UsageSummary, error)
	UsageSummary(ctx context.Context) (*UsageSummary, error)

	// Completion cache row tier.
	CacheGet(ctx context.Context, modelID, promptHash, paramsFP string) (string, bool, error)
	CachePut(ctx context.Context, rec *CachedCompletion) error
}
