// Package cache is the two-tier completion cache: a fast optional KV tier
// (Redis) in front of the durable row tier (SQLite). Tier failures degrade
// to misses; they never fail a request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/llmgw/llmgw/internal/metrics"
	"github.com/llmgw/llmgw/internal/store"
)

// Layers reported by Get.
const (
	LayerKV  = "kv"
	LayerRow = "row"
)

// kvValue is the JSON envelope stored in the KV tier.
type kvValue struct {
	Output string `json:"output"`
}

// Fingerprint addresses one cacheable request.
type Fingerprint struct {
	Kind       string
	ModelID    string
	PromptHash string
	ParamsFP   string
}

// RedisKey is the KV-tier key for the fingerprint.
func (f Fingerprint) RedisKey() string {
	return Key(f.Kind, f.ModelID, f.PromptHash, f.ParamsFP)
}

// Cache coordinates the two tiers and coalesces concurrent misses for the
// same fingerprint in-process.
type Cache struct {
	kv     redis.UniversalClient // nil when the KV tier is disabled
	rows   store.Store
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// New builds the cache. kv may be nil.
func New(kv redis.UniversalClient, rows store.Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if kv != nil {
		metrics.KVEnabled.Set(1)
	} else {
		metrics.KVEnabled.Set(0)
	}
	return &Cache{kv: kv, rows: rows, ttl: ttl, logger: logger}
}

// KVEnabled reports whether the fast tier is configured.
func (c *Cache) KVEnabled() bool { return c.kv != nil }

// PingKV checks KV reachability for readiness.
func (c *Cache) PingKV(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	return c.kv.Ping(ctx).Err()
}

// Get performs the tiered lookup. It returns the cached output, whether it
// hit, and the layer that served it ("" on miss). Tier errors are misses.
func (c *Cache) Get(ctx context.Context, fp Fingerprint) (output string, hit bool, layer string) {
	if c.kv != nil {
		start := time.Now()
		raw, err := c.kv.Get(ctx, fp.RedisKey()).Result()
		metrics.KVGetDuration.WithLabelValues(fp.ModelID, fp.Kind).Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			var v kvValue
			if jerr := json.Unmarshal([]byte(raw), &v); jerr == nil && v.Output != "" {
				metrics.KVHitsTotal.WithLabelValues(fp.ModelID, fp.Kind).Inc()
				return v.Output, true, LayerKV
			}
			// Unparseable value: fall through to the row tier.
			metrics.KVMissesTotal.WithLabelValues(fp.ModelID, fp.Kind).Inc()
		case errors.Is(err, redis.Nil):
			metrics.KVMissesTotal.WithLabelValues(fp.ModelID, fp.Kind).Inc()
		default:
			metrics.KVMissesTotal.WithLabelValues(fp.ModelID, fp.Kind).Inc()
			c.logger.Warn("kv get failed", zap.String("key", fp.RedisKey()), zap.Error(err))
		}
	}

	out, found, err := c.rows.CacheGet(ctx, fp.ModelID, fp.PromptHash, fp.ParamsFP)
	if err != nil {
		c.logger.Warn("row cache get failed", zap.String("model_id", fp.ModelID), zap.Error(err))
		return "", false, ""
	}
	if !found {
		return "", false, ""
	}

	// Row hit: backfill the fast tier, best-effort.
	c.setKV(ctx, fp, out)
	return out, true, LayerRow
}

// Put persists the output across both tiers. Never returns an error; tier
// failures are logged and metered only.
func (c *Cache) Put(ctx context.Context, fp Fingerprint, prompt, output string) {
	if output == "" {
		return
	}
	rec := &store.CachedCompletion{
		ModelID:    fp.ModelID,
		Prompt:     prompt,
		PromptHash: fp.PromptHash,
		ParamsFP:   fp.ParamsFP,
		Output:     output,
	}
	if err := c.rows.CachePut(ctx, rec); err != nil {
		metrics.CacheWriteFailuresTotal.WithLabelValues(LayerRow).Inc()
		c.logger.Warn("row cache put failed", zap.String("model_id", fp.ModelID), zap.Error(err))
	}
	c.setKV(ctx, fp, output)
}

func (c *Cache) setKV(ctx context.Context, fp Fingerprint, output string) {
	if c.kv == nil {
		return
	}
	payload, err := json.Marshal(kvValue{Output: output})
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, fp.RedisKey(), payload, c.ttl).Err(); err != nil {
		metrics.CacheWriteFailuresTotal.WithLabelValues(LayerKV).Inc()
		c.logger.Warn("kv set failed", zap.String("key", fp.RedisKey()), zap.Error(err))
	}
}

// Do coalesces concurrent misses for one fingerprint: while one caller
// runs fn the rest wait and share its result. Correctness does not depend
// on this; the row tier's uniqueness keeps persisted state idempotent.
func (c *Cache) Do(fp Fingerprint, fn func() (string, error)) (string, error) {
	out, err, _ := c.group.Do(fp.RedisKey(), func() (any, error) {
		return fn()
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// NewRedisClient parses a redis URL into a client, nil when disabled.
func NewRedisClient(url string, enabled bool) (redis.UniversalClient, error) {
	if !enabled || url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
