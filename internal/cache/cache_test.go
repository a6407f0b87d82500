package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/store"
)

func newTierTest(t *testing.T) (*Cache, *miniredis.Miniredis, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rows, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rows.Close() })
	return New(kv, rows, time.Hour, zap.NewNop()), mr, rows
}

func testFP() Fingerprint {
	return Fingerprint{Kind: KindCache, ModelID: "tiny", PromptHash: "ph", ParamsFP: "fp"}
}

func TestMissThenPutThenKVHit(t *testing.T) {
	c, mr, _ := newTierTest(t)
	ctx := context.Background()
	fp := testFP()

	_, hit, _ := c.Get(ctx, fp)
	assert.False(t, hit)

	c.Put(ctx, fp, "hello", "world")

	out, hit, layer := c.Get(ctx, fp)
	require.True(t, hit)
	assert.Equal(t, "world", out)
	assert.Equal(t, LayerKV, layer)

	// The KV tier stores the JSON envelope under the documented key.
	raw, err := mr.Get(fp.RedisKey())
	require.NoError(t, err)
	assert.JSONEq(t, `{"output": "world"}`, raw)
}

func TestRowHitBackfillsKV(t *testing.T) {
	c, mr, rows := newTierTest(t)
	ctx := context.Background()
	fp := testFP()

	// Seed the durable tier only, as if KV expired.
	require.NoError(t, rows.CachePut(ctx, &store.CachedCompletion{
		ModelID: fp.ModelID, Prompt: "hello", PromptHash: fp.PromptHash,
		ParamsFP: fp.ParamsFP, Output: "world",
	}))

	out, hit, layer := c.Get(ctx, fp)
	require.True(t, hit)
	assert.Equal(t, "world", out)
	assert.Equal(t, LayerRow, layer)

	// Next read is served by the backfilled KV tier.
	assert.True(t, mr.Exists(fp.RedisKey()))
	_, _, layer = c.Get(ctx, fp)
	assert.Equal(t, LayerKV, layer)
}

func TestKVFailureDegradesToRowTier(t *testing.T) {
	c, mr, rows := newTierTest(t)
	ctx := context.Background()
	fp := testFP()

	require.NoError(t, rows.CachePut(ctx, &store.CachedCompletion{
		ModelID: fp.ModelID, Prompt: "hello", PromptHash: fp.PromptHash,
		ParamsFP: fp.ParamsFP, Output: "world",
	}))

	mr.Close() // KV down: errors must degrade to misses, not failures

	out, hit, layer := c.Get(ctx, fp)
	require.True(t, hit)
	assert.Equal(t, "world", out)
	assert.Equal(t, LayerRow, layer)
}

func TestCorruptKVValueFallsThrough(t *testing.T) {
	c, mr, rows := newTierTest(t)
	ctx := context.Background()
	fp := testFP()

	require.NoError(t, mr.Set(fp.RedisKey(), "not json"))
	require.NoError(t, rows.CachePut(ctx, &store.CachedCompletion{
		ModelID: fp.ModelID, Prompt: "hello", PromptHash: fp.PromptHash,
		ParamsFP: fp.ParamsFP, Output: "world",
	}))

	out, hit, layer := c.Get(ctx, fp)
	require.True(t, hit)
	assert.Equal(t, "world", out)
	assert.Equal(t, LayerRow, layer)
}

func TestPutSkipsEmptyOutput(t *testing.T) {
	c, mr, _ := newTierTest(t)
	fp := testFP()

	c.Put(context.Background(), fp, "hello", "")
	assert.False(t, mr.Exists(fp.RedisKey()))
}

func TestNilKVRowOnly(t *testing.T) {
	rows, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rows.Close() })

	c := New(nil, rows, time.Hour, zap.NewNop())
	assert.False(t, c.KVEnabled())
	assert.NoError(t, c.PingKV(context.Background()))

	ctx := context.Background()
	fp := testFP()
	c.Put(ctx, fp, "hello", "world")
	out, hit, layer := c.Get(ctx, fp)
	require.True(t, hit)
	assert.Equal(t, "world", out)
	assert.Equal(t, LayerRow, layer)
}

func TestDoCoalesces(t *testing.T) {
	c, _, _ := newTierTest(t)
	fp := testFP()

	calls := 0
	out, err := c.Do(fp, func() (string, error) {
		calls++
		return "generated", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", out)
	assert.Equal(t, 1, calls)
}
