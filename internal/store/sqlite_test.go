package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := &APIKey{Key: "sk-test", Active: true, Role: "admin", Label: "ci"}
	require.NoError(t, s.CreateKey(ctx, key))
	assert.NotZero(t, key.ID)

	got, err := s.GetKey(ctx, "sk-test")
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, "admin", got.Role)
	assert.True(t, got.IsAdmin())

	require.NoError(t, s.DisableKey(ctx, "sk-test"))
	got, err = s.GetKey(ctx, "sk-test")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.NotNil(t, got.DisabledAt)

	_, err = s.GetKey(ctx, "sk-ghost")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestConsumeQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	quota := int64(2)
	reset := time.Now().UTC().AddDate(0, 1, 0)
	key := &APIKey{Key: "sk-quota", Active: true, QuotaMonthly: &quota, QuotaResetAt: &reset}
	require.NoError(t, s.CreateKey(ctx, key))

	require.NoError(t, s.ConsumeQuota(ctx, "sk-quota"))
	require.NoError(t, s.ConsumeQuota(ctx, "sk-quota"))
	assert.ErrorIs(t, s.ConsumeQuota(ctx, "sk-quota"), ErrQuotaExhausted)

	got, err := s.GetKey(ctx, "sk-quota")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.QuotaUsed, "a denied request spends nothing")
}

func TestConsumeQuotaRollsLapsedWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	quota := int64(1)
	lapsed := time.Now().UTC().AddDate(0, -2, 0)
	key := &APIKey{Key: "sk-roll", Active: true, QuotaMonthly: &quota, QuotaUsed: 1, QuotaResetAt: &lapsed}
	require.NoError(t, s.CreateKey(ctx, key))

	// The counter looks spent, but the window lapsed: it rolls and serves.
	require.NoError(t, s.ConsumeQuota(ctx, "sk-roll"))

	got, err := s.GetKey(ctx, "sk-roll")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.QuotaUsed)
	require.NotNil(t, got.QuotaResetAt)
	assert.True(t, got.QuotaResetAt.After(time.Now().UTC()))
}

func TestConsumeQuotaInactiveAndUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateKey(ctx, &APIKey{Key: "sk-off", Active: false}))
	assert.ErrorIs(t, s.ConsumeQuota(ctx, "sk-off"), ErrKeyInactive)
	assert.ErrorIs(t, s.ConsumeQuota(ctx, "sk-ghost"), ErrKeyNotFound)
}

func TestUnlimitedKeyNeverExhausts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateKey(ctx, &APIKey{Key: "sk-unlimited", Active: true}))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.ConsumeQuota(ctx, "sk-unlimited"))
	}
}

func TestCacheRowIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &CachedCompletion{
		ModelID:    "tiny",
		Prompt:     "hello",
		PromptHash: "abc",
		ParamsFP:   "def",
		Output:     "first",
	}
	require.NoError(t, s.CachePut(ctx, rec))

	// A concurrent loser writes the same fingerprint; the first row wins.
	dup := *rec
	dup.Output = "second"
	require.NoError(t, s.CachePut(ctx, &dup))

	out, found, err := s.CacheGet(ctx, "tiny", "abc", "def")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", out)

	_, found, err = s.CacheGet(ctx, "tiny", "abc", "other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInferenceLogAndUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pt, ct := int64(4), int64(8)
	for i, route := range []string{"/v1/generate", "/v1/generate", "/v1/extract"} {
		rec := &InferenceLog{
			APIKey:           "sk-test",
			RequestID:        "req-" + string(rune('a'+i)),
			Route:            route,
			ModelID:          "tiny",
			ParamsJSON:       "{}",
			Prompt:           "p",
			Output:           "o",
			LatencyMS:        int64(10 * (i + 1)),
			PromptTokens:     &pt,
			CompletionTokens: &ct,
		}
		require.NoError(t, s.AppendInferenceLog(ctx, rec))
		assert.NotZero(t, rec.ID)
	}

	logs, err := s.ListInferenceLogs(ctx, LogQuery{Route: "/v1/generate"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	usage, err := s.UsageForKey(ctx, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Requests)
	assert.Equal(t, int64(12), usage.PromptTokens)
	assert.Equal(t, int64(24), usage.CompletionTokens)
	assert.Equal(t, int64(2), usage.ByRoute["/v1/generate"])
	assert.Equal(t, int64(3), usage.ByModel["tiny"])
	assert.InDelta(t, 20.0, usage.AvgLatencyMS, 0.01)

	global, err := s.UsageSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, usage.Requests, global.Requests)
}
