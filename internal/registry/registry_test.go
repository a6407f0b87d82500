package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/config"
)

func testModelsConfig() *config.ModelsConfig {
	cfg := &config.ModelsConfig{
		Primary: "tiny",
		Models: []config.ModelSpec{
			{ID: "tiny", Backend: config.BackendLocal, LoadMode: "lazy"},
			{ID: "extractor", Backend: config.BackendLocal, LoadMode: "lazy",
				Capabilities: map[string]any{"generate": false}},
		},
	}
	return cfg
}

func testSettings() *config.Settings {
	return &config.Settings{RemoteTimeout: time.Second}
}

func TestManagerResolution(t *testing.T) {
	mgr, err := NewManager(testModelsConfig(), testSettings(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "tiny", mgr.DefaultID())
	assert.Equal(t, []string{"tiny", "extractor"}, mgr.IDs())

	_, err = mgr.Get("tiny")
	assert.NoError(t, err)

	_, err = mgr.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, "model_missing", apperr.From(err).Code)
}

func TestEnsureLoadedOnlyDefault(t *testing.T) {
	mgr, err := NewManager(testModelsConfig(), testSettings(), zap.NewNop())
	require.NoError(t, err)

	assert.False(t, mgr.IsLoaded("tiny"))
	require.NoError(t, mgr.EnsureLoaded(context.Background()))
	assert.True(t, mgr.IsLoaded("tiny"))
	assert.False(t, mgr.IsLoaded("extractor"), "EnsureLoaded must not touch non-default backends")
}

func TestEnsureModelLoadsNonDefault(t *testing.T) {
	mgr, err := NewManager(testModelsConfig(), testSettings(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, mgr.EnsureModel(context.Background(), "extractor"))
	assert.True(t, mgr.IsLoaded("extractor"))
	assert.False(t, mgr.IsLoaded("tiny"), "loading an override leaves the default alone")

	// Loaded backends serve immediately.
	b, err := mgr.Get("extractor")
	require.NoError(t, err)
	out, err := b.Generate(context.Background(), "hello", Params{MaxNewTokens: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	err = mgr.EnsureModel(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, "model_missing", apperr.From(err).Code)
}

func TestLoadAll(t *testing.T) {
	mgr, err := NewManager(testModelsConfig(), testSettings(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, mgr.LoadAll(context.Background()))
	assert.True(t, mgr.IsLoaded("tiny"))
	assert.True(t, mgr.IsLoaded("extractor"))
}

func TestDefaultFor(t *testing.T) {
	cfg := &config.ModelsConfig{
		Primary: "gen-only",
		Models: []config.ModelSpec{
			{ID: "gen-only", Backend: config.BackendLocal,
				Capabilities: []any{"generate"}},
			{ID: "extractor", Backend: config.BackendLocal,
				Capabilities: []any{"extract"}},
		},
	}
	mgr, err := NewManager(cfg, testSettings(), zap.NewNop())
	require.NoError(t, err)

	id, ok := mgr.DefaultFor(CapGenerate)
	require.True(t, ok)
	assert.Equal(t, "gen-only", id)

	// The primary does not extract, so the first extract-capable model wins.
	id, ok = mgr.DefaultFor(CapExtract)
	require.True(t, ok)
	assert.Equal(t, "extractor", id)
}

func TestStatusOrderAndFlags(t *testing.T) {
	mgr, err := NewManager(testModelsConfig(), testSettings(), zap.NewNop())
	require.NoError(t, err)

	status := mgr.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "tiny", status[0].ModelID)
	assert.True(t, status[0].Default)
	require.NotNil(t, status[0].Loaded)
	assert.False(t, *status[0].Loaded)
	assert.False(t, status[1].Default)
}

func TestLocalBackendDeterministic(t *testing.T) {
	b := newLocalBackend(config.ModelSpec{ID: "tiny", Backend: config.BackendLocal})
	require.NoError(t, b.EnsureLoaded(context.Background()))

	params := Params{MaxNewTokens: 16, Temperature: 0.2}
	first, err := b.Generate(context.Background(), "hello", params)
	require.NoError(t, err)
	second, err := b.Generate(context.Background(), "hello", params)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical inputs must repeat exactly")

	other, err := b.Generate(context.Background(), "goodbye", params)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestLocalBackendUnloadedFails(t *testing.T) {
	b := newLocalBackend(config.ModelSpec{ID: "tiny", Backend: config.BackendLocal})
	_, err := b.Generate(context.Background(), "hello", Params{})
	require.Error(t, err)
	assert.Equal(t, "llm_unavailable", apperr.From(err).Code)
}

func TestHolderSwapOffToLoaded(t *testing.T) {
	h := NewHolder(nil)
	assert.Nil(t, h.Manager())

	err := h.Swap(func(current *Manager) (*Manager, error) {
		assert.Nil(t, current)
		return NewManager(testModelsConfig(), testSettings(), zap.NewNop())
	})
	require.NoError(t, err)
	assert.NotNil(t, h.Manager())
}
