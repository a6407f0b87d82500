package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgw/llmgw/internal/apperr"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ROOT", t.TempDir())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", s.Env)
	assert.Equal(t, 8080, s.Port)
	assert.True(t, s.EnableGenerate)
	assert.True(t, s.EnableExtract)
	assert.Equal(t, LoadLazy, s.LoadMode)
	assert.Equal(t, 60, s.RateLimits["default"])
	assert.True(t, s.TokenCounting)
	assert.False(t, s.RequireModelReady)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("APP_ROOT", t.TempDir())
	t.Setenv("LLMGW_PORT", "9191")
	t.Setenv("MODEL_LOAD_MODE", "on") // legacy alias
	t.Setenv("REQUIRE_MODEL_READY", "yes")
	t.Setenv("TOKEN_COUNTING", "0")
	t.Setenv("POLICY_DECISION_PATH", "/tmp/decision.json")
	t.Setenv("HF_HOME", "/tmp/weights")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, s.Port)
	assert.Equal(t, LoadEager, s.LoadMode)
	assert.True(t, s.RequireModelReady)
	assert.False(t, s.TokenCounting)
	assert.Equal(t, "/tmp/decision.json", s.PolicyDecisionPath)
	assert.Equal(t, "/tmp/weights", s.ModelCacheDir)
}

func TestModelsYAMLResolution(t *testing.T) {
	root := t.TempDir()
	t.Setenv("APP_ROOT", root)

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "models.yaml"), s.ModelsPath)

	t.Setenv("MODELS_YAML", "/etc/llmgw/models.yaml")
	s, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "/etc/llmgw/models.yaml", s.ModelsPath)
}

func TestNormalizeLoadMode(t *testing.T) {
	assert.Equal(t, LoadEager, normalizeLoadMode("eager"))
	assert.Equal(t, LoadEager, normalizeLoadMode("ON"))
	assert.Equal(t, LoadOff, normalizeLoadMode("off"))
	assert.Equal(t, LoadLazy, normalizeLoadMode(""))
	assert.Equal(t, LoadLazy, normalizeLoadMode("garbage"))
}

func TestModelAllowed(t *testing.T) {
	s := &Settings{}
	assert.True(t, s.ModelAllowed("anything"), "empty list allows all")

	s.AllowedModels = []string{"a", "b"}
	assert.True(t, s.ModelAllowed("a"))
	assert.False(t, s.ModelAllowed("c"))
}

func TestRateLimitFor(t *testing.T) {
	s := &Settings{RateLimits: map[string]int{"default": 60, "pro": 600, "blocked": 0}}
	assert.Equal(t, 600, s.RateLimitFor("pro"))
	assert.Equal(t, 60, s.RateLimitFor(""), "roleless keys use the default bucket")
	assert.Equal(t, 60, s.RateLimitFor("unknown"))
	assert.Equal(t, 60, s.RateLimitFor("blocked"), "zero budgets fall back to the default")
}

func writeModels(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadModelsPrimaryFirst(t *testing.T) {
	path := writeModels(t, `
primary: second
models:
  - id: first
  - id: second
    capabilities: [generate, extract]
`)
	cfg, err := LoadModels(path)
	require.NoError(t, err)
	assert.Equal(t, "second", cfg.Primary)
	assert.Equal(t, []string{"second", "first"}, cfg.IDs())
	assert.Equal(t, BackendLocal, cfg.Models[0].Backend)
}

func TestLoadModelsAutoInsertsPrimary(t *testing.T) {
	path := writeModels(t, `
primary: ghost
models:
  - id: other
`)
	cfg, err := LoadModels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost", "other"}, cfg.IDs())
}

func TestLoadModelsDefaultsApplied(t *testing.T) {
	path := writeModels(t, `
models:
  - id: m1
defaults:
  load_mode: eager
  device: cpu
`)
	cfg, err := LoadModels(path)
	require.NoError(t, err)
	assert.Equal(t, "m1", cfg.Primary, "first model becomes primary when unset")
	assert.Equal(t, LoadEager, cfg.Models[0].LoadMode)
	assert.Equal(t, "cpu", cfg.Models[0].Device)
}

func TestLoadModelsRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"remote without base_url": `
models:
  - id: r1
    backend: remote
`,
		"duplicate ids": `
models:
  - id: m1
  - id: m1
`,
		"unknown backend": `
models:
  - id: m1
    backend: quantum
`,
		"unknown capability": `
models:
  - id: m1
    capabilities: [teleport]
`,
	}
	for name, content := range cases {
		_, err := LoadModels(writeModels(t, content))
		require.Error(t, err, name)
		assert.Equal(t, "model_config_invalid", apperr.From(err).Code, name)
	}
}

func TestLoadModelsMissingFile(t *testing.T) {
	_, err := LoadModels(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, "models_yaml_missing", apperr.From(err).Code)
}
