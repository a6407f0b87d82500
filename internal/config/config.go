// Package config builds the immutable per-process settings snapshot.
//
// Sources, highest priority first: environment variables (LLMGW_* prefix,
// plus the handful of authoritative unprefixed variables named below), an
// optional YAML file pointed at by APP_CONFIG_PATH, built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load modes for model weights.
const (
	LoadEager = "eager"
	LoadLazy  = "lazy"
	LoadOff   = "off"
)

// Settings is the immutable configuration snapshot built once at startup.
type Settings struct {
	Env  string
	Host string
	Port int

	CORSOrigins []string

	// Deployment-level capability gates.
	EnableGenerate bool
	EnableExtract  bool

	// AllowedModels restricts the model override field; empty means any
	// registered model may be requested.
	AllowedModels []string

	LoadMode           string
	Warmup             bool
	WarmupPrompt       string
	WarmupMaxNewTokens int

	ModelsPath         string
	SchemaDir          string
	PolicyDecisionPath string

	// ModelCacheDir is where local backends persist downloaded weights;
	// empty disables the startup writability probe.
	ModelCacheDir string

	DatabasePath string

	RedisURL     string
	RedisEnabled bool
	CacheTTL     time.Duration

	// RateLimits maps role name to requests per minute; the empty key is
	// the default bucket for keys without a role.
	RateLimits map[string]int

	TokenCounting     bool
	RequireModelReady bool

	RemoteTimeout time.Duration

	LogLevel string
	LogPath  string
}

// Load reads configuration from file, environment and defaults.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("LLMGW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path := os.Getenv("APP_CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	s := &Settings{
		Env:                v.GetString("env"),
		Host:               v.GetString("host"),
		Port:               v.GetInt("port"),
		CORSOrigins:        v.GetStringSlice("cors_origins"),
		EnableGenerate:     v.GetBool("enable_generate"),
		EnableExtract:      v.GetBool("enable_extract"),
		AllowedModels:      v.GetStringSlice("allowed_models"),
		LoadMode:           normalizeLoadMode(v.GetString("model_load_mode")),
		Warmup:             v.GetBool("model_warmup"),
		WarmupPrompt:       v.GetString("model_warmup_prompt"),
		WarmupMaxNewTokens: v.GetInt("model_warmup_max_new_tokens"),
		ModelsPath:         v.GetString("models_yaml"),
		SchemaDir:          v.GetString("schema_dir"),
		PolicyDecisionPath: v.GetString("policy_decision_path"),
		ModelCacheDir:      v.GetString("model_cache_dir"),
		DatabasePath:       v.GetString("database_path"),
		RedisURL:           v.GetString("redis_url"),
		RedisEnabled:       v.GetBool("redis_enabled"),
		CacheTTL:           v.GetDuration("cache_ttl"),
		RateLimits:         rateLimits(v),
		TokenCounting:      v.GetBool("token_counting"),
		RequireModelReady:  v.GetBool("require_model_ready"),
		RemoteTimeout:      v.GetDuration("remote_timeout"),
		LogLevel:           v.GetString("log_level"),
		LogPath:            v.GetString("log_path"),
	}

	applyEnvOverrides(s)

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("enable_generate", true)
	v.SetDefault("enable_extract", true)
	v.SetDefault("allowed_models", []string{})
	v.SetDefault("model_load_mode", LoadLazy)
	v.SetDefault("model_warmup", false)
	v.SetDefault("model_warmup_prompt", "Hello")
	v.SetDefault("model_warmup_max_new_tokens", 8)
	v.SetDefault("models_yaml", "")
	v.SetDefault("schema_dir", "schemas")
	v.SetDefault("policy_decision_path", "")
	v.SetDefault("model_cache_dir", "")
	v.SetDefault("database_path", "llmgw.db")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("redis_enabled", false)
	v.SetDefault("cache_ttl", time.Hour)
	v.SetDefault("rate_limits.default", 60)
	v.SetDefault("token_counting", true)
	v.SetDefault("require_model_ready", false)
	v.SetDefault("remote_timeout", 60*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_path", "")
}

func rateLimits(v *viper.Viper) map[string]int {
	out := map[string]int{}
	for role, rpm := range v.GetStringMap("rate_limits") {
		switch n := rpm.(type) {
		case int:
			out[role] = n
		case int64:
			out[role] = int(n)
		case float64:
			out[role] = int(n)
		}
	}
	if _, ok := out["default"]; !ok {
		out["default"] = 60
	}
	return out
}

// applyEnvOverrides honors the authoritative unprefixed variables. They win
// over both file and prefixed env values.
func applyEnvOverrides(s *Settings) {
	if p := os.Getenv("POLICY_DECISION_PATH"); p != "" {
		s.PolicyDecisionPath = p
	}
	if p := os.Getenv("MODELS_YAML"); p != "" {
		s.ModelsPath = p
	}
	if s.ModelsPath == "" {
		root := os.Getenv("APP_ROOT")
		if root == "" {
			root = "."
		}
		s.ModelsPath = filepath.Join(root, "models.yaml")
	}
	if v := os.Getenv("HF_HOME"); v != "" {
		s.ModelCacheDir = v
	}
	if v := os.Getenv("REQUIRE_MODEL_READY"); v != "" {
		s.RequireModelReady = isTruthy(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		s.RedisURL = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		s.RedisEnabled = isTruthy(v)
	}
	if v := os.Getenv("TOKEN_COUNTING"); v != "" {
		s.TokenCounting = isTruthy(v)
	}
	if v := os.Getenv("MODEL_WARMUP"); v != "" {
		s.Warmup = isTruthy(v)
	}
	if v := os.Getenv("MODEL_WARMUP_PROMPT"); v != "" {
		s.WarmupPrompt = v
	}
	if v := os.Getenv("MODEL_LOAD_MODE"); v != "" {
		s.LoadMode = normalizeLoadMode(v)
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// normalizeLoadMode folds the legacy "on" alias into eager.
func normalizeLoadMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "eager", "on":
		return LoadEager
	case "off":
		return LoadOff
	default:
		return LoadLazy
	}
}

func (s *Settings) validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	switch s.LoadMode {
	case LoadEager, LoadLazy, LoadOff:
	default:
		return fmt.Errorf("invalid model_load_mode %q", s.LoadMode)
	}
	if s.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	return nil
}

// ModelAllowed reports whether an explicit model override is permitted.
func (s *Settings) ModelAllowed(model string) bool {
	if len(s.AllowedModels) == 0 {
		return true
	}
	for _, m := range s.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// RateLimitFor returns the per-minute budget for a role.
func (s *Settings) RateLimitFor(role string) int {
	if rpm, ok := s.RateLimits[role]; ok && rpm > 0 {
		return rpm
	}
	return s.RateLimits["default"]
}
