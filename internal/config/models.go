package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/llmgw/llmgw/internal/apperr"
)

// Backend kinds.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// ModelSpec describes one configured model.
type ModelSpec struct {
	ID              string `yaml:"id"`
	Backend         string `yaml:"backend"`
	LoadMode        string `yaml:"load_mode"`
	Device          string `yaml:"device"`
	Dtype           string `yaml:"dtype"`
	Quantization    string `yaml:"quantization"`
	TrustRemoteCode bool   `yaml:"trust_remote_code"`
	Notes           string `yaml:"notes"`

	// Remote backends only.
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// Capabilities accepts the legacy free-form shapes: absent, a list of
	// capability names, a name→bool map, or a single name. Normalization
	// happens once at registry build time.
	Capabilities any `yaml:"capabilities"`
}

// ModelsDefaults is the defaults block applied to specs that omit a field.
type ModelsDefaults struct {
	LoadMode string `yaml:"load_mode"`
	Device   string `yaml:"device"`
	Dtype    string `yaml:"dtype"`
}

// ModelsConfig is the parsed and validated models file.
type ModelsConfig struct {
	Primary  string         `yaml:"primary"`
	Models   []ModelSpec    `yaml:"models"`
	Defaults ModelsDefaults `yaml:"defaults"`
}

// LoadModels reads and validates the models file. The primary model is
// guaranteed to exist and to be first in the spec list.
func LoadModels(path string) (*ModelsConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.ModelsYAMLMissing(path)
		}
		return nil, apperr.ModelsYAMLInvalid(err)
	}

	var cfg ModelsConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, apperr.ModelsYAMLInvalid(err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ModelsConfig) normalize() error {
	if c.Primary == "" {
		if len(c.Models) == 0 {
			return apperr.ModelConfigInvalid("models file declares no models and no primary")
		}
		c.Primary = c.Models[0].ID
	}

	seen := map[string]bool{}
	for i := range c.Models {
		m := &c.Models[i]
		if m.ID == "" {
			return apperr.ModelConfigInvalid(fmt.Sprintf("model at index %d has an empty id", i))
		}
		if seen[m.ID] {
			return apperr.ModelConfigInvalid(fmt.Sprintf("duplicate model id %q", m.ID))
		}
		seen[m.ID] = true

		if m.Backend == "" {
			m.Backend = BackendLocal
		}
		switch m.Backend {
		case BackendLocal, BackendRemote:
		default:
			return apperr.ModelConfigInvalid(fmt.Sprintf("model %q: unknown backend %q", m.ID, m.Backend))
		}
		if m.Backend == BackendRemote && m.BaseURL == "" {
			return apperr.ModelConfigInvalid(fmt.Sprintf("model %q: remote backend requires base_url", m.ID))
		}

		if m.LoadMode == "" {
			m.LoadMode = c.Defaults.LoadMode
		}
		if m.LoadMode != "" {
			m.LoadMode = normalizeLoadMode(m.LoadMode)
		}
		if m.Device == "" {
			m.Device = c.Defaults.Device
		}
		if m.Dtype == "" {
			m.Dtype = c.Defaults.Dtype
		}

		if err := validateCapabilityMeta(m.ID, m.Capabilities); err != nil {
			return err
		}
	}

	// The primary id is auto-inserted first when the source list omits it.
	if !seen[c.Primary] {
		spec := ModelSpec{
			ID:       c.Primary,
			Backend:  BackendLocal,
			LoadMode: normalizeLoadMode(c.Defaults.LoadMode),
			Device:   c.Defaults.Device,
			Dtype:    c.Defaults.Dtype,
		}
		c.Models = append([]ModelSpec{spec}, c.Models...)
	} else if c.Models[0].ID != c.Primary {
		// Keep the primary first, preserving the order of the rest.
		reordered := make([]ModelSpec, 0, len(c.Models))
		for _, m := range c.Models {
			if m.ID == c.Primary {
				reordered = append([]ModelSpec{m}, reordered...)
			} else {
				reordered = append(reordered, m)
			}
		}
		c.Models = reordered
	}
	return nil
}

// validateCapabilityMeta rejects capability keys outside {generate, extract}
// for the shapes where keys are enumerable. Unknown shapes are left for the
// registry to fail open on.
func validateCapabilityMeta(modelID string, meta any) error {
	check := func(name any) error {
		s, ok := name.(string)
		if !ok {
			return apperr.ModelConfigInvalid(fmt.Sprintf("model %q: capability name must be a string", modelID))
		}
		if s != "generate" && s != "extract" {
			return apperr.ModelConfigInvalid(fmt.Sprintf("model %q: unknown capability %q", modelID, s))
		}
		return nil
	}

	switch v := meta.(type) {
	case nil:
		return nil
	case string:
		return check(v)
	case []any:
		for _, name := range v {
			if err := check(name); err != nil {
				return err
			}
		}
	case map[string]any:
		for name := range v {
			if err := check(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// IDs returns the ordered model ids, primary first.
func (c *ModelsConfig) IDs() []string {
	out := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, m.ID)
	}
	return out
}
