// Package registry maps model ids to backend implementations and applies
// the load-mode policy (eager, lazy, off).
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/config"
)

// Params are the generation knobs forwarded to a backend.
type Params struct {
	MaxNewTokens int      `json:"max_new_tokens,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	TopP         float64  `json:"top_p,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

// Backend produces a completion for a prompt. Implementations must be safe
// for concurrent use once loaded.
type Backend interface {
	ModelID() string
	Generate(ctx context.Context, prompt string, params Params) (string, error)
}

// Loader is implemented by backends that hold weights in-process.
type Loader interface {
	EnsureLoaded(ctx context.Context) error
	IsLoaded() bool
}

type entry struct {
	spec    config.ModelSpec
	backend Backend
	caps    Caps
}

// Manager owns the model-id → backend map. It is immutable after
// construction; the off→loaded transition builds a fresh Manager.
type Manager struct {
	order     []string
	entries   map[string]*entry
	defaultID string
	logger    *zap.Logger
}

// NewManager builds backends for every model in the config. Nothing is
// loaded here; loading follows the load-mode policy.
func NewManager(cfg *config.ModelsConfig, settings *config.Settings, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		entries:   make(map[string]*entry, len(cfg.Models)),
		defaultID: cfg.Primary,
		logger:    logger,
	}
	for _, spec := range cfg.Models {
		var b Backend
		switch spec.Backend {
		case config.BackendRemote:
			b = newRemoteBackend(spec, settings.RemoteTimeout)
		default:
			b = newLocalBackend(spec)
		}
		m.entries[spec.ID] = &entry{spec: spec, backend: b, caps: ParseCaps(spec.Capabilities)}
		m.order = append(m.order, spec.ID)
	}
	if _, ok := m.entries[m.defaultID]; !ok {
		return nil, apperr.ModelConfigInvalid("primary model is not in the registry")
	}
	return m, nil
}

// DefaultID returns the primary model id.
func (m *Manager) DefaultID() string { return m.defaultID }

// IDs returns the registered model ids in config order, primary first.
func (m *Manager) IDs() []string { return append([]string(nil), m.order...) }

// Get resolves a model id to its backend.
func (m *Manager) Get(modelID string) (Backend, error) {
	e, ok := m.entries[modelID]
	if !ok {
		return nil, apperr.ModelMissing(modelID)
	}
	return e.backend, nil
}

// Caps returns the capability declaration for a model. Missing models
// report an unspecified (permissive) set; the resolve step rejects them
// before capability checks run.
func (m *Manager) Caps(modelID string) Caps {
	if e, ok := m.entries[modelID]; ok {
		return e.caps
	}
	return Caps{Kind: CapsUnspecified}
}

// Spec returns the config block a model was built from.
func (m *Manager) Spec(modelID string) (config.ModelSpec, bool) {
	e, ok := m.entries[modelID]
	if !ok {
		return config.ModelSpec{}, false
	}
	return e.spec, true
}

// EnsureLoaded loads the default backend. Backends without a loader
// (remote) are always considered loaded.
func (m *Manager) EnsureLoaded(ctx context.Context) error {
	return m.EnsureModel(ctx, m.defaultID)
}

// EnsureModel loads the named backend when it holds weights in-process, so
// a valid model override is servable without an admin round-trip.
func (m *Manager) EnsureModel(ctx context.Context, modelID string) error {
	e, ok := m.entries[modelID]
	if !ok {
		return apperr.ModelMissing(modelID)
	}
	loader, ok := e.backend.(Loader)
	if !ok || loader.IsLoaded() {
		return nil
	}
	m.logger.Info("loading model", zap.String("model_id", modelID))
	if err := loader.EnsureLoaded(ctx); err != nil {
		m.logger.Error("model load failed", zap.String("model_id", modelID), zap.Error(err))
		return err
	}
	return nil
}

// LoadAll loads every backend that exposes a loader.
func (m *Manager) LoadAll(ctx context.Context) error {
	for _, id := range m.order {
		loader, ok := m.entries[id].backend.(Loader)
		if !ok || loader.IsLoaded() {
			continue
		}
		m.logger.Info("loading model", zap.String("model_id", id))
		if err := loader.EnsureLoaded(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsLoaded consults the backend's own loader status; backends without a
// loader count as loaded.
func (m *Manager) IsLoaded(modelID string) bool {
	e, ok := m.entries[modelID]
	if !ok {
		return false
	}
	if loader, ok := e.backend.(Loader); ok {
		return loader.IsLoaded()
	}
	return true
}

// ModelStatus is one row of the status listing.
type ModelStatus struct {
	ModelID      string   `json:"model_id"`
	Backend      string   `json:"backend"`
	LoadMode     string   `json:"load_mode"`
	Loaded       *bool    `json:"loaded"` // nil when the backend has no loader
	Default      bool     `json:"default"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Status reports every model in config order.
func (m *Manager) Status() []ModelStatus {
	out := make([]ModelStatus, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		st := ModelStatus{
			ModelID:      id,
			Backend:      e.spec.Backend,
			LoadMode:     e.spec.LoadMode,
			Default:      id == m.defaultID,
			Capabilities: e.caps.Names(),
		}
		if loader, ok := e.backend.(Loader); ok {
			loaded := loader.IsLoaded()
			st.Loaded = &loaded
		}
		out = append(out, st)
	}
	return out
}

// DefaultFor picks the model serving a capability: the primary when it
// supports it, otherwise the first registered model that does.
func (m *Manager) DefaultFor(capability string) (string, bool) {
	if m.entries[m.defaultID].caps.Has(capability) {
		return m.defaultID, true
	}
	for _, id := range m.order {
		if m.entries[id].caps.Has(capability) {
			return id, true
		}
	}
	return "", false
}

// Holder is the process-wide registry slot. In off mode it starts empty
// and is populated once through the admin load endpoint; that transition
// is serialized by the mutex.
type Holder struct {
	mu sync.Mutex
	m  *Manager
}

// NewHolder wraps a manager; m may be nil in off mode.
func NewHolder(m *Manager) *Holder { return &Holder{m: m} }

// Manager returns the current registry, or nil when no model is loaded.
func (h *Holder) Manager() *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m
}

// Swap installs a freshly built registry under the transition mutex and
// runs fn while holding it, so concurrent admin loads serialize.
func (h *Holder) Swap(build func(current *Manager) (*Manager, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	next, err := build(h.m)
	if err != nil {
		return err
	}
	h.m = next
	return nil
}
