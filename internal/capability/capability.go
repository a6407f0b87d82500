// Package capability computes the effective {generate, extract} permission
// for a chosen model from deployment flags, registry metadata and the
// external policy override.
package capability

import (
	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/config"
	"github.com/llmgw/llmgw/internal/policy"
	"github.com/llmgw/llmgw/internal/registry"
)

// Resolver evaluates capability decisions against a fixed settings
// snapshot and the live policy store.
type Resolver struct {
	settings *config.Settings
	policies *policy.Store
}

func NewResolver(settings *config.Settings, policies *policy.Store) *Resolver {
	return &Resolver{settings: settings, policies: policies}
}

func (r *Resolver) deployment(capability string) bool {
	switch capability {
	case registry.CapGenerate:
		return r.settings.EnableGenerate
	case registry.CapExtract:
		return r.settings.EnableExtract
	}
	return false
}

// Effective computes the final permission for (model, capability):
// per-model meta intersected with the deployment flag, then overridden
// last by the policy artifact.
func (r *Resolver) Effective(reg *registry.Manager, modelID, capability string) bool {
	allowed := reg.Caps(modelID).Has(capability) && r.deployment(capability)

	if capability == registry.CapExtract {
		if override, applies := r.policies.Current().Override(modelID); applies {
			// The override replaces the per-model verdict but never
			// re-enables a deployment-disabled capability.
			allowed = override && r.deployment(capability)
		}
	}
	return allowed
}

// Require enforces a capability for the selected route. Deployment-off is
// a 501, everything else that denies is a 400.
func (r *Resolver) Require(reg *registry.Manager, modelID, capability string) error {
	if !r.deployment(capability) {
		return apperr.CapabilityDisabled(capability)
	}
	if !r.Effective(reg, modelID, capability) {
		return apperr.CapabilityNotSupported(modelID, capability)
	}
	return nil
}

// SelectModel resolves the request's model field to a registered id. An
// empty capability picks the plain default.
func (r *Resolver) SelectModel(reg *registry.Manager, override, capability string) (string, error) {
	if override != "" {
		if !r.settings.ModelAllowed(override) {
			return "", apperr.ModelNotAllowed(override)
		}
		if _, err := reg.Get(override); err != nil {
			return "", err
		}
		return override, nil
	}
	if capability != "" {
		if id, ok := reg.DefaultFor(capability); ok {
			return id, nil
		}
	}
	return reg.DefaultID(), nil
}

// Deployment reports the raw deployment flags for the models listing.
func (r *Resolver) Deployment() map[string]bool {
	return map[string]bool{
		registry.CapGenerate: r.settings.EnableGenerate,
		registry.CapExtract:  r.settings.EnableExtract,
	}
}
