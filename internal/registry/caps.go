package registry

import "sort"

// Capability names.
const (
	CapGenerate = "generate"
	CapExtract  = "extract"
)

// CapsKind discriminates the per-model capability shapes.
type CapsKind int

const (
	// CapsUnspecified means the model declared nothing: every capability
	// is assumed supported.
	CapsUnspecified CapsKind = iota
	// CapsAllowList is an explicit list of supported capability names.
	CapsAllowList
	// CapsBoolMap maps capability name to enabled. A name absent from the
	// map is treated as enabled.
	CapsBoolMap
)

// Caps is the normalized per-model capability declaration.
type Caps struct {
	Kind  CapsKind
	Allow map[string]bool // AllowList: membership; BoolMap: name→enabled
}

// ParseCaps normalizes the free-form YAML capability shapes. Shapes that
// cannot be interpreted fail open to unspecified.
func ParseCaps(meta any) Caps {
	switch v := meta.(type) {
	case nil:
		return Caps{Kind: CapsUnspecified}
	case string:
		return Caps{Kind: CapsAllowList, Allow: map[string]bool{v: true}}
	case []any:
		allow := make(map[string]bool, len(v))
		for _, name := range v {
			s, ok := name.(string)
			if !ok {
				return Caps{Kind: CapsUnspecified}
			}
			allow[s] = true
		}
		return Caps{Kind: CapsAllowList, Allow: allow}
	case []string:
		allow := make(map[string]bool, len(v))
		for _, s := range v {
			allow[s] = true
		}
		return Caps{Kind: CapsAllowList, Allow: allow}
	case map[string]any:
		allow := make(map[string]bool, len(v))
		for name, val := range v {
			b, ok := val.(bool)
			if !ok {
				return Caps{Kind: CapsUnspecified}
			}
			allow[name] = b
		}
		return Caps{Kind: CapsBoolMap, Allow: allow}
	case map[string]bool:
		allow := make(map[string]bool, len(v))
		for name, b := range v {
			allow[name] = b
		}
		return Caps{Kind: CapsBoolMap, Allow: allow}
	default:
		return Caps{Kind: CapsUnspecified}
	}
}

// Has reports whether the model supports a capability.
func (c Caps) Has(capability string) bool {
	switch c.Kind {
	case CapsAllowList:
		return c.Allow[capability]
	case CapsBoolMap:
		enabled, present := c.Allow[capability]
		if !present {
			return true
		}
		return enabled
	default:
		return true
	}
}

// Names lists the capabilities the model supports, sorted, out of the
// known capability set.
func (c Caps) Names() []string {
	out := []string{}
	for _, name := range []string{CapExtract, CapGenerate} {
		if c.Has(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
