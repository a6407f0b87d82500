package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCapsShapes(t *testing.T) {
	tests := []struct {
		name     string
		meta     any
		generate bool
		extract  bool
	}{
		{"absent allows all", nil, true, true},
		{"single string", "generate", true, false},
		{"allow list", []any{"extract"}, false, true},
		{"string slice", []string{"generate", "extract"}, true, true},
		{"bool map partial", map[string]any{"extract": false}, true, false},
		{"bool map explicit", map[string]any{"generate": true, "extract": true}, true, true},
		{"bool map typed", map[string]bool{"generate": false}, false, true},
		{"unknown shape fails open", 42, true, true},
		{"list with non-string fails open", []any{"generate", 7}, true, true},
		{"map with non-bool fails open", map[string]any{"generate": "yes"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := ParseCaps(tt.meta)
			assert.Equal(t, tt.generate, caps.Has(CapGenerate), "generate")
			assert.Equal(t, tt.extract, caps.Has(CapExtract), "extract")
		})
	}
}

func TestBoolMapMissingKeyDefaultsTrue(t *testing.T) {
	caps := ParseCaps(map[string]any{"extract": true})
	// generate is absent from the map: partial configs never disable silently.
	assert.True(t, caps.Has(CapGenerate))
}

func TestCapsNames(t *testing.T) {
	caps := ParseCaps([]any{"extract"})
	assert.Equal(t, []string{"extract"}, caps.Names())

	caps = ParseCaps(nil)
	assert.Equal(t, []string{"extract", "generate"}, caps.Names())
}
