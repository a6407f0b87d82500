package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPromptHashStable(t *testing.T) {
	a := PromptHash("hello world")
	b := PromptHash("hello world")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, PromptHash("hello world!"))
}

func TestExtractPromptHashFoldsSchemaID(t *testing.T) {
	same := ExtractPromptHash("invoice", "total 42")
	assert.Equal(t, same, ExtractPromptHash("invoice", "total 42"))
	assert.NotEqual(t, same, ExtractPromptHash("receipt", "total 42"))
}

func TestParamsFingerprintIgnoresIdentityFields(t *testing.T) {
	a := ParamsFingerprint(map[string]any{
		"prompt":         "hello",
		"model":          "m1",
		"cache":          true,
		"max_new_tokens": float64(16),
		"temperature":    0.2,
	})
	b := ParamsFingerprint(map[string]any{
		"prompt":         "something else entirely",
		"model":          "m2",
		"cache":          false,
		"repair":         true,
		"max_new_tokens": float64(16),
		"temperature":    0.2,
	})
	assert.Equal(t, a, b, "identity fields must not shape the fingerprint")
}

func TestParamsFingerprintSingleAndBatchAgree(t *testing.T) {
	single := ParamsFingerprint(map[string]any{
		"prompt":      "one",
		"temperature": 0.2,
	})
	batch := ParamsFingerprint(map[string]any{
		"prompts":     []any{"one", "two"},
		"temperature": 0.2,
	})
	assert.Equal(t, single, batch,
		"a batch item and a single call with the same knobs share a cache key")
}

func TestParamsFingerprintDropsNulls(t *testing.T) {
	a := ParamsFingerprint(map[string]any{
		"temperature": 0.2,
		"top_p":       nil,
	})
	b := ParamsFingerprint(map[string]any{
		"temperature": 0.2,
	})
	assert.Equal(t, a, b)
}

func TestParamsFingerprintKeyOrderIndependent(t *testing.T) {
	// Maps iterate randomly; canonical marshaling must still be stable.
	body := map[string]any{
		"temperature":    0.7,
		"max_new_tokens": float64(32),
		"stop":           []any{"a", "b"},
		"nested":         map[string]any{"z": float64(1), "a": float64(2), "n": nil},
	}
	first := ParamsFingerprint(body)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, ParamsFingerprint(body))
	}
}

func TestParamsFingerprintDistinguishesValues(t *testing.T) {
	a := ParamsFingerprint(map[string]any{"temperature": 0.2})
	b := ParamsFingerprint(map[string]any{"temperature": 0.3})
	assert.NotEqual(t, a, b)
}

func TestKeyLayout(t *testing.T) {
	key := Key(KindCache, "tiny", "abc", "def")
	assert.Equal(t, "llm:cache:tiny:abc:def", key)

	key = Key(KindExtract, "tiny", "abc", "def")
	assert.True(t, strings.HasPrefix(key, "llm:extract:"))
}
