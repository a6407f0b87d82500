package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Cache kinds, one namespace per route family.
const (
	KindCache   = "cache"   // plain generation
	KindExtract = "extract" // structured extraction
)

// hexPrefix32 is the first 32 hex chars (128 bits) of SHA-256.
func hexPrefix32(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32]
}

// PromptHash fingerprints a generation prompt.
func PromptHash(prompt string) string {
	return hexPrefix32([]byte(prompt))
}

// ExtractPromptHash fingerprints an extraction input. The schema id is
// folded in so the same text against two schemas never collides.
func ExtractPromptHash(schemaID, text string) string {
	return hexPrefix32([]byte(schemaID + "\n" + text))
}

// identityFields are request fields that identify the call rather than
// shape the output; they are excluded from the params fingerprint.
var identityFields = map[string]bool{
	"prompt":  true,
	"prompts": true,
	"text":    true,
	"model":   true,
	"cache":   true,
	"repair":  true,
}

// ParamsFingerprint hashes the canonical JSON of the request params: the
// raw body with identity fields removed, null values dropped at every
// level, and keys sorted.
func ParamsFingerprint(body map[string]any) string {
	params := make(map[string]any, len(body))
	for k, v := range body {
		if identityFields[k] || v == nil {
			continue
		}
		params[k] = dropNulls(v)
	}
	canonical := marshalCanonical(params)
	return hexPrefix32(canonical)
}

func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = dropNulls(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = dropNulls(val)
		}
		return out
	default:
		return v
	}
}

// marshalCanonical produces deterministic JSON: object keys emitted in
// sorted order at every depth.
func marshalCanonical(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, marshalCanonical(t[k])...)
		}
		return append(out, '}')
	case []any:
		out := []byte{'['}
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, marshalCanonical(item)...)
		}
		return append(out, ']')
	default:
		b, _ := json.Marshal(v)
		return b
	}
}

// Key builds the KV-tier key for a fingerprinted request.
func Key(kind, modelID, promptHash, paramsFP string) string {
	return "llm:" + kind + ":" + modelID + ":" + promptHash + ":" + paramsFP
}
