package extract

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// delimited returns the slice between the output delimiters, with any
// surrounding code fence stripped. ok is false when either delimiter is
// absent.
func delimited(s string) (inner string, ok bool) {
	open := strings.Index(s, DelimOpen)
	if open < 0 {
		return "", false
	}
	rest := s[open+len(DelimOpen):]
	close := strings.Index(rest, DelimClose)
	if close < 0 {
		return "", false
	}
	return stripFences(strings.TrimSpace(rest[:close])), true
}

// stripFences removes one surrounding markdown code fence, with or
// without a language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := s[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the language tag line when the fence carries one.
		head := strings.TrimSpace(body[:nl])
		if head == "" || isWord(head) {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}

func isWord(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) > 0
}

// scanObjects walks s for decodable JSON objects: at every '{' it attempts
// a raw decode, collects object-rooted results, and advances past decoded
// spans (one character on failure). Arrays and scalars are ignored.
func scanObjects(s string) []map[string]any {
	var found []map[string]any
	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], '{')
		if open < 0 {
			break
		}
		i += open

		dec := json.NewDecoder(strings.NewReader(s[i:]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			i++
			continue
		}
		if obj, ok := v.(map[string]any); ok {
			found = append(found, obj)
		}
		consumed := int(dec.InputOffset())
		if consumed <= 0 {
			consumed = 1
		}
		i += consumed
	}
	return found
}

// ParseStrict is the strict JSON helper: a single top-level object, no
// code fences anywhere, no NaN/Infinity, no trailing content.
func ParseStrict(s string) (map[string]any, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, errors.New("empty input")
	}
	if strings.Contains(trimmed, "```") {
		return nil, errors.New("code fences are not allowed")
	}
	for _, token := range []string{"NaN", "Infinity", "-Infinity"} {
		if strings.Contains(trimmed, token) {
			return nil, errors.New("non-finite numbers are not allowed")
		}
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("top-level value is not an object")
	}
	if dec.More() {
		return nil, errors.New("trailing content after object")
	}
	if rest := trimmed[dec.InputOffset():]; strings.TrimSpace(rest) != "" {
		return nil, errors.New("trailing content after object")
	}
	return obj, nil
}

// preview bounds raw output for error payloads. The cut lands on a rune
// boundary so the payload stays valid UTF-8.
func preview(s string) string {
	const max = 200
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
