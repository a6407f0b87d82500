// Package extract turns free-form model output into schema-valid JSON:
// prompt rendering, candidate scanning, validation and the one-shot
// repair round-trip.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/llmgw/llmgw/internal/apperr"
)

// Schema is one registered extraction target.
type Schema struct {
	ID       string
	Doc      map[string]any
	Compiled *jsonschema.Schema
	Summary  string
}

// Registry holds the compiled schemas. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Add compiles and registers a schema document under id.
func (r *Registry) Add(id string, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("schema %q: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "schema://" + id + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("schema %q: %w", id, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("schema %q: %w", id, err)
	}

	docMap, _ := doc.(map[string]any)
	sch := &Schema{
		ID:       id,
		Doc:      docMap,
		Compiled: compiled,
		Summary:  summarize(docMap),
	}

	r.mu.Lock()
	r.schemas[id] = sch
	r.mu.Unlock()
	return nil
}

// LoadDir registers every *.json file in dir, keyed by base name. A
// missing directory is not an error; an invalid schema is.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if err := r.Add(id, raw); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves a schema id.
func (r *Registry) Get(id string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sch, ok := r.schemas[id]
	if !ok {
		return nil, apperr.SchemaMissing(id)
	}
	return sch, nil
}

// IDs lists the registered schema ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// summarize renders the compact schema description embedded in prompts:
// required fields, per-field types/enums/patterns/descriptions, and the
// closed-object constraint when present.
func summarize(doc map[string]any) string {
	if doc == nil {
		return "(object)"
	}
	var sb strings.Builder

	if req, ok := doc["required"].([]any); ok && len(req) > 0 {
		names := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
		sb.WriteString("Required fields: " + strings.Join(names, ", ") + "\n")
	}

	if props, ok := doc["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("Fields:\n")
		for _, name := range names {
			sb.WriteString("  - " + name + describeField(props[name]) + "\n")
		}
	}

	if ap, ok := doc["additionalProperties"].(bool); ok && !ap {
		sb.WriteString("No properties other than those listed are allowed.\n")
	}

	out := strings.TrimRight(sb.String(), "\n")
	if out == "" {
		return "(object)"
	}
	return out
}

func describeField(raw any) string {
	field, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	parts := []string{}
	if t := fieldType(field["type"]); t != "" {
		parts = append(parts, t)
	}
	if enum, ok := field["enum"].([]any); ok && len(enum) > 0 {
		vals := make([]string, 0, len(enum))
		for _, v := range enum {
			b, _ := json.Marshal(v)
			vals = append(vals, string(b))
		}
		parts = append(parts, "one of "+strings.Join(vals, ", "))
	}
	if pattern, ok := field["pattern"].(string); ok && pattern != "" {
		parts = append(parts, "pattern "+pattern)
	}
	if desc, ok := field["description"].(string); ok && desc != "" {
		parts = append(parts, desc)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, "; ") + ")"
}

func fieldType(raw any) string {
	switch t := raw.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "|")
	}
	return ""
}
