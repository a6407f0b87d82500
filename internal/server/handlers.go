package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/auth"
	"github.com/llmgw/llmgw/internal/gateway"
	"github.com/llmgw/llmgw/internal/registry"
)

// ─── Health ──────────────────────────────────────────────────────────────────

// handleHealthz is pure liveness: no DB, KV or model access.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := true
	checks := map[string]any{}

	if err := s.store.Ping(r.Context()); err != nil {
		ready = false
		checks["db"] = false
	} else {
		checks["db"] = true
	}

	c := s.gateway.Cache()
	if c.KVEnabled() {
		if err := c.PingKV(r.Context()); err != nil {
			ready = false
			checks["kv"] = false
		} else {
			checks["kv"] = true
		}
	}

	// Readiness never loads a model; it only reports.
	loaded := false
	if reg := s.gateway.Registry(); reg != nil {
		loaded = reg.IsLoaded(reg.DefaultID())
	}
	checks["model_loaded"] = loaded
	if s.settings.RequireModelReady && !loaded {
		ready = false
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status}
	for k, v := range checks {
		body[k] = v
	}
	s.writeJSON(w, code, body)
}

func (s *Server) handleModelz(w http.ResponseWriter, r *http.Request) {
	reg := s.gateway.Registry()
	if reg == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"loaded": false})
		return
	}
	loaded := reg.IsLoaded(reg.DefaultID())
	code := http.StatusOK
	if !loaded {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"loaded":   loaded,
		"model_id": reg.DefaultID(),
	})
}

// ─── Models ──────────────────────────────────────────────────────────────────

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resolver := s.gateway.Resolver()
	reg := s.gateway.Registry()

	models := []map[string]any{}
	if reg != nil {
		for _, st := range reg.Status() {
			models = append(models, map[string]any{
				"model_id":  st.ModelID,
				"backend":   st.Backend,
				"load_mode": st.LoadMode,
				"loaded":    st.Loaded,
				"default":   st.Default,
				"capabilities": map[string]bool{
					registry.CapGenerate: resolver.Effective(reg, st.ModelID, registry.CapGenerate),
					registry.CapExtract:  resolver.Effective(reg, st.ModelID, registry.CapExtract),
				},
			})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models":     models,
		"deployment": resolver.Deployment(),
	})
}

// ─── Inference ───────────────────────────────────────────────────────────────

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prompt, ok := body["prompt"].(string)
	if !ok || prompt == "" {
		s.writeError(w, r, apperr.ValidationError([]string{"prompt"}))
		return
	}

	req := gateway.GenerateRequest{
		Prompt:  prompt,
		Model:   stringField(body, "model"),
		Cache:   boolField(body, "cache", true),
		Params:  parseParams(body, 0, 0),
		RawBody: body,
	}
	res, err := s.gateway.Generate(r.Context(), auth.KeyFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rawPrompts, ok := body["prompts"].([]any)
	if !ok || len(rawPrompts) == 0 {
		s.writeError(w, r, apperr.ValidationError([]string{"prompts"}))
		return
	}
	prompts := make([]string, 0, len(rawPrompts))
	for _, p := range rawPrompts {
		str, ok := p.(string)
		if !ok {
			s.writeError(w, r, apperr.ValidationError([]string{"prompts"}))
			return
		}
		prompts = append(prompts, str)
	}

	shared := gateway.GenerateRequest{
		Model:   stringField(body, "model"),
		Cache:   boolField(body, "cache", true),
		Params:  parseParams(body, 0, 0),
		RawBody: body,
	}
	results, err := s.gateway.GenerateBatch(r.Context(), auth.KeyFrom(r.Context()), prompts, shared)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	missing := []string{}
	schemaID, _ := body["schema_id"].(string)
	if schemaID == "" {
		missing = append(missing, "schema_id")
	}
	text, _ := body["text"].(string)
	if text == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		s.writeError(w, r, apperr.ValidationError(missing))
		return
	}

	req := gateway.ExtractRequest{
		SchemaID: schemaID,
		Text:     text,
		Model:    stringField(body, "model"),
		Cache:    boolField(body, "cache", true),
		Repair:   boolField(body, "repair", true),
		Params:   parseParams(body, 512, 0.0),
		RawBody:  body,
	}
	res, err := s.gateway.Extract(r.Context(), auth.KeyFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// ─── Schemas and usage ───────────────────────────────────────────────────────

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	reg := s.gateway.Schemas()
	out := []map[string]any{}
	for _, id := range reg.IDs() {
		sch, err := reg.Get(id)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{"id": id, "summary": sch.Summary})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schemas": out})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sch, err := s.gateway.Schemas().Get(id)
	if err != nil {
		s.writeError(w, r, apperr.NotFound())
		return
	}
	s.writeJSON(w, http.StatusOK, sch.Doc)
}

func (s *Server) handleMyUsage(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	usage, err := s.store.UsageForKey(r.Context(), key.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

// ─── Body helpers ────────────────────────────────────────────────────────────

func decodeBody(r *http.Request) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, apperr.ValidationError([]string{"body"})
	}
	return body, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolField(m map[string]any, key string, def bool) bool {
	v, ok := m[key].(bool)
	if !ok {
		return def
	}
	return v
}

func numberField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// parseParams reads the generation knobs with route defaults.
func parseParams(body map[string]any, defMaxTokens int, defTemperature float64) registry.Params {
	p := registry.Params{
		MaxNewTokens: int(numberField(body, "max_new_tokens", float64(defMaxTokens))),
		Temperature:  numberField(body, "temperature", defTemperature),
		TopP:         numberField(body, "top_p", 0),
		TopK:         int(numberField(body, "top_k", 0)),
	}
	if raw, ok := body["stop"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				p.Stop = append(p.Stop, s)
			}
		}
	}
	return p
}
