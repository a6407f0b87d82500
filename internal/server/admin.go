package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/policy"
	"github.com/llmgw/llmgw/internal/store"
)

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.UsageSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)
	keys, err := s.store.ListKeys(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView(k))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleAdminCreateKey(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := stringField(body, "key")
	if key == "" {
		key = "sk-" + uuid.NewString()
	}
	rec := &store.APIKey{
		Key:    key,
		Active: true,
		Role:   stringField(body, "role"),
		Label:  stringField(body, "label"),
	}
	if quota := numberField(body, "quota_monthly", 0); quota > 0 {
		q := int64(quota)
		rec.QuotaMonthly = &q
		reset := time.Now().UTC().AddDate(0, 1, 0)
		rec.QuotaResetAt = &reset
	}
	if err := s.store.CreateKey(r.Context(), rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, keyView(rec))
}

func (s *Server) handleAdminDisableKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.store.DisableKey(r.Context(), key); err != nil {
		s.writeError(w, r, apperr.NotFound())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"disabled": key})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	q := store.LogQuery{
		APIKey:  r.URL.Query().Get("api_key"),
		Route:   r.URL.Query().Get("route"),
		ModelID: r.URL.Query().Get("model_id"),
		Limit:   intQuery(r, "limit", 50),
		Offset:  intQuery(r, "offset", 0),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}

	logs, err := s.store.ListInferenceLogs(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, rec := range logs {
		out = append(out, map[string]any{
			"id":                rec.ID,
			"created_at":        rec.CreatedAt.Format(time.RFC3339),
			"api_key":           rec.APIKey,
			"request_id":        rec.RequestID,
			"route":             rec.Route,
			"client_host":       rec.ClientHost,
			"model_id":          rec.ModelID,
			"params":            rec.ParamsJSON,
			"latency_ms":        rec.LatencyMS,
			"prompt_tokens":     rec.PromptTokens,
			"completion_tokens": rec.CompletionTokens,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.UsageSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"usage":      usage,
		"kv_enabled": s.gateway.Cache().KVEnabled(),
	}
	if reg := s.gateway.Registry(); reg != nil {
		body["models"] = reg.Status()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAdminLoadModel(w http.ResponseWriter, r *http.Request) {
	body, _ := decodeBody(r)
	override := ""
	if body != nil {
		override = stringField(body, "model")
	}
	if err := s.gateway.LoadModel(r.Context(), override); err != nil {
		s.writeError(w, r, err)
		return
	}
	modelID := override
	if modelID == "" {
		modelID = s.gateway.Registry().DefaultID()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"loaded":   true,
		"model_id": modelID,
	})
}

func (s *Server) handleAdminPolicy(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Policies().Current()
	if snap == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	s.writeJSON(w, http.StatusOK, policyView(snap.OK, snap.EnableExtract, snap.ModelID, snapError(snap)))
}

func (s *Server) handleAdminPolicyReload(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Policies().Reload()
	if snap == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	s.writeJSON(w, http.StatusOK, policyView(snap.OK, snap.EnableExtract, snap.ModelID, snapError(snap)))
}

func snapError(snap *policy.Snapshot) string {
	if snap.Decision == nil {
		return ""
	}
	return snap.Decision.LoadError
}

func policyView(ok, enableExtract bool, modelID, loadError string) map[string]any {
	out := map[string]any{
		"configured":     true,
		"ok":             ok,
		"enable_extract": enableExtract,
	}
	if modelID != "" {
		out["model_id"] = modelID
	}
	if loadError != "" {
		out["error"] = loadError
	}
	return out
}

func keyView(k *store.APIKey) map[string]any {
	out := map[string]any{
		"key":        k.Key,
		"active":     k.Active,
		"role":       k.Role,
		"quota_used": k.QuotaUsed,
		"label":      k.Label,
		"created_at": k.CreatedAt.Format(time.RFC3339),
	}
	if k.QuotaMonthly != nil {
		out["quota_monthly"] = *k.QuotaMonthly
	}
	if k.QuotaResetAt != nil {
		out["quota_reset_at"] = k.QuotaResetAt.Format(time.RFC3339)
	}
	return out
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
