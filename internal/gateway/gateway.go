// Package gateway is the inference coordinator: it owns the per-request
// pipeline from gating through model resolution, caching, backend calls,
// extraction validation, auditing and token metering.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/llmgw/llmgw/internal/apperr"
	"github.com/llmgw/llmgw/internal/audit"
	"github.com/llmgw/llmgw/internal/auth"
	"github.com/llmgw/llmgw/internal/cache"
	"github.com/llmgw/llmgw/internal/capability"
	"github.com/llmgw/llmgw/internal/config"
	"github.com/llmgw/llmgw/internal/extract"
	"github.com/llmgw/llmgw/internal/metrics"
	"github.com/llmgw/llmgw/internal/policy"
	"github.com/llmgw/llmgw/internal/registry"
	"github.com/llmgw/llmgw/internal/store"
)

// Gateway wires the pipeline components together.
type Gateway struct {
	settings  *config.Settings
	modelsCfg *config.ModelsConfig
	holder    *registry.Holder
	resolver  *capability.Resolver
	cache     *cache.Cache
	sink      *audit.Sink
	schemas   *extract.Registry
	gate      *auth.Gate
	policies  *policy.Store
	logger    *zap.Logger
}

func New(
	settings *config.Settings,
	modelsCfg *config.ModelsConfig,
	holder *registry.Holder,
	resolver *capability.Resolver,
	c *cache.Cache,
	sink *audit.Sink,
	schemas *extract.Registry,
	gate *auth.Gate,
	policies *policy.Store,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		settings:  settings,
		modelsCfg: modelsCfg,
		holder:    holder,
		resolver:  resolver,
		cache:     c,
		sink:      sink,
		schemas:   schemas,
		gate:      gate,
		policies:  policies,
		logger:    logger,
	}
}

// Registry exposes the current model registry, nil in off mode before the
// admin load.
func (g *Gateway) Registry() *registry.Manager { return g.holder.Manager() }

// Resolver exposes the capability resolver for the models listing.
func (g *Gateway) Resolver() *capability.Resolver { return g.resolver }

// Schemas exposes the extraction schema registry.
func (g *Gateway) Schemas() *extract.Registry { return g.schemas }

// Policies exposes the policy store for the admin surface.
func (g *Gateway) Policies() *policy.Store { return g.policies }

// Cache exposes the completion cache for readiness checks.
func (g *Gateway) Cache() *cache.Cache { return g.cache }

// ─── Generate ────────────────────────────────────────────────────────────────

// GenerateRequest is a parsed /v1/generate body. RawBody is the decoded
// original body, used for params fingerprinting and the audit trail.
type GenerateRequest struct {
	Prompt  string
	Model   string
	Cache   bool
	Params  registry.Params
	RawBody map[string]any
}

// GenerateResult is the success payload.
type GenerateResult struct {
	Model  string `json:"model"`
	Output string `json:"output"`
	Cached bool   `json:"cached"`
}

// Generate runs the full pipeline for one prompt.
func (g *Gateway) Generate(ctx context.Context, key *store.APIKey, req GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	rc := RequestCtxFrom(ctx)

	res, err := g.generate(ctx, key, req, rc)

	output := ""
	if res != nil {
		output = res.Output
	}
	g.appendAudit(ctx, key, rc, req.RawBody, req.Prompt, output, time.Since(start))
	return res, err
}

func (g *Gateway) generate(ctx context.Context, key *store.APIKey, req GenerateRequest, rc *RequestCtx) (*GenerateResult, error) {
	if err := g.gate.GateBilled(ctx, key); err != nil {
		return nil, err
	}

	reg := g.holder.Manager()
	if reg == nil {
		return nil, apperr.LLMNotLoaded()
	}

	modelID, err := g.resolver.SelectModel(reg, req.Model, registry.CapGenerate)
	if err != nil {
		return nil, err
	}
	rc.ModelID = modelID

	if err := g.resolver.Require(reg, modelID, registry.CapGenerate); err != nil {
		return nil, err
	}

	fp := cache.Fingerprint{
		Kind:       cache.KindCache,
		ModelID:    modelID,
		PromptHash: cache.PromptHash(req.Prompt),
		ParamsFP:   cache.ParamsFingerprint(req.RawBody),
	}

	if req.Cache {
		if out, hit, _ := g.cache.Get(ctx, fp); hit {
			rc.Cached = true
			g.meterTokens(modelID, req.Prompt, out)
			return &GenerateResult{Model: modelID, Output: out, Cached: true}, nil
		}
	}

	if err := reg.EnsureModel(ctx, modelID); err != nil {
		return nil, apperr.From(err)
	}
	backend, err := reg.Get(modelID)
	if err != nil {
		return nil, err
	}

	call := func() (string, error) {
		return backend.Generate(ctx, req.Prompt, req.Params)
	}
	var out string
	if req.Cache {
		out, err = g.cache.Do(fp, call)
	} else {
		out, err = call()
	}
	if err != nil {
		return nil, apperr.From(err)
	}

	if req.Cache {
		g.cache.Put(ctx, fp, req.Prompt, out)
	}
	g.meterTokens(modelID, req.Prompt, out)
	return &GenerateResult{Model: modelID, Output: out, Cached: false}, nil
}

// GenerateBatch serves each prompt in order. One audit row is written per
// item, all sharing the request id; the billed gate is consumed once per
// HTTP request.
func (g *Gateway) GenerateBatch(ctx context.Context, key *store.APIKey, prompts []string, shared GenerateRequest) ([]*GenerateResult, error) {
	if err := g.gate.GateBilled(ctx, key); err != nil {
		rc := RequestCtxFrom(ctx)
		g.appendAudit(ctx, key, rc, shared.RawBody, "", "", 0)
		return nil, err
	}

	rc := RequestCtxFrom(ctx)
	out := make([]*GenerateResult, 0, len(prompts))
	allCached := len(prompts) > 0
	for _, prompt := range prompts {
		start := time.Now()
		item := shared
		item.Prompt = prompt

		res, err := g.generateUngated(ctx, item, rc)
		output := ""
		if res != nil {
			output = res.Output
		}
		g.appendAudit(ctx, key, rc, shared.RawBody, prompt, output, time.Since(start))
		if err != nil {
			return nil, err
		}
		allCached = allCached && res.Cached
		out = append(out, res)
	}
	rc.Cached = allCached
	return out, nil
}

// generateUngated is the batch item path: same pipeline as generate minus
// the billed gate.
func (g *Gateway) generateUngated(ctx context.Context, req GenerateRequest, rc *RequestCtx) (*GenerateResult, error) {
	reg := g.holder.Manager()
	if reg == nil {
		return nil, apperr.LLMNotLoaded()
	}
	modelID, err := g.resolver.SelectModel(reg, req.Model, registry.CapGenerate)
	if err != nil {
		return nil, err
	}
	rc.ModelID = modelID
	if err := g.resolver.Require(reg, modelID, registry.CapGenerate); err != nil {
		return nil, err
	}

	fp := cache.Fingerprint{
		Kind:       cache.KindCache,
		ModelID:    modelID,
		PromptHash: cache.PromptHash(req.Prompt),
		ParamsFP:   cache.ParamsFingerprint(req.RawBody),
	}
	if req.Cache {
		if out, hit, _ := g.cache.Get(ctx, fp); hit {
			g.meterTokens(modelID, req.Prompt, out)
			return &GenerateResult{Model: modelID, Output: out, Cached: true}, nil
		}
	}

	if err := reg.EnsureModel(ctx, modelID); err != nil {
		return nil, apperr.From(err)
	}
	backend, err := reg.Get(modelID)
	if err != nil {
		return nil, err
	}
	out, err := backend.Generate(ctx, req.Prompt, req.Params)
	if err != nil {
		return nil, apperr.From(err)
	}
	if req.Cache {
		g.cache.Put(ctx, fp, req.Prompt, out)
	}
	g.meterTokens(modelID, req.Prompt, out)
	return &GenerateResult{Model: modelID, Output: out, Cached: false}, nil
}

// ─── Extract ─────────────────────────────────────────────────────────────────

// ExtractRequest is a parsed /v1/extract body.
type ExtractRequest struct {
	SchemaID string
	Text     string
	Model    string
	Cache    bool
	Repair   bool
	Params   registry.Params
	RawBody  map[string]any
}

// ExtractResult is the success payload.
type ExtractResult struct {
	SchemaID        string         `json:"schema_id"`
	Model           string         `json:"model"`
	Data            map[string]any `json:"data"`
	Cached          bool           `json:"cached"`
	RepairAttempted bool           `json:"repair_attempted"`
}

// Extract runs the extraction pipeline: generate, validate-first-matching,
// at most one repair round-trip.
func (g *Gateway) Extract(ctx context.Context, key *store.APIKey, req ExtractRequest) (*ExtractResult, error) {
	start := time.Now()
	rc := RequestCtxFrom(ctx)

	res, err := g.extract(ctx, key, req, rc)

	output := ""
	if res != nil {
		if canon, merr := json.Marshal(res.Data); merr == nil {
			output = string(canon)
		}
	}
	g.appendAudit(ctx, key, rc, req.RawBody, req.Text, output, time.Since(start))
	return res, err
}

func (g *Gateway) extract(ctx context.Context, key *store.APIKey, req ExtractRequest, rc *RequestCtx) (*ExtractResult, error) {
	if err := g.gate.GateBilled(ctx, key); err != nil {
		return nil, err
	}

	reg := g.holder.Manager()
	if reg == nil {
		return nil, apperr.LLMNotLoaded()
	}

	modelID, err := g.resolver.SelectModel(reg, req.Model, registry.CapExtract)
	if err != nil {
		return nil, err
	}
	rc.ModelID = modelID

	if err := g.resolver.Require(reg, modelID, registry.CapExtract); err != nil {
		return nil, err
	}

	sch, err := g.schemas.Get(req.SchemaID)
	if err != nil {
		return nil, err
	}

	metrics.ExtractionRequestsTotal.WithLabelValues(req.SchemaID, modelID).Inc()

	fp := cache.Fingerprint{
		Kind:       cache.KindExtract,
		ModelID:    modelID,
		PromptHash: cache.ExtractPromptHash(req.SchemaID, req.Text),
		ParamsFP:   cache.ParamsFingerprint(req.RawBody),
	}

	if req.Cache {
		if raw, hit, layer := g.cache.Get(ctx, fp); hit {
			// Re-validate: the cached artifact may predate a schema change.
			if obj, perr := extract.ParseStrict(raw); perr == nil {
				if verr := sch.Compiled.Validate(any(obj)); verr == nil {
					rc.Cached = true
					metrics.ExtractionCacheHitsTotal.WithLabelValues(req.SchemaID, modelID, layer).Inc()
					g.meterTokens(modelID, req.Text, raw)
					return &ExtractResult{
						SchemaID: req.SchemaID,
						Model:    modelID,
						Data:     obj,
						Cached:   true,
					}, nil
				}
			}
			// Stale cache entry: treat as a miss.
		}
	}

	if err := reg.EnsureModel(ctx, modelID); err != nil {
		return nil, apperr.From(err)
	}
	backend, err := reg.Get(modelID)
	if err != nil {
		return nil, err
	}

	prompt := extract.BuildPrompt(sch, req.Text)
	raw, err := backend.Generate(ctx, prompt, req.Params)
	if err != nil {
		return nil, apperr.From(err)
	}

	obj, stage, verr := extract.Validate(sch, raw)
	repairAttempted := false
	if verr != nil {
		metrics.ExtractionValidationFailuresTotal.WithLabelValues(req.SchemaID, modelID, stage).Inc()

		if !req.Repair {
			return nil, verr
		}

		// One repair round-trip, temperature forced to 0, never recursive.
		repairAttempted = true
		metrics.ExtractionRepairTotal.WithLabelValues(req.SchemaID, modelID, "attempted").Inc()

		repairParams := req.Params
		repairParams.Temperature = 0
		repairPrompt := extract.BuildRepairPrompt(sch, req.Text, raw, verr)
		repaired, rerr := backend.Generate(ctx, repairPrompt, repairParams)
		if rerr != nil {
			metrics.ExtractionRepairTotal.WithLabelValues(req.SchemaID, modelID, "failure").Inc()
			return nil, apperr.From(rerr)
		}

		obj, stage, verr = extract.Validate(sch, repaired)
		if verr != nil {
			metrics.ExtractionValidationFailuresTotal.WithLabelValues(req.SchemaID, modelID, "repair_"+stage).Inc()
			metrics.ExtractionRepairTotal.WithLabelValues(req.SchemaID, modelID, "failure").Inc()
			return nil, verr
		}
		metrics.ExtractionRepairTotal.WithLabelValues(req.SchemaID, modelID, "success").Inc()
	}

	canon, merr := json.Marshal(obj)
	if merr != nil {
		return nil, apperr.Internal(merr)
	}
	if req.Cache {
		g.cache.Put(ctx, fp, req.Text, string(canon))
	}
	g.meterTokens(modelID, req.Text, string(canon))

	return &ExtractResult{
		SchemaID:        req.SchemaID,
		Model:           modelID,
		Data:            obj,
		Cached:          false,
		RepairAttempted: repairAttempted,
	}, nil
}

// ─── Admin ───────────────────────────────────────────────────────────────────

// LoadModel force-loads the model into the process. In off mode this
// builds the registry for the first time; the transition is serialized so
// only one build+load runs at once. A nonempty override (when allowed)
// becomes the default model of the fresh registry.
func (g *Gateway) LoadModel(ctx context.Context, override string) error {
	if override != "" && !g.settings.ModelAllowed(override) {
		return apperr.ModelNotAllowed(override)
	}
	return g.holder.Swap(func(current *registry.Manager) (*registry.Manager, error) {
		if current != nil {
			target := current.DefaultID()
			if override != "" {
				target = override
			}
			if err := current.EnsureModel(ctx, target); err != nil {
				return nil, apperr.From(err)
			}
			return current, nil
		}

		cfg := *g.modelsCfg
		if override != "" {
			cfg.Primary = override
		}
		next, err := registry.NewManager(&cfg, g.settings, g.logger)
		if err != nil {
			return nil, err
		}
		if err := next.EnsureLoaded(ctx); err != nil {
			return nil, apperr.From(err)
		}
		return next, nil
	})
}

// ─── Shared helpers ──────────────────────────────────────────────────────────

func (g *Gateway) appendAudit(ctx context.Context, key *store.APIKey, rc *RequestCtx, rawBody map[string]any, prompt, output string, latency time.Duration) {
	keyValue := ""
	if key != nil {
		keyValue = key.Key
	}
	rec := audit.Record{
		APIKey:     keyValue,
		RequestID:  rc.RequestID,
		Route:      rc.Route,
		ClientHost: rc.ClientHost,
		ModelID:    rc.ModelID,
		Params:     auditParams(rawBody),
		Prompt:     prompt,
		Output:     output,
		Latency:    latency,
	}
	if g.settings.TokenCounting {
		pt, ct := int64(approxTokens(prompt)), int64(approxTokens(output))
		rec.PromptTokens, rec.CompletionTokens = &pt, &ct
	}
	g.sink.Append(ctx, rec)
}

// auditParams strips identity fields so the trail records only the knobs
// that shaped the output.
func auditParams(rawBody map[string]any) map[string]any {
	if rawBody == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(rawBody))
	for k, v := range rawBody {
		switch k {
		case "prompt", "prompts", "text", "model", "cache", "repair":
			continue
		}
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func (g *Gateway) meterTokens(modelID, prompt, output string) {
	if !g.settings.TokenCounting {
		return
	}
	metrics.TokensTotal.WithLabelValues("prompt", modelID).Add(float64(approxTokens(prompt)))
	metrics.TokensTotal.WithLabelValues("completion", modelID).Add(float64(approxTokens(output)))
}

// approxTokens is the best-effort len/4 estimate.
func approxTokens(s string) int {
	return len(s) / 4
}
