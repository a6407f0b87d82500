// Package apperr defines the domain error vocabulary of the gateway.
//
// Every failure that crosses a component boundary is an *Error carrying a
// stable machine-readable code and the HTTP status it renders as. Unknown
// errors collapse to internal_error at the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the canonical application error. It renders on the wire as
// {code, message, extra?, request_id?}.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	HTTP    int            `json:"-"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithExtra returns a copy of the error with an extra field attached.
func (e *Error) WithExtra(key string, value any) *Error {
	out := *e
	out.Extra = make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		out.Extra[k] = v
	}
	out.Extra[key] = value
	return &out
}

// New builds an error with an explicit code, message and HTTP status.
func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTP: status}
}

// From normalizes any error into an *Error. Already-typed errors pass
// through unchanged; everything else becomes internal_error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Auth / identity.

func MissingAPIKey() *Error {
	return New("missing_api_key", "X-API-Key header is required", http.StatusUnauthorized)
}

func InvalidAPIKey() *Error {
	return New("invalid_api_key", "API key is unknown or inactive", http.StatusUnauthorized)
}

func Forbidden(message string) *Error {
	return New("forbidden", message, http.StatusForbidden)
}

// Quota / rate.

func RateLimited(retryAfter int) *Error {
	return New("rate_limited", "rate limit exceeded", http.StatusTooManyRequests).
		WithExtra("retry_after", retryAfter)
}

func QuotaExhausted() *Error {
	return New("quota_exhausted", "monthly quota exhausted", http.StatusPaymentRequired)
}

// Routing / capability.

func ModelNotAllowed(model string) *Error {
	return New("model_not_allowed", fmt.Sprintf("model %q is not in the allowed list", model), http.StatusBadRequest)
}

func ModelMissing(model string) *Error {
	return New("model_missing", fmt.Sprintf("model %q is not registered", model), http.StatusInternalServerError)
}

func CapabilityNotSupported(model, capability string) *Error {
	return New("capability_not_supported",
		fmt.Sprintf("model %q does not support %s", model, capability), http.StatusBadRequest)
}

func CapabilityDisabled(capability string) *Error {
	return New("capability_disabled",
		fmt.Sprintf("%s is disabled for this deployment", capability), http.StatusNotImplemented)
}

// Availability.

func LLMUnavailable(reason string) *Error {
	return New("llm_unavailable", reason, http.StatusServiceUnavailable)
}

func LLMNotLoaded() *Error {
	return New("llm_not_loaded", "no model is loaded; use the admin load endpoint", http.StatusServiceUnavailable)
}

// Upstream (remote backend).

func UpstreamTimeout(model string) *Error {
	return New("upstream_timeout", fmt.Sprintf("backend for %q timed out", model), http.StatusGatewayTimeout)
}

func UpstreamUnreachable(model string) *Error {
	return New("upstream_unreachable", fmt.Sprintf("backend for %q is unreachable", model), http.StatusBadGateway)
}

func UpstreamError(model string, status int) *Error {
	return New("upstream_error",
		fmt.Sprintf("backend for %q returned status %d", model, status), http.StatusBadGateway)
}

func UpstreamBadResponse(model string) *Error {
	return New("upstream_bad_response",
		fmt.Sprintf("backend for %q returned an unparseable body", model), http.StatusBadGateway)
}

func UpstreamRequestFailed(model string, err error) *Error {
	return New("upstream_request_failed",
		fmt.Sprintf("request to backend for %q failed: %v", model, err), http.StatusBadGateway)
}

// Extraction.

func InvalidJSON(preview string) *Error {
	return New("invalid_json", "model output contains no JSON object", http.StatusUnprocessableEntity).
		WithExtra("raw_preview", preview)
}

func SchemaValidationFailed(errs []string, preview string) *Error {
	return New("schema_validation_failed", "no candidate object validates against the schema",
		http.StatusUnprocessableEntity).
		WithExtra("errors", errs).
		WithExtra("raw_preview", preview)
}

func SchemaMissing(id string) *Error {
	return New("jsonschema_missing", fmt.Sprintf("schema %q is not registered", id), http.StatusInternalServerError)
}

// Configuration.

func ModelsYAMLMissing(path string) *Error {
	return New("models_yaml_missing", fmt.Sprintf("models file %q not found", path), http.StatusInternalServerError)
}

func ModelsYAMLInvalid(err error) *Error {
	return New("models_yaml_invalid", fmt.Sprintf("models file is not valid YAML: %v", err), http.StatusInternalServerError)
}

func ModelConfigInvalid(reason string) *Error {
	return New("model_config_invalid", reason, http.StatusInternalServerError)
}

func HFCacheUnwritable(path string, err error) *Error {
	return New("hf_cache_unwritable",
		fmt.Sprintf("weights cache %q is not writable: %v", path, err), http.StatusInternalServerError)
}

// Not-found / validation.

func NotFound() *Error {
	return New("not_found", "resource not found", http.StatusNotFound)
}

func ValidationError(fields []string) *Error {
	return New("validation_error", "request body failed validation", http.StatusUnprocessableEntity).
		WithExtra("fields", fields)
}

// Fallback.

func Internal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return New("internal_error", msg, http.StatusInternalServerError)
}
