package extract

import (
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/llmgw/llmgw/internal/apperr"
)

// Failure stages, used as metric labels.
const (
	StageParse          = "parse"
	StageValidate       = "validate"
	StageRepairParse    = "repair_parse"
	StageRepairValidate = "repair_validate"
)

// Validate applies the validate-first-matching algorithm to raw model
// output: delimited slice first, then every decodable object in order,
// returning the first one the schema accepts. stage names what failed
// when err is non-nil.
func Validate(sch *Schema, raw string) (obj map[string]any, stage string, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, StageParse, apperr.InvalidJSON(preview(raw))
	}

	// Fast path: the model obeyed the delimiters.
	if inner, ok := delimited(s); ok {
		if candidate, perr := ParseStrict(inner); perr == nil {
			if verr := sch.Compiled.Validate(toValidatable(candidate)); verr == nil {
				return candidate, "", nil
			}
		}
		// Any failure here falls through to the scan.
	}

	candidates := scanObjects(s)
	if len(candidates) == 0 {
		return nil, StageParse, apperr.InvalidJSON(preview(s))
	}

	var lastErr error
	for _, candidate := range candidates {
		verr := sch.Compiled.Validate(toValidatable(candidate))
		if verr == nil {
			return candidate, "", nil
		}
		lastErr = verr
	}

	return nil, StageValidate, apperr.SchemaValidationFailed(errorPaths(lastErr), preview(s))
}

// toValidatable normalizes a decoded object for the validator, which
// expects interface-typed JSON values.
func toValidatable(obj map[string]any) any {
	return any(obj)
}

// errorPaths flattens a validation error tree into instance-location
// strings, deepest causes first.
func errorPaths(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}

	var out []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, v.Error())
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)
	if len(out) == 0 {
		out = []string{verr.Error()}
	}
	return out
}
