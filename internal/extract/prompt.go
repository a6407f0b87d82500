package extract

import (
	"encoding/json"
	"strings"

	"github.com/llmgw/llmgw/internal/apperr"
)

// Output delimiters the model is told to use.
const (
	DelimOpen  = "<<<JSON>>>"
	DelimClose = "<<<END>>>"
)

// BuildPrompt renders the extraction instruction for a schema and input.
func BuildPrompt(sch *Schema, text string) string {
	var sb strings.Builder
	sb.WriteString("Extract a single JSON object from the input text.\n")
	sb.WriteString("Respond with JSON only: no markdown, no code fences, no commentary.\n")
	sb.WriteString("Wrap the object between " + DelimOpen + " and " + DelimClose + ".\n\n")
	sb.WriteString("The object must satisfy this schema:\n")
	sb.WriteString(sch.Summary)
	sb.WriteString("\n\nInput text:\n")
	sb.WriteString(text)
	return sb.String()
}

// BuildRepairPrompt renders the one-shot correction request: the schema,
// the input, the previous bad output and a machine-readable error hint.
func BuildRepairPrompt(sch *Schema, text, badOutput string, cause error) string {
	var sb strings.Builder
	sb.WriteString("Your previous answer was not valid. Produce a corrected JSON object.\n")
	sb.WriteString("Respond with JSON only: no markdown, no code fences, no commentary.\n")
	sb.WriteString("Wrap the object between " + DelimOpen + " and " + DelimClose + ".\n\n")
	sb.WriteString("The object must satisfy this schema:\n")
	sb.WriteString(sch.Summary)
	sb.WriteString("\n\nInput text:\n")
	sb.WriteString(text)
	sb.WriteString("\n\nYour previous answer:\n")
	sb.WriteString(badOutput)
	sb.WriteString("\n\nWhat was wrong:\n")
	sb.WriteString(errorHint(cause))
	return sb.String()
}

// errorHint serializes the failure as {code, message, extra} JSON so the
// model sees exactly which constraint broke.
func errorHint(cause error) string {
	ae := apperr.From(cause)
	hint, err := json.Marshal(struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Extra   map[string]any `json:"extra,omitempty"`
	}{ae.Code, ae.Message, ae.Extra})
	if err != nil {
		return ae.Error()
	}
	return string(hint)
}
