package extract

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgw/llmgw/internal/apperr"
)

const personSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "description": "full name"},
		"age": {"type": "integer"},
		"kind": {"enum": ["a", "b"]}
	},
	"additionalProperties": false
}`

func testSchema(t *testing.T) *Schema {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Add("person", []byte(personSchema)))
	sch, err := reg.Get("person")
	require.NoError(t, err)
	return sch
}

func TestValidateDelimitedOutput(t *testing.T) {
	sch := testSchema(t)
	raw := "Sure, here you go: " + DelimOpen + ` {"name": "Ada"} ` + DelimClose
	obj, stage, err := Validate(sch, raw)
	require.NoError(t, err)
	assert.Empty(t, stage)
	assert.Equal(t, "Ada", obj["name"])
}

func TestValidateDelimitedWithCodeFence(t *testing.T) {
	sch := testSchema(t)
	raw := DelimOpen + "\n```json\n{\"name\": \"Ada\"}\n```\n" + DelimClose
	obj, _, err := Validate(sch, raw)
	require.NoError(t, err)
	assert.Equal(t, "Ada", obj["name"])
}

func TestValidateFirstMatchingWins(t *testing.T) {
	sch := testSchema(t)
	// First object is invalid (missing name), second validates.
	raw := `preamble {"age": 3} middle {"name": "Ada", "age": 36} end`
	obj, _, err := Validate(sch, raw)
	require.NoError(t, err)
	assert.Equal(t, "Ada", obj["name"])
}

func TestValidateNoObjectsIsInvalidJSON(t *testing.T) {
	sch := testSchema(t)
	_, stage, err := Validate(sch, "no json here at all [1, 2, 3]")
	require.Error(t, err)
	assert.Equal(t, StageParse, stage)
	assert.Equal(t, "invalid_json", apperr.From(err).Code)
}

func TestValidateEmptyIsInvalidJSON(t *testing.T) {
	sch := testSchema(t)
	_, stage, err := Validate(sch, "   \n ")
	require.Error(t, err)
	assert.Equal(t, StageParse, stage)
}

func TestValidateObjectsButNoneValidate(t *testing.T) {
	sch := testSchema(t)
	_, stage, err := Validate(sch, `{"age": 3} {"bogus": true}`)
	require.Error(t, err)
	assert.Equal(t, StageValidate, stage)

	ae := apperr.From(err)
	assert.Equal(t, "schema_validation_failed", ae.Code,
		"locatable objects that fail the schema must never report invalid_json")
	assert.NotEmpty(t, ae.Extra["errors"])
	assert.NotEmpty(t, ae.Extra["raw_preview"])
}

func TestValidateBadDelimitedFallsThroughToScan(t *testing.T) {
	sch := testSchema(t)
	// Delimited slice is garbage, but a valid object follows.
	raw := DelimOpen + " not json " + DelimClose + ` {"name": "Ada"}`
	obj, _, err := Validate(sch, raw)
	require.NoError(t, err)
	assert.Equal(t, "Ada", obj["name"])
}

func TestScanAdvancesPastNestedObjects(t *testing.T) {
	objs := scanObjects(`{"a": {"b": 1}} trailing {"c": 2}`)
	require.Len(t, objs, 2)
	assert.Contains(t, objs[0], "a")
	assert.Contains(t, objs[1], "c")
}

func TestScanIgnoresArrays(t *testing.T) {
	objs := scanObjects(`[{"a": 1}]`)
	// The array root is skipped; the inner object is still found.
	require.Len(t, objs, 1)
	assert.Contains(t, objs[0], "a")
}

func TestParseStrict(t *testing.T) {
	_, err := ParseStrict(`{"a": 1}`)
	assert.NoError(t, err)

	_, err = ParseStrict(`{"a": 1} extra`)
	assert.Error(t, err, "trailing content")

	_, err = ParseStrict("```json\n{\"a\": 1}\n```")
	assert.Error(t, err, "code fences rejected")

	_, err = ParseStrict(`[1, 2]`)
	assert.Error(t, err, "non-object root rejected")

	_, err = ParseStrict(`{"a": NaN}`)
	assert.Error(t, err, "non-finite numbers rejected")
}

func TestPreviewKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("é", 150) // 2 bytes each, boundary falls mid-rune
	p := preview(long)
	assert.True(t, utf8.ValidString(p))
	assert.LessOrEqual(t, len(p), 200+len("…"))

	assert.Equal(t, "short", preview("  short  "))
}

func TestSummaryMentionsConstraints(t *testing.T) {
	sch := testSchema(t)
	assert.Contains(t, sch.Summary, "Required fields: name")
	assert.Contains(t, sch.Summary, "full name")
	assert.Contains(t, sch.Summary, "one of")
	assert.Contains(t, sch.Summary, "No properties other than those listed")
}

func TestPromptCarriesDelimitersAndText(t *testing.T) {
	sch := testSchema(t)
	p := BuildPrompt(sch, "Ada Lovelace, born 1815")
	assert.Contains(t, p, DelimOpen)
	assert.Contains(t, p, DelimClose)
	assert.Contains(t, p, "Ada Lovelace")
	assert.Contains(t, p, sch.Summary)
}

func TestRepairPromptCarriesErrorHint(t *testing.T) {
	sch := testSchema(t)
	_, _, verr := Validate(sch, `{"age": 3}`)
	require.Error(t, verr)

	p := BuildRepairPrompt(sch, "input text", `{"age": 3}`, verr)
	assert.Contains(t, p, `{"age": 3}`)
	assert.Contains(t, p, "schema_validation_failed")
	assert.Contains(t, p, "input text")
}

func TestRegistryMissingSchema(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, "jsonschema_missing", apperr.From(err).Code)
}

func TestCachedOutputRevalidates(t *testing.T) {
	sch := testSchema(t)
	obj, _, err := Validate(sch, DelimOpen+`{"name": "Ada", "age": 36}`+DelimClose)
	require.NoError(t, err)

	// The canonical serialization written to cache must revalidate.
	reparsed, perr := ParseStrict(`{"age":36,"name":"Ada"}`)
	require.NoError(t, perr)
	assert.NoError(t, sch.Compiled.Validate(any(reparsed)))
	assert.Equal(t, obj["name"], reparsed["name"])
}
