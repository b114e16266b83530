package enrichment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantDisplay string
		wantData    map[string]interface{}
	}{
		{
			name:        "multi key object",
			raw:         `{"a":1,"b":2}`,
			wantDisplay: "2 datapoints",
			wantData:    map[string]interface{}{"a": float64(1), "b": float64(2)},
		},
		{
			name:        "single key object",
			raw:         `{"a":1}`,
			wantDisplay: "1",
			wantData:    map[string]interface{}{"a": float64(1)},
		},
		{
			name:        "plain text",
			raw:         "hello",
			wantDisplay: "hello",
			wantData:    map[string]interface{}{"result": "hello"},
		},
		{
			name:        "fenced json block",
			raw:         "Here you go:\n```json\n{\"website\": \"acme.com\"}\n```\nThanks",
			wantDisplay: "acme.com",
			wantData:    map[string]interface{}{"website": "acme.com"},
		},
		{
			name:        "bare fence",
			raw:         "```\n{\"x\": \"y\", \"z\": null}\n```",
			wantDisplay: "2 datapoints",
			wantData:    map[string]interface{}{"x": "y", "z": nil},
		},
		{
			name:        "embedded object with braces in strings",
			raw:         `The answer is {"note": "use {curly} braces", "n": 2.5} as requested.`,
			wantDisplay: "2 datapoints",
			wantData:    map[string]interface{}{"note": "use {curly} braces", "n": 2.5},
		},
		{
			name:        "escaped quote inside string",
			raw:         `prefix {"q": "say \"hi\" }"} suffix`,
			wantDisplay: `say "hi" }`,
			wantData:    map[string]interface{}{"q": `say "hi" }`},
		},
		{
			name:        "array normalized to joined string",
			raw:         `{"tags": ["a", 1, true]}`,
			wantDisplay: "a, 1, true",
			wantData:    map[string]interface{}{"tags": "a, 1, true"},
		},
		{
			name:        "nested object stringified",
			raw:         `{"addr": {"city": "Perth"}, "ok": true}`,
			wantDisplay: "2 datapoints",
			wantData:    map[string]interface{}{"addr": `{"city":"Perth"}`, "ok": "true"},
		},
		{
			name:        "top level array rejected",
			raw:         `[1,2,3]`,
			wantDisplay: "[1,2,3]",
			wantData:    map[string]interface{}{"result": "[1,2,3]"},
		},
		{
			name:        "unbalanced braces fall back",
			raw:         `{"a": 1`,
			wantDisplay: `{"a": 1`,
			wantData:    map[string]interface{}{"result": `{"a": 1`},
		},
		{
			name:        "surrounding whitespace trimmed",
			raw:         "  \n hello world \n",
			wantDisplay: "hello world",
			wantData:    map[string]interface{}{"result": "hello world"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResponse(tt.raw)
			assert.Equal(t, tt.wantDisplay, got.DisplayValue)
			assert.Equal(t, tt.wantData, got.StructuredData)
		})
	}
}

func TestParseResponse_Total(t *testing.T) {
	inputs := []string{
		"",
		"{",
		"}",
		"{{{{",
		"```",
		"```json\n[1,2]\n```",
		`{"a": "\`,
		strings.Repeat("{", 500),
		"\x00\xff\xfe",
		`{"a":1}{"b":2}`,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			got := ParseResponse(in)
			assert.NotNil(t, got.StructuredData)
		})
	}
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1", Stringify(float64(1)))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "Ann", Stringify("Ann"))
	assert.Equal(t, "7", Stringify(7))
}
