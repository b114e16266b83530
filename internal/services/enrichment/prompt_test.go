package enrichment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/enrich/internal/models"
)

func testColumns() map[string]models.Column {
	return ColumnsByName([]models.Column{
		{ID: "col_name", Name: "Name"},
		{ID: "col_company", Name: " Company Name "},
		{ID: "col_size", Name: "Size"},
	})
}

func TestBuildPrompt_Substitution(t *testing.T) {
	columns := testColumns()

	tests := []struct {
		name     string
		template string
		cells    models.CellMap
		want     string
	}{
		{
			name:     "simple substitution",
			template: "Hi {{Name}}",
			cells:    models.CellMap{"col_name": {Value: "Ann"}},
			want:     "Hi Ann",
		},
		{
			name:     "absent cell becomes empty",
			template: "Hi {{Name}}",
			cells:    models.CellMap{},
			want:     "Hi ",
		},
		{
			name:     "case insensitive and trimmed",
			template: "Research {{  company name }} ({{SIZE}} staff)",
			cells: models.CellMap{
				"col_company": {Value: "Acme"},
				"col_size":    {Value: float64(120)},
			},
			want: "Research Acme (120 staff)",
		},
		{
			name:     "unknown placeholder passes through",
			template: "Hi {{Nickname}}",
			cells:    models.CellMap{"col_name": {Value: "Ann"}},
			want:     "Hi {{Nickname}}",
		},
		{
			name:     "nil value becomes empty",
			template: "[{{Name}}]",
			cells:    models.CellMap{"col_name": {Value: nil, Status: models.CellStatusError}},
			want:     "[]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildPrompt(tt.template, tt.cells, columns, nil))
		})
	}
}

func TestBuildPrompt_OutputInstructionOrder(t *testing.T) {
	prompt := BuildPrompt("Describe {{Name}}", models.CellMap{"col_name": {Value: "Ann"}}, testColumns(), []string{"zeta", "alpha", "mid"})

	require.True(t, strings.HasPrefix(prompt, "Describe Ann"))
	zeta := strings.Index(prompt, `"zeta"`)
	alpha := strings.Index(prompt, `"alpha"`)
	mid := strings.Index(prompt, `"mid"`)
	assert.True(t, zeta > 0 && zeta < alpha && alpha < mid, "fields must keep configured order")
	assert.NotContains(t, prompt, "reasoning")

	// Deterministic for identical inputs
	again := BuildPrompt("Describe {{Name}}", models.CellMap{"col_name": {Value: "Ann"}}, testColumns(), []string{"zeta", "alpha", "mid"})
	assert.Equal(t, prompt, again)
}

func TestBuildBatchPrompt_StandardFields(t *testing.T) {
	prompt := BuildBatchPrompt("Find {{Name}}", models.CellMap{"col_name": {Value: "Ann"}}, testColumns(), []models.OutputField{
		{Name: "email", Description: "work email"},
	})

	assert.Contains(t, prompt, `"email": work email`)
	email := strings.Index(prompt, `"email"`)
	reasoning := strings.Index(prompt, `"reasoning"`)
	confidence := strings.Index(prompt, `"confidence"`)
	steps := strings.Index(prompt, `"steps_taken"`)
	assert.True(t, email < reasoning && reasoning < confidence && confidence < steps)
}

func TestMatchOutputFields(t *testing.T) {
	data := map[string]interface{}{"Website": "acme.com", "EMPLOYEES": float64(40)}
	fields := []models.OutputField{
		{Name: "website", ColumnID: "col_web"},
		{Name: "employees", ColumnID: "col_emp"},
		{Name: "founded", ColumnID: "col_founded"},
		{Name: "unbound"},
	}

	got := MatchOutputFields(data, fields)
	assert.Equal(t, map[string]interface{}{
		"col_web":     "acme.com",
		"col_emp":     float64(40),
		"col_founded": nil,
	}, got)
}

func TestApplySuccessAndError(t *testing.T) {
	config := &models.EnrichmentConfig{
		ID: "cfg",
		OutputFields: []models.OutputField{
			{Name: "website", ColumnID: "col_web"},
			{Name: "founded", ColumnID: "col_founded"},
		},
	}

	cells := models.CellMap{"col_other": {Value: "keep"}}
	parsed := ApplySuccess(cells, config, "col_target", "job_1", RowResult{
		Text:         `{"website": "acme.com", "employees": 12}`,
		InputTokens:  100,
		OutputTokens: 20,
		Cost:         0.01,
	})

	assert.Equal(t, "2 datapoints", parsed.DisplayValue)
	assert.Equal(t, models.CellStatusComplete, cells["col_target"].Status)
	assert.Equal(t, "acme.com", cells["col_web"].Value)
	assert.Nil(t, cells["col_founded"].Value)
	assert.Equal(t, models.CellStatusComplete, cells["col_founded"].Status)
	assert.Equal(t, 100, cells["col_target"].Metadata.InputTokens)
	assert.Equal(t, "keep", cells["col_other"].Value)

	ApplyError(cells, config, "col_target", "job_1", "timeout")
	for _, col := range []string{"col_target", "col_web", "col_founded"} {
		assert.Equal(t, models.CellStatusError, cells[col].Status)
		assert.Nil(t, cells[col].Value)
		assert.Equal(t, "timeout", cells[col].Error)
	}
	assert.Equal(t, "keep", cells["col_other"].Value)
}
