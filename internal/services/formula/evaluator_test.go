package formula

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

func testContext() interfaces.FormulaContext {
	return interfaces.FormulaContext{
		Row: &models.Row{
			ID: "r1",
			Cells: models.CellMap{
				"c_company": {Value: "acme"},
				"c_revenue": {Value: 1200.0},
				"c_staff":   {Value: "1,500"},
			},
		},
		Columns: []models.Column{
			{ID: "c_company", Name: "Company"},
			{ID: "c_revenue", Name: "Revenue"},
			{ID: "c_staff", Name: "Employee Count"},
			{ID: "c_empty", Name: "Notes"},
		},
	}
}

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(arbor.NewLogger())

	tests := []struct {
		name    string
		formula string
		want    interface{}
	}{
		{"field reference", "{{.Company}}", "acme"},
		{"function", "{{upper .Company}} Inc", "ACME Inc"},
		{"col by name", `{{col "employee count"}}`, "1,500"},
		{"numeric result", `{{div .Revenue (col "Employee Count")}}`, 0.8},
		{"rounding", `{{round 2 (div 1 3)}}`, 0.33},
		{"default", `{{.Notes | default "n/a"}}`, "n/a"},
		{"join skips empty", `{{join ", " .Company .Notes "x"}}`, "acme, x"},
		{"empty result", "{{.Notes}}", nil},
		{"missing column", "{{.Unknown}}", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(context.Background(), tt.formula, testContext())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := NewEvaluator(arbor.NewLogger())

	for _, formula := range []string{
		"",
		"{{.Company",
		"{{div .Revenue 0}}",
		"{{add .Company 1}}",
		`{{exec "rm"}}`,
	} {
		_, err := e.Evaluate(context.Background(), formula, testContext())
		assert.Error(t, err, formula)
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(arbor.NewLogger()).Evaluate(ctx, "{{.Company}}", testContext())
	assert.ErrorIs(t, err, context.Canceled)
}
