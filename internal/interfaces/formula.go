package interfaces

import (
	"context"

	"github.com/ternarybob/enrich/internal/models"
)

// FormulaContext is the row a formula is evaluated against
type FormulaContext struct {
	Row     *models.Row
	Columns []models.Column
}

// FormulaEvaluator computes a scalar from a formula and a row
type FormulaEvaluator interface {
	Evaluate(ctx context.Context, formula string, fc FormulaContext) (interface{}, error)
}
