// Package formula evaluates row-level formulas for formula enrichment configs.
//
// A formula is a Go text/template executed against the row's cells. Cells are
// addressed by column name, either as a field ({{.Company}}) or through col
// for names that are not identifiers ({{col "Employee Count"}}). Only the
// functions registered in funcs are available, so formulas cannot reach I/O.
//
// Example:
//
//	Formula: {{upper .Company}} ({{col "Employee Count" | default "n/a"}})
//	Row:     Company=acme, Employee Count=<empty>
//	Result:  "ACME (n/a)"
//
// Results that parse as numbers are returned as float64, empty results as nil.
package formula

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/services/enrichment"
)

// Evaluator implements interfaces.FormulaEvaluator
type Evaluator struct {
	logger arbor.ILogger
}

var _ interfaces.FormulaEvaluator = (*Evaluator)(nil)

// NewEvaluator creates a new formula evaluator
func NewEvaluator(logger arbor.ILogger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate runs formula against the row in fc
func (e *Evaluator) Evaluate(ctx context.Context, formula string, fc interfaces.FormulaContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(formula) == "" {
		return nil, fmt.Errorf("formula is empty")
	}

	values := rowValues(fc)
	tmpl, err := template.New("formula").
		Option("missingkey=zero").
		Funcs(funcs(values)).
		Parse(formula)
	if err != nil {
		return nil, fmt.Errorf("invalid formula: %w", err)
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, values); err != nil {
		return nil, fmt.Errorf("formula evaluation failed: %w", err)
	}
	return coerce(out.String()), nil
}

// rowValues maps column names to display strings; missing cells are ""
func rowValues(fc interfaces.FormulaContext) map[string]string {
	values := make(map[string]string, len(fc.Columns))
	for _, column := range fc.Columns {
		value := ""
		if fc.Row != nil {
			if cell, ok := fc.Row.Cells[column.ID]; ok {
				value = enrichment.Stringify(cell.Value)
			}
		}
		values[column.Name] = value
	}
	return values
}

func funcs(values map[string]string) template.FuncMap {
	lookup := make(map[string]string, len(values))
	for name, value := range values {
		lookup[strings.ToLower(strings.TrimSpace(name))] = value
	}

	return template.FuncMap{
		"col": func(name string) string {
			return lookup[strings.ToLower(strings.TrimSpace(name))]
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"replace": func(from, to, s string) string {
			return strings.ReplaceAll(s, from, to)
		},
		"concat": func(parts ...string) string {
			return strings.Join(parts, "")
		},
		"join": func(sep string, parts ...string) string {
			nonEmpty := make([]string, 0, len(parts))
			for _, p := range parts {
				if p != "" {
					nonEmpty = append(nonEmpty, p)
				}
			}
			return strings.Join(nonEmpty, sep)
		},
		"default": func(fallback, value string) string {
			if strings.TrimSpace(value) == "" {
				return fallback
			}
			return value
		},
		"length": func(s string) int {
			return len([]rune(s))
		},
		"add": arith(func(a, b float64) (float64, error) { return a + b, nil }),
		"sub": arith(func(a, b float64) (float64, error) { return a - b, nil }),
		"mul": arith(func(a, b float64) (float64, error) { return a * b, nil }),
		"div": arith(func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		}),
		"round": func(places int, v interface{}) (string, error) {
			f, err := toFloat(v)
			if err != nil {
				return "", err
			}
			scale := math.Pow(10, float64(places))
			return strconv.FormatFloat(math.Round(f*scale)/scale, 'f', -1, 64), nil
		},
	}
}

// arith wraps a binary numeric operation so it accepts strings or numbers
func arith(op func(a, b float64) (float64, error)) func(a, b interface{}) (string, error) {
	return func(a, b interface{}) (string, error) {
		x, err := toFloat(a)
		if err != nil {
			return "", err
		}
		y, err := toFloat(b)
		if err != nil {
			return "", err
		}
		result, err := op(x, y)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(result, 'f', -1, 64), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func coerce(out string) interface{} {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return out
}
