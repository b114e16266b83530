package enrichment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/enrich/internal/models"
)

var placeholderRegex = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Standard fields every batch row must return alongside the configured outputs
var batchStandardFields = []models.OutputField{
	{Name: "reasoning", Description: "brief explanation of how the answer was reached"},
	{Name: "confidence", Description: "one of: high, medium, low"},
	{Name: "steps_taken", Description: "short list of the steps taken, as an array of strings"},
}

// ColumnsByName indexes columns by lower-cased, trimmed name
func ColumnsByName(columns []models.Column) map[string]models.Column {
	index := make(map[string]models.Column, len(columns))
	for _, c := range columns {
		key := normalizeName(c.Name)
		if _, exists := index[key]; !exists {
			index[key] = c
		}
	}
	return index
}

// BuildPrompt substitutes {{Column Name}} placeholders with the row's cell
// values. Names match case-insensitively; a known column with no cell becomes
// an empty string and an unknown name is left as written. When outputFields
// is non-empty a JSON response instruction is appended.
func BuildPrompt(template string, cells models.CellMap, columnsByName map[string]models.Column, outputFields []string) string {
	prompt := substitute(template, cells, columnsByName)
	if len(outputFields) == 0 {
		return prompt
	}

	fields := make([]models.OutputField, 0, len(outputFields))
	for _, name := range outputFields {
		fields = append(fields, models.OutputField{Name: name})
	}
	return prompt + outputInstruction(fields)
}

// BuildBatchPrompt is the batch-submission variant. The instruction always
// requests reasoning, confidence and steps_taken after the configured fields.
func BuildBatchPrompt(template string, cells models.CellMap, columnsByName map[string]models.Column, outputFields []models.OutputField) string {
	prompt := substitute(template, cells, columnsByName)

	fields := make([]models.OutputField, 0, len(outputFields)+len(batchStandardFields))
	fields = append(fields, outputFields...)
	if len(outputFields) == 0 {
		fields = append(fields, models.OutputField{Name: "result", Description: "the answer"})
	}
	fields = append(fields, batchStandardFields...)
	return prompt + outputInstruction(fields)
}

func substitute(template string, cells models.CellMap, columnsByName map[string]models.Column) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		column, ok := columnsByName[normalizeName(name)]
		if !ok {
			return match
		}
		cell, ok := cells[column.ID]
		if !ok {
			return ""
		}
		return Stringify(cell.Value)
	})
}

// outputInstruction renders the response format block. Field order follows
// the configured order so identical configs produce identical prompt suffixes.
func outputInstruction(fields []models.OutputField) string {
	var b strings.Builder
	b.WriteString("\n\nRespond with a single JSON object containing exactly these keys:\n")
	for _, f := range fields {
		if f.Description != "" {
			fmt.Fprintf(&b, "- %q: %s\n", f.Name, f.Description)
		} else {
			fmt.Fprintf(&b, "- %q\n", f.Name)
		}
	}
	b.WriteString("Use null for any value you cannot determine. Return only the JSON object, with no additional text.")
	return b.String()
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
