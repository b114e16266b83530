package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnrichmentKind selects how a config produces cell values
type EnrichmentKind string

const (
	EnrichmentKindAI      EnrichmentKind = "ai"
	EnrichmentKindFormula EnrichmentKind = "formula"
)

// OutputField is a named datapoint extracted from structured model output
// and written to its own column.
type OutputField struct {
	Name        string `json:"name" toml:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" toml:"description" yaml:"description"`
	ColumnID    string `json:"column_id" toml:"column_id" yaml:"column_id"`
}

// EnrichmentConfig is the immutable template a job runs with
type EnrichmentConfig struct {
	ID              string         `json:"id" toml:"id" yaml:"id" validate:"required"`
	Name            string         `json:"name" toml:"name" yaml:"name"`
	Kind            EnrichmentKind `json:"kind" toml:"kind" yaml:"kind" validate:"omitempty,oneof=ai formula"`
	Model           string         `json:"model" toml:"model" yaml:"model"`
	Prompt          string         `json:"prompt" toml:"prompt" yaml:"prompt" validate:"required_unless=Kind formula"`
	Formula         string         `json:"formula,omitempty" toml:"formula" yaml:"formula" validate:"required_if=Kind formula"`
	InputColumns    []string       `json:"input_columns" toml:"input_columns" yaml:"input_columns"`
	OutputFields    []OutputField  `json:"output_fields" toml:"output_fields" yaml:"output_fields" validate:"dive"`
	Temperature     float32        `json:"temperature" toml:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens int            `json:"max_output_tokens" toml:"max_output_tokens" yaml:"max_output_tokens" validate:"gte=0"`
	CostCeiling     float64        `json:"cost_ceiling" toml:"cost_ceiling" yaml:"cost_ceiling" validate:"gte=0"` // USD per row, 0 = unlimited
	CreatedAt       time.Time      `json:"created_at" toml:"-" yaml:"-"`
	UpdatedAt       time.Time      `json:"updated_at" toml:"-" yaml:"-"`
}

var configValidator = validator.New()

// Validate checks the config is runnable
func (c *EnrichmentConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid enrichment config %q: %w", c.ID, err)
	}
	seen := make(map[string]bool, len(c.OutputFields))
	for _, f := range c.OutputFields {
		key := strings.ToLower(strings.TrimSpace(f.Name))
		if seen[key] {
			return fmt.Errorf("invalid enrichment config %q: duplicate output field %q", c.ID, f.Name)
		}
		seen[key] = true
	}
	return nil
}

// IsFormula reports whether rows are computed by the formula evaluator
func (c *EnrichmentConfig) IsFormula() bool {
	return c.Kind == EnrichmentKindFormula
}

// OutputFieldNames returns the configured output field names in order
func (c *EnrichmentConfig) OutputFieldNames() []string {
	names := make([]string, 0, len(c.OutputFields))
	for _, f := range c.OutputFields {
		names = append(names, f.Name)
	}
	return names
}

// OutputColumnIDs returns the column IDs written by output fields, skipping unbound fields
func (c *EnrichmentConfig) OutputColumnIDs() []string {
	ids := make([]string, 0, len(c.OutputFields))
	for _, f := range c.OutputFields {
		if f.ColumnID != "" {
			ids = append(ids, f.ColumnID)
		}
	}
	return ids
}
