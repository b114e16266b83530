package models

import (
	"strings"
	"time"
)

// ColumnType describes how a column is populated
type ColumnType string

const (
	ColumnTypeText       ColumnType = "text"
	ColumnTypeNumber     ColumnType = "number"
	ColumnTypeEnrichment ColumnType = "enrichment"
	ColumnTypeFormula    ColumnType = "formula"
)

// Column is a single spreadsheet column
type Column struct {
	ID      string     `json:"id"`
	TableID string     `json:"table_id"`
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
}

// Table is a spreadsheet with an ordered set of columns
type Table struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Columns   []Column  `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Column returns the column with the given ID
func (t *Table) Column(id string) (Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByName finds a column by name, ignoring case and surrounding whitespace
func (t *Table) ColumnByName(name string) (Column, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, c := range t.Columns {
		if strings.ToLower(strings.TrimSpace(c.Name)) == key {
			return c, true
		}
	}
	return Column{}, false
}

// Row owns exactly one cell value per column. Writes replace the whole
// cell map, so the last full overwrite wins.
type Row struct {
	ID        string    `json:"id"`
	TableID   string    `json:"table_id"`
	Cells     CellMap   `json:"cells"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
