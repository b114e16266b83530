package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

// RowStorage stores rows in Postgres with cells as one JSONB document.
// It implements BatchRowWriter using pgx batches, so each group of patches
// is sent in a single round trip.
type RowStorage struct {
	db     *DB
	logger arbor.ILogger
}

var (
	_ interfaces.RowStorage     = (*RowStorage)(nil)
	_ interfaces.BatchRowWriter = (*RowStorage)(nil)
)

const (
	upsertRowSQL = `
INSERT INTO enrich_rows (id, table_id, cells, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (id) DO UPDATE SET table_id = EXCLUDED.table_id, cells = EXCLUDED.cells, updated_at = EXCLUDED.updated_at`
	selectRowSQL       = `SELECT id, table_id, cells, created_at, updated_at FROM enrich_rows WHERE id = $1`
	selectRowsByIDsSQL = `SELECT id, table_id, cells, created_at, updated_at FROM enrich_rows WHERE id = ANY($1) AND ($2 = '' OR table_id = $2)`
	selectTableRowsSQL = `SELECT id, table_id, cells, created_at, updated_at FROM enrich_rows WHERE table_id = $1 ORDER BY created_at`
	updateCellsSQL     = `UPDATE enrich_rows SET cells = $2::jsonb, updated_at = now() WHERE id = $1`
	deleteRowSQL       = `DELETE FROM enrich_rows WHERE id = $1`
)

// NewRowStorage creates a new RowStorage instance
func NewRowStorage(db *DB, logger arbor.ILogger) *RowStorage {
	return &RowStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RowStorage) SaveRow(ctx context.Context, row *models.Row) error {
	if row.ID == "" {
		return fmt.Errorf("row ID is required")
	}
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	cells, err := encodeCells(row.Cells)
	if err != nil {
		return err
	}
	if _, err := s.db.pool.Exec(ctx, upsertRowSQL, row.ID, row.TableID, cells, row.CreatedAt, row.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save row: %w", err)
	}
	return nil
}

func (s *RowStorage) GetRow(ctx context.Context, id string) (*models.Row, error) {
	row, err := scanRow(s.db.pool.QueryRow(ctx, selectRowSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("row %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	return row, nil
}

// GetRows returns the rows in rowIDs order, skipping ids that no longer exist
func (s *RowStorage) GetRows(ctx context.Context, tableID string, rowIDs []string) ([]*models.Row, error) {
	if len(rowIDs) == 0 {
		return []*models.Row{}, nil
	}
	rows, err := s.db.pool.Query(ctx, selectRowsByIDsSQL, rowIDs, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	found, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, rowIDs), nil
}

func (s *RowStorage) ListRows(ctx context.Context, tableID string) ([]*models.Row, error) {
	rows, err := s.db.pool.Query(ctx, selectTableRowsSQL, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	return collectRows(rows)
}

// UpdateRowCells replaces the row's cells. Zero affected rows means the row
// was deleted, which is not an error.
func (s *RowStorage) UpdateRowCells(ctx context.Context, rowID string, cells models.CellMap) error {
	encoded, err := encodeCells(cells)
	if err != nil {
		return err
	}
	tag, err := s.db.pool.Exec(ctx, updateCellsSQL, rowID, encoded)
	if err != nil {
		return fmt.Errorf("failed to update row %s: %w", rowID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug().Str("row_id", rowID).Msg("Skipping cell update for deleted row")
	}
	return nil
}

// UpdateRowCellsBatch sends every patch in one pgx batch
func (s *RowStorage) UpdateRowCellsBatch(ctx context.Context, patches []interfaces.RowPatch) error {
	if len(patches) == 0 {
		return nil
	}
	batch, err := buildUpdateBatch(patches)
	if err != nil {
		return err
	}

	br := s.db.pool.SendBatch(ctx, batch)
	var errs []error
	for _, patch := range patches {
		if _, err := br.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("row %s: %w", patch.RowID, err))
		}
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("batched cell update failed: %w", errors.Join(errs...))
	}
	return nil
}

func (s *RowStorage) DeleteRow(ctx context.Context, id string) error {
	if _, err := s.db.pool.Exec(ctx, deleteRowSQL, id); err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	return nil
}

func buildUpdateBatch(patches []interfaces.RowPatch) (*pgx.Batch, error) {
	batch := &pgx.Batch{}
	for _, patch := range patches {
		encoded, err := encodeCells(patch.Cells)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", patch.RowID, err)
		}
		batch.Queue(updateCellsSQL, patch.RowID, encoded)
	}
	return batch, nil
}

func encodeCells(cells models.CellMap) (string, error) {
	if cells == nil {
		cells = models.CellMap{}
	}
	data, err := json.Marshal(cells)
	if err != nil {
		return "", fmt.Errorf("failed to encode cells: %w", err)
	}
	return string(data), nil
}

func scanRow(row pgx.Row) (*models.Row, error) {
	var (
		r     models.Row
		cells []byte
	)
	if err := row.Scan(&r.ID, &r.TableID, &cells, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Cells = models.CellMap{}
	if len(cells) > 0 {
		if err := json.Unmarshal(cells, &r.Cells); err != nil {
			return nil, fmt.Errorf("failed to decode cells of row %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func collectRows(rows pgx.Rows) ([]*models.Row, error) {
	defer rows.Close()
	result := []*models.Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return result, nil
}

func orderByIDs(rows []*models.Row, ids []string) []*models.Row {
	byID := make(map[string]*models.Row, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	ordered := make([]*models.Row, 0, len(rows))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
			delete(byID, id)
		}
	}
	return ordered
}
