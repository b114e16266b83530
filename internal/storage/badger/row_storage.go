package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RowStorage implements the RowStorage interface for Badger. It has no
// multi-statement transport, so the row batcher uses per-row writes with it.
type RowStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRowStorage creates a new RowStorage instance
func NewRowStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RowStorage {
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
	if row.Cells == nil {
		row.Cells = models.CellMap{}
	}

	if err := s.db.Store().Upsert(row.ID, row); err != nil {
		return fmt.Errorf("failed to save row: %w", err)
	}
	return nil
}

func (s *RowStorage) GetRow(ctx context.Context, id string) (*models.Row, error) {
	var row models.Row
	if err := s.db.Store().Get(id, &row); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("row %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	return &row, nil
}

// GetRows resolves ids in order, skipping deleted rows and rows of other tables
func (s *RowStorage) GetRows(ctx context.Context, tableID string, rowIDs []string) ([]*models.Row, error) {
	rows := make([]*models.Row, 0, len(rowIDs))
	for _, id := range rowIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := s.GetRow(ctx, id)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if tableID != "" && row.TableID != tableID {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *RowStorage) ListRows(ctx context.Context, tableID string) ([]*models.Row, error) {
	var rows []models.Row
	if err := s.db.Store().Find(&rows, badgerhold.Where("TableID").Eq(tableID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	result := make([]*models.Row, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

// UpdateRowCells replaces the row's cell map. A missing row is ignored.
func (s *RowStorage) UpdateRowCells(ctx context.Context, rowID string, cells models.CellMap) error {
	row, err := s.GetRow(ctx, rowID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Debug().Str("row_id", rowID).Msg("Skipping cell update for deleted row")
			return nil
		}
		return err
	}

	row.Cells = cells
	row.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(row.ID, row); err != nil {
		return fmt.Errorf("failed to update row %s: %w", rowID, err)
	}
	return nil
}

func (s *RowStorage) DeleteRow(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Row{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete row: %w", err)
	}
	return nil
}
