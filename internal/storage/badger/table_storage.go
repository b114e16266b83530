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

// TableStorage implements the TableStorage interface for Badger
type TableStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTableStorage creates a new TableStorage instance
func NewTableStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TableStorage {
	return &TableStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TableStorage) SaveTable(ctx context.Context, table *models.Table) error {
	if table.ID == "" {
		return fmt.Errorf("table ID is required")
	}
	now := time.Now()
	if table.CreatedAt.IsZero() {
		table.CreatedAt = now
	}
	table.UpdatedAt = now
	for i := range table.Columns {
		table.Columns[i].TableID = table.ID
	}

	if err := s.db.Store().Upsert(table.ID, table); err != nil {
		return fmt.Errorf("failed to save table: %w", err)
	}
	return nil
}

func (s *TableStorage) GetTable(ctx context.Context, id string) (*models.Table, error) {
	var table models.Table
	if err := s.db.Store().Get(id, &table); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("table %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get table: %w", err)
	}
	return &table, nil
}

func (s *TableStorage) ListTables(ctx context.Context) ([]*models.Table, error) {
	var tables []models.Table
	if err := s.db.Store().Find(&tables, badgerhold.Where("ID").Ne("").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	result := make([]*models.Table, len(tables))
	for i := range tables {
		result[i] = &tables[i]
	}
	return result, nil
}
