package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/storage/badger"
	"github.com/ternarybob/enrich/internal/storage/postgres"
)

// Manager composes the local Badger store with an optional remote row store
type Manager struct {
	*badger.Manager
	rows     interfaces.RowStorage
	postgres *postgres.DB
}

// NewStorageManager creates a new storage manager based on config
func NewStorageManager(ctx context.Context, logger arbor.ILogger, config *common.Config) (*Manager, error) {
	local, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	manager := &Manager{Manager: local, rows: local.RowStorage()}

	switch config.Storage.Rows.Backend {
	case "", "badger":
	case "postgres":
		db, err := postgres.Open(ctx, logger, &config.Storage.Rows.Postgres)
		if err != nil {
			_ = local.Close()
			return nil, err
		}
		manager.postgres = db
		manager.rows = postgres.NewRowStorage(db, logger)
	default:
		_ = local.Close()
		return nil, fmt.Errorf("unsupported row storage backend: %s", config.Storage.Rows.Backend)
	}

	logger.Debug().Str("rows_backend", config.Storage.Rows.Backend).Msg("Storage manager initialized")
	return manager, nil
}

// RowStorage returns the configured row store
func (m *Manager) RowStorage() interfaces.RowStorage {
	return m.rows
}

// Close closes both stores
func (m *Manager) Close() error {
	var errs []error
	if m.postgres != nil {
		errs = append(errs, m.postgres.Close())
	}
	errs = append(errs, m.Manager.Close())
	return errors.Join(errs...)
}

var _ interfaces.StorageManager = (*Manager)(nil)
