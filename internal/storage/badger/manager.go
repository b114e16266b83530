package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	table     interfaces.TableStorage
	row       interfaces.RowStorage
	config    interfaces.ConfigStorage
	job       interfaces.JobStorage
	batchJob  interfaces.BatchJobStorage
	admission interfaces.AdmissionStorage
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")
	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:        db,
		table:     NewTableStorage(db, logger),
		row:       NewRowStorage(db, logger),
		config:    NewConfigStorage(db, logger),
		job:       NewJobStorage(db, logger),
		batchJob:  NewBatchJobStorage(db, logger),
		admission: NewAdmissionStorage(db, logger),
		logger:    logger,
	}
}

// TableStorage returns the Table storage interface
func (m *Manager) TableStorage() interfaces.TableStorage {
	return m.table
}

// RowStorage returns the local Row storage interface
func (m *Manager) RowStorage() interfaces.RowStorage {
	return m.row
}

// ConfigStorage returns the enrichment config storage interface
func (m *Manager) ConfigStorage() interfaces.ConfigStorage {
	return m.config
}

// JobStorage returns the synchronous job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// BatchJobStorage returns the batch job storage interface
func (m *Manager) BatchJobStorage() interfaces.BatchJobStorage {
	return m.batchJob
}

// AdmissionStorage returns the atomic job admission interface
func (m *Manager) AdmissionStorage() interfaces.AdmissionStorage {
	return m.admission
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing Badger storage manager")
	return m.db.Close()
}
