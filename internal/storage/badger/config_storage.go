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

// ConfigStorage implements the ConfigStorage interface for Badger
type ConfigStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewConfigStorage creates a new ConfigStorage instance
func NewConfigStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ConfigStorage {
	return &ConfigStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ConfigStorage) SaveConfig(ctx context.Context, config *models.EnrichmentConfig) error {
	if config.ID == "" {
		return fmt.Errorf("enrichment config ID is required")
	}
	if err := config.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	config.UpdatedAt = now

	if err := s.db.Store().Upsert(config.ID, config); err != nil {
		return fmt.Errorf("failed to save enrichment config: %w", err)
	}
	return nil
}

func (s *ConfigStorage) GetConfig(ctx context.Context, id string) (*models.EnrichmentConfig, error) {
	var config models.EnrichmentConfig
	if err := s.db.Store().Get(id, &config); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("enrichment config %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get enrichment config: %w", err)
	}
	return &config, nil
}

func (s *ConfigStorage) ListConfigs(ctx context.Context) ([]*models.EnrichmentConfig, error) {
	var configs []models.EnrichmentConfig
	if err := s.db.Store().Find(&configs, badgerhold.Where("ID").Ne("").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list enrichment configs: %w", err)
	}
	result := make([]*models.EnrichmentConfig, len(configs))
	for i := range configs {
		result[i] = &configs[i]
	}
	return result, nil
}

func (s *ConfigStorage) DeleteConfig(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.EnrichmentConfig{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete enrichment config: %w", err)
	}
	return nil
}
