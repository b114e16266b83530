package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadEnrichmentConfigsFromFiles loads enrichment configs from TOML and YAML
// files in the specified directory. Invalid files are logged and skipped.
func LoadEnrichmentConfigsFromFiles(ctx context.Context, configStorage interfaces.ConfigStorage, configsDir string, logger arbor.ILogger) error {
	if configsDir == "" {
		return nil
	}
	if _, err := os.Stat(configsDir); os.IsNotExist(err) {
		logger.Debug().Str("dir", configsDir).Msg("Enrichment configs directory does not exist, skipping")
		return nil
	}

	logger.Info().Str("dir", configsDir).Msg("Loading enrichment configs from files")

	entries, err := os.ReadDir(configsDir)
	if err != nil {
		return fmt.Errorf("failed to read enrichment configs directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		content, err := os.ReadFile(filepath.Join(configsDir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read enrichment config file")
			continue
		}

		config, err := parseEnrichmentConfig(ext, content)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse enrichment config")
			continue
		}
		if config.ID == "" {
			config.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if config.Kind == "" {
			config.Kind = models.EnrichmentKindAI
		}

		if existing, err := configStorage.GetConfig(ctx, config.ID); err == nil {
			config.CreatedAt = existing.CreatedAt
		}
		if err := configStorage.SaveConfig(ctx, config); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("config_id", config.ID).Msg("Failed to save enrichment config")
			continue
		}

		logger.Info().Str("file", entry.Name()).Str("config_id", config.ID).Str("name", config.Name).Msg("Enrichment config loaded from file")
		loadedCount++
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Enrichment configs loaded from files")
	} else {
		logger.Debug().Msg("No enrichment configs loaded from files")
	}

	return nil
}

func parseEnrichmentConfig(ext string, content []byte) (*models.EnrichmentConfig, error) {
	var config models.EnrichmentConfig
	switch ext {
	case ".toml":
		if err := toml.Unmarshal(content, &config); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &config); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	}
	return &config, nil
}
