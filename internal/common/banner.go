package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("Enrich", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("rows_backend", config.Storage.Rows.Backend).
		Str("batch_provider", config.Batch.Provider).
		Str("default_llm", string(config.LLM.DefaultProvider)).
		Int("batch_size", config.Engine.BatchSize).
		Int("concurrent_requests", config.Engine.ConcurrentRequests).
		Msg("Enrichment engine starting")
}
