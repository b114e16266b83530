package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
	Engine      EngineConfig     `toml:"engine"`
	Batch       BatchConfig      `toml:"batch"`
	Configs     ConfigsDirConfig `toml:"configs"`
	Gemini      GeminiConfig     `toml:"gemini"`
	Claude      ClaudeConfig     `toml:"claude"`
	Azure       AzureConfig      `toml:"azure"`
	LLM         LLMConfig        `toml:"llm"`
	Pricing     PricingConfig    `toml:"pricing"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Rows   RowsConfig   `toml:"rows"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// RowsConfig selects where row documents live
type RowsConfig struct {
	Backend  string         `toml:"backend"` // "badger" (local) or "postgres" (remote)
	Postgres PostgresConfig `toml:"postgres"`
}

// PostgresConfig configures the remote row store pool
type PostgresConfig struct {
	DSN              string `toml:"dsn"`
	MaxConns         int32  `toml:"max_conns"`
	MinConns         int32  `toml:"min_conns"`
	MaxConnLifetime  string `toml:"max_conn_lifetime"`
	MaxConnIdleTime  string `toml:"max_conn_idle_time"`
	DialTimeout      string `toml:"dial_timeout"`
	StatementTimeout string `toml:"statement_timeout"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// SchedulerConfig controls how often the engines are invoked
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule with seconds field
}

// EngineConfig tunes the synchronous job engine
type EngineConfig struct {
	BatchSize               int    `toml:"batch_size"`                 // Row ids attempted per batch
	ConcurrentRequests      int    `toml:"concurrent_requests"`        // Parallel AI calls within a batch
	AITimeout               string `toml:"ai_timeout"`                 // Per-call timeout
	ChunkDelay              string `toml:"chunk_delay"`                // Pause between concurrency chunks
	StaleAfter              string `toml:"stale_after"`                // No progress for this long finalizes a started job
	InvocationBudget        string `toml:"invocation_budget"`          // Wall-clock budget for one invocation
	MaxBatchesPerInvocation int    `toml:"max_batches_per_invocation"` // Batches a single job may advance per invocation
	BatchChunkSize          int    `toml:"batch_chunk_size"`           // Statements per native batch group
	BatchParallelism        int    `toml:"batch_parallelism"`          // Native batch groups in flight
	FallbackChunkSize       int    `toml:"fallback_chunk_size"`        // Parallel single-row writes per chunk
}

// BatchConfig tunes the provider-side batch engine
type BatchConfig struct {
	Provider     string `toml:"provider"`      // "azure" or "gemini"
	PollInterval string `toml:"poll_interval"` // Minimum gap between status polls of one job
	StaleAfter   string `toml:"stale_after"`   // Uploading longer than this is treated as an interrupted submission
	MaxRows      int    `toml:"max_rows"`      // Rows accepted per batch job
}

// ConfigsDirConfig points at enrichment config definition files
type ConfigsDirConfig struct {
	Dir string `toml:"dir"` // Directory containing *.toml / *.yaml enrichment configs
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"` // Minimum gap between requests, e.g. "200ms"
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"`
	Temperature float32 `toml:"temperature"`
}

// AzureConfig contains Azure OpenAI batch configuration
type AzureConfig struct {
	Endpoint   string `toml:"endpoint"` // https://<resource>.openai.azure.com
	APIKey     string `toml:"api_key"`
	APIVersion string `toml:"api_version"`
	Deployment string `toml:"deployment"` // Global-batch deployment name used as the model
	Timeout    string `toml:"timeout"`
	RateLimit  string `toml:"rate_limit"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"`
}

// ModelPrice is the per-million-token price of a model in USD
type ModelPrice struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// PricingConfig overrides or extends the built-in pricing table
type PricingConfig struct {
	Default ModelPrice            `toml:"default"`
	Models  map[string]ModelPrice `toml:"models"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Rows: RowsConfig{
				Backend: "badger",
				Postgres: PostgresConfig{
					MaxConns:         10,
					MinConns:         1,
					MaxConnLifetime:  "30m",
					MaxConnIdleTime:  "5m",
					DialTimeout:      "10s",
					StatementTimeout: "30s",
				},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Schedule: "*/30 * * * * *", // Every 30 seconds
		},
		Engine: EngineConfig{
			BatchSize:               20,
			ConcurrentRequests:      5,
			AITimeout:               "30s",
			ChunkDelay:              "200ms",
			StaleAfter:              "10m",
			InvocationBudget:        "50s",
			MaxBatchesPerInvocation: 1,
			BatchChunkSize:          50,
			BatchParallelism:        4,
			FallbackChunkSize:       10,
		},
		Batch: BatchConfig{
			Provider:     "azure",
			PollInterval: "1m",
			StaleAfter:   "15m",
			MaxRows:      50000,
		},
		Configs: ConfigsDirConfig{
			Dir: "./enrichments",
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Timeout:     "60s",
			RateLimit:   "100ms",
			Temperature: 0.2,
		},
		Claude: ClaudeConfig{
			Model:       "claude-haiku-4-5",
			MaxTokens:   2048,
			Timeout:     "60s",
			RateLimit:   "100ms",
			Temperature: 0.2,
		},
		Azure: AzureConfig{
			APIVersion: "2024-10-21",
			Timeout:    "2m",
			RateLimit:  "500ms",
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
		},
		Pricing: PricingConfig{
			Default: ModelPrice{InputPerMillion: 1.00, OutputPerMillion: 4.00},
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files; CLI flags are applied by the caller.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ENRICH_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Storage configuration
	if badgerPath := os.Getenv("ENRICH_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if backend := os.Getenv("ENRICH_ROWS_BACKEND"); backend != "" {
		config.Storage.Rows.Backend = backend
	}
	if dsn := os.Getenv("ENRICH_POSTGRES_DSN"); dsn != "" {
		config.Storage.Rows.Postgres.DSN = dsn
	} else if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Storage.Rows.Postgres.DSN = dsn
	}

	// Logging configuration
	if level := os.Getenv("ENRICH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("ENRICH_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("ENRICH_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("ENRICH_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
	}

	// Engine configuration
	if batchSize := os.Getenv("ENRICH_BATCH_SIZE"); batchSize != "" {
		if bs, err := strconv.Atoi(batchSize); err == nil {
			config.Engine.BatchSize = bs
		}
	}
	if concurrent := os.Getenv("ENRICH_CONCURRENT_REQUESTS"); concurrent != "" {
		if c, err := strconv.Atoi(concurrent); err == nil {
			config.Engine.ConcurrentRequests = c
		}
	}
	if timeout := os.Getenv("ENRICH_AI_TIMEOUT"); timeout != "" {
		config.Engine.AITimeout = timeout
	}
	if stale := os.Getenv("ENRICH_STALE_AFTER"); stale != "" {
		config.Engine.StaleAfter = stale
	}
	if budget := os.Getenv("ENRICH_INVOCATION_BUDGET"); budget != "" {
		config.Engine.InvocationBudget = budget
	}

	// Batch configuration
	if provider := os.Getenv("ENRICH_BATCH_PROVIDER"); provider != "" {
		config.Batch.Provider = provider
	}
	if poll := os.Getenv("ENRICH_BATCH_POLL_INTERVAL"); poll != "" {
		config.Batch.PollInterval = poll
	}

	if dir := os.Getenv("ENRICH_CONFIGS_DIR"); dir != "" {
		config.Configs.Dir = dir
	}

	// Gemini configuration
	if apiKey := os.Getenv("ENRICH_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("ENRICH_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("ENRICH_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // ENRICH_ prefix takes priority
	}
	if model := os.Getenv("ENRICH_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}

	// Azure configuration
	if endpoint := os.Getenv("ENRICH_AZURE_ENDPOINT"); endpoint != "" {
		config.Azure.Endpoint = endpoint
	}
	if apiKey := os.Getenv("AZURE_OPENAI_API_KEY"); apiKey != "" {
		config.Azure.APIKey = apiKey
	}
	if apiKey := os.Getenv("ENRICH_AZURE_API_KEY"); apiKey != "" {
		config.Azure.APIKey = apiKey
	}
	if deployment := os.Getenv("ENRICH_AZURE_DEPLOYMENT"); deployment != "" {
		config.Azure.Deployment = deployment
	}

	if provider := os.Getenv("ENRICH_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
}

// Validate checks values that would otherwise fail deep inside the engines
func (c *Config) Validate() error {
	if c.Scheduler.Enabled {
		if err := ValidateSchedule(c.Scheduler.Schedule); err != nil {
			return err
		}
	}
	switch c.Storage.Rows.Backend {
	case "", "badger":
	case "postgres":
		if c.Storage.Rows.Postgres.DSN == "" {
			return fmt.Errorf("storage.rows.postgres.dsn is required when backend is postgres")
		}
	default:
		return fmt.Errorf("unsupported row storage backend: %s (expected 'badger' or 'postgres')", c.Storage.Rows.Backend)
	}
	switch c.Batch.Provider {
	case "", "azure", "gemini":
	default:
		return fmt.Errorf("unsupported batch provider: %s (expected 'azure' or 'gemini')", c.Batch.Provider)
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive, got %d", c.Engine.BatchSize)
	}
	if c.Engine.ConcurrentRequests <= 0 {
		return fmt.Errorf("engine.concurrent_requests must be positive, got %d", c.Engine.ConcurrentRequests)
	}
	return nil
}

// ValidateSchedule checks a cron expression in the six-field (seconds) format
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ParseDuration parses a duration string, falling back when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
