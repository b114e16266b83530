package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/app"
	"github.com/ternarybob/enrich/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths // Multiple -config flags supported
	runOnce      = flag.Bool("once", false, "Run every engine once and exit (for external triggers)")
	logLevel     = flag.String("log-level", "", "Log level (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		printVersion()
		os.Exit(0)
	}

	// Startup sequence:
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides
	// 3. Initialize logger
	// 4. Print banner
	if len(configFiles) == 0 {
		if _, err := os.Stat("enrich.toml"); err == nil {
			configFiles = append(configFiles, "enrich.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *logLevel != "" {
		config.Logging.Level = *logLevel
	}

	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runOnce {
		err := application.RunOnce(ctx)
		if closeErr := application.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Shutdown incomplete")
		}
		if err != nil {
			logger.Error().Err(err).Msg("Invocation failed")
			os.Exit(1)
		}
		return
	}

	if !config.Scheduler.Enabled {
		logger.Warn().Msg("Scheduler disabled and -once not set, nothing to do")
		_ = application.Close()
		return
	}
	if err := application.StartScheduler(); err != nil {
		logger.Error().Err(err).Msg("Failed to start scheduler")
		_ = application.Close()
		os.Exit(1)
	}

	logger.Info().Str("schedule", config.Scheduler.Schedule).Msg("Engines scheduled - Press Ctrl+C to stop")
	<-ctx.Done()

	logger.Info().Msg("Interrupt signal received, shutting down")
	if err := application.Close(); err != nil {
		logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
