package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/jobs/admission"
	"github.com/ternarybob/enrich/internal/jobs/batch"
	"github.com/ternarybob/enrich/internal/jobs/enrichment"
	"github.com/ternarybob/enrich/internal/services/formula"
	"github.com/ternarybob/enrich/internal/services/llm"
	"github.com/ternarybob/enrich/internal/services/rowbatch"
	"github.com/ternarybob/enrich/internal/services/scheduler"
	"github.com/ternarybob/enrich/internal/storage"
	"github.com/ternarybob/enrich/internal/storage/badger"
)

const (
	enrichmentJobName = "enrichment_engine"
	batchJobName      = "batch_engine"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager *storage.Manager

	// Row writes
	Batcher *rowbatch.Batcher

	// AI providers
	Providers     *llm.ProviderFactory
	Pricing       *llm.PricingTable
	BatchProvider interfaces.BatchProvider // nil when no batch provider is configured
	Formulas      *formula.Evaluator

	// Job control and engines
	Controller  *admission.Controller
	Engine      *enrichment.Engine
	BatchEngine *batch.Engine // nil when BatchProvider is nil

	SchedulerService *scheduler.Service
}

// New initializes storage, providers and engines
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Bool("native_row_batches", app.Batcher.Native()).
		Bool("batch_engine", app.BatchEngine != nil).
		Msg("Application initialized")
	return app, nil
}

func (a *App) initDatabase() error {
	manager, err := storage.NewStorageManager(a.ctx, a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = manager

	if err := badger.LoadEnrichmentConfigsFromFiles(a.ctx, manager.ConfigStorage(), a.Config.Configs.Dir, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Str("dir", a.Config.Configs.Dir).Msg("Failed to load enrichment configs")
	}
	return nil
}

func (a *App) initServices() error {
	a.Batcher = rowbatch.NewBatcher(a.StorageManager.RowStorage(), rowbatch.Options{
		ChunkSize:         a.Config.Engine.BatchChunkSize,
		Parallelism:       a.Config.Engine.BatchParallelism,
		FallbackChunkSize: a.Config.Engine.FallbackChunkSize,
	}, a.Logger)

	a.Providers = llm.NewProviderFactory(&a.Config.Gemini, &a.Config.Claude, &a.Config.LLM, a.Logger)
	a.Pricing = llm.NewPricingTable(&a.Config.Pricing)
	a.Formulas = formula.NewEvaluator(a.Logger)

	provider, err := a.newBatchProvider()
	if err != nil {
		if !errors.Is(err, interfaces.ErrProviderNotConfigured) {
			return err
		}
		a.Logger.Warn().Err(err).Str("provider", a.Config.Batch.Provider).Msg("Batch engine disabled")
	}
	a.BatchProvider = provider

	a.Controller = admission.NewController(a.StorageManager, a.Batcher, admission.Options{
		BatchProvider: provider,
		MaxBatchRows:  a.Config.Batch.MaxRows,
	}, a.Logger)

	a.Engine = enrichment.NewEngine(
		a.StorageManager,
		a.Batcher,
		a.Providers,
		a.Pricing,
		a.Formulas,
		enrichment.OptionsFromConfig(&a.Config.Engine),
		a.Logger,
	)
	if provider != nil {
		a.BatchEngine = batch.NewEngine(
			a.StorageManager,
			a.Batcher,
			provider,
			a.Pricing,
			batch.OptionsFromConfig(&a.Config.Batch),
			a.Logger,
		)
	}

	a.SchedulerService = scheduler.NewService(a.Logger)
	return nil
}

func (a *App) newBatchProvider() (interfaces.BatchProvider, error) {
	switch a.Config.Batch.Provider {
	case "", string(llm.ProviderAzure):
		provider, err := llm.NewAzureBatchProvider(&a.Config.Azure, a.Logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case string(llm.ProviderGemini):
		if a.Config.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini api key is required: %w", interfaces.ErrProviderNotConfigured)
		}
		return llm.NewGeminiBatchProvider(a.Providers, a.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported batch provider: %s", a.Config.Batch.Provider)
	}
}

// RunOnce performs a single invocation of every engine
func (a *App) RunOnce(ctx context.Context) error {
	var errs []error
	if err := a.runEngine(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.runBatchEngine(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) runEngine(ctx context.Context) error {
	summary, err := a.Engine.Run(ctx)
	if err != nil {
		return err
	}
	if summary.Jobs > 0 {
		a.Logger.Info().
			Int("jobs", summary.Jobs).
			Int("batches", summary.Batches).
			Int("rows", summary.Rows).
			Msg("Enrichment invocation finished")
	}
	return nil
}

func (a *App) runBatchEngine(ctx context.Context) error {
	if a.BatchEngine == nil {
		return nil
	}
	summary, err := a.BatchEngine.Run(ctx)
	if err != nil {
		return err
	}
	if summary.Submitted+summary.Polled+summary.Interrupts > 0 {
		a.Logger.Info().
			Int("submitted", summary.Submitted).
			Int("polled", summary.Polled).
			Int("finished", summary.Finished).
			Int("interrupted", summary.Interrupts).
			Msg("Batch invocation finished")
	}
	return nil
}

// StartScheduler registers the engines on the configured cron schedule
func (a *App) StartScheduler() error {
	schedule := a.Config.Scheduler.Schedule
	if err := a.SchedulerService.RegisterJob(enrichmentJobName, schedule, "Advance synchronous enrichment jobs", a.runEngine); err != nil {
		return err
	}
	if a.BatchEngine != nil {
		if err := a.SchedulerService.RegisterJob(batchJobName, schedule, "Submit and reconcile batch enrichment jobs", a.runBatchEngine); err != nil {
			return err
		}
	}
	return a.SchedulerService.Start()
}

// Close stops the scheduler and releases providers and storage
func (a *App) Close() error {
	var errs []error

	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if a.cancelCtx != nil {
		a.cancelCtx()
	}
	if a.Providers != nil {
		if err := a.Providers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("providers: %w", err))
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	a.Logger.Info().Msg("Application closed")
	return errors.Join(errs...)
}
