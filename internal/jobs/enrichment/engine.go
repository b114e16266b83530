// -----------------------------------------------------------------------
// Enrichment Engine - resumable cursor-driven row enrichment
// -----------------------------------------------------------------------

package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	enrichsvc "github.com/ternarybob/enrich/internal/services/enrichment"
	"github.com/ternarybob/enrich/internal/services/rowbatch"
)

// Options tunes one engine invocation
type Options struct {
	BatchSize               int
	ConcurrentRequests      int
	AITimeout               time.Duration
	ChunkDelay              time.Duration
	StaleAfter              time.Duration
	InvocationBudget        time.Duration
	MaxBatchesPerInvocation int
}

// OptionsFromConfig converts the [engine] config section
func OptionsFromConfig(config *common.EngineConfig) Options {
	return Options{
		BatchSize:               config.BatchSize,
		ConcurrentRequests:      config.ConcurrentRequests,
		AITimeout:               common.ParseDuration(config.AITimeout, 30*time.Second),
		ChunkDelay:              common.ParseDuration(config.ChunkDelay, 0),
		StaleAfter:              common.ParseDuration(config.StaleAfter, 10*time.Minute),
		InvocationBudget:        common.ParseDuration(config.InvocationBudget, 50*time.Second),
		MaxBatchesPerInvocation: config.MaxBatchesPerInvocation,
	}
}

// RunSummary reports what one invocation did
type RunSummary struct {
	Jobs    int
	Batches int
	Rows    int
}

// Engine advances synchronous enrichment jobs one batch at a time. All state
// lives in the job record, so any invocation can resume any job.
type Engine struct {
	jobs      interfaces.JobStorage
	configs   interfaces.ConfigStorage
	tables    interfaces.TableStorage
	rows      interfaces.RowStorage
	batcher   *rowbatch.Batcher
	resetter  *rowbatch.Resetter
	generator interfaces.Generator
	pricer    interfaces.Pricer
	formulas  interfaces.FormulaEvaluator
	options   Options
	logger    arbor.ILogger
	now       func() time.Time
}

// NewEngine creates a synchronous job engine
func NewEngine(
	storage interfaces.StorageManager,
	batcher *rowbatch.Batcher,
	generator interfaces.Generator,
	pricer interfaces.Pricer,
	formulas interfaces.FormulaEvaluator,
	options Options,
	logger arbor.ILogger,
) *Engine {
	if options.BatchSize <= 0 {
		options.BatchSize = 20
	}
	if options.ConcurrentRequests <= 0 {
		options.ConcurrentRequests = 5
	}
	if options.MaxBatchesPerInvocation <= 0 {
		options.MaxBatchesPerInvocation = 1
	}
	return &Engine{
		jobs:      storage.JobStorage(),
		configs:   storage.ConfigStorage(),
		tables:    storage.TableStorage(),
		rows:      storage.RowStorage(),
		batcher:   batcher,
		resetter:  rowbatch.NewResetter(storage.RowStorage(), batcher, logger),
		generator: generator,
		pricer:    pricer,
		formulas:  formulas,
		options:   options,
		logger:    logger,
		now:       time.Now,
	}
}

// Run advances every non-terminal job once. Job failures are recorded on
// the job and logged; only a failure to list jobs is returned.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	deadline := e.deadline()
	jobs, err := e.jobs.ListJobs(ctx, &interfaces.JobListOptions{Statuses: models.ActiveJobStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	summary := &RunSummary{}
	// Oldest first so earlier jobs finish first
	for i := len(jobs) - 1; i >= 0; i-- {
		if ctx.Err() != nil || !e.now().Before(deadline) {
			break
		}
		batches, rows, err := e.advance(ctx, jobs[i], deadline)
		if err != nil {
			e.logger.Error().Err(err).Str("job_id", jobs[i].ID).Msg("Failed to advance enrichment job")
		}
		summary.Jobs++
		summary.Batches += batches
		summary.Rows += rows
	}
	return summary, nil
}

// Advance processes up to MaxBatchesPerInvocation batches of one job
func (e *Engine) Advance(ctx context.Context, job *models.EnrichmentJob) error {
	_, _, err := e.advance(ctx, job, e.deadline())
	return err
}

func (e *Engine) deadline() time.Time {
	budget := e.options.InvocationBudget
	if budget <= 0 {
		budget = 50 * time.Second
	}
	return e.now().Add(budget)
}

func (e *Engine) advance(ctx context.Context, job *models.EnrichmentJob, deadline time.Time) (int, int, error) {
	if job.Status.IsTerminal() {
		return 0, 0, nil
	}
	log := e.logger.WithCorrelationId(job.ID)

	if staleness := common.CheckJobStaleness(job.UpdatedAt, job.CurrentIndex, e.now(), e.options.StaleAfter); staleness.IsStale {
		return 0, 0, e.finalizeStale(ctx, job, staleness.Reason)
	}

	// Only a missing config or table is fatal; other load errors retry next invocation
	config, err := e.configs.GetConfig(ctx, job.ConfigID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return 0, 0, fmt.Errorf("failed to load enrichment config: %w", err)
		}
		return 0, 0, e.fail(ctx, job, nil, fmt.Sprintf("enrichment config %s not found", job.ConfigID), err)
	}
	table, err := e.tables.GetTable(ctx, job.TableID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return 0, 0, fmt.Errorf("failed to load table: %w", err)
		}
		return 0, 0, e.fail(ctx, job, config, fmt.Sprintf("table %s not found", job.TableID), err)
	}

	if job.Status != models.JobStatusRunning {
		now := e.now()
		job, err = e.jobs.UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
			if !models.CanTransition(j.Status, models.JobStatusRunning) {
				return fmt.Errorf("job %s cannot move from %s to running", j.ID, j.Status)
			}
			j.Status = models.JobStatusRunning
			j.UpdatedAt = now
			return nil
		})
		if err != nil {
			if errors.Is(err, interfaces.ErrJobTerminal) {
				return 0, 0, nil
			}
			return 0, 0, fmt.Errorf("failed to mark job running: %w", err)
		}
		log.Info().Int("rows", len(job.RowIDs)).Msg("Enrichment job started")
	}

	batches, rows := 0, 0
	var lastBatch time.Duration
	for batches < e.options.MaxBatchesPerInvocation {
		if batches > 0 {
			if ctx.Err() != nil || deadline.Sub(e.now()) < lastBatch {
				break
			}
			// Re-read so a cancellation between batches stops the job
			job, err = e.jobs.GetJob(ctx, job.ID)
			if err != nil {
				return batches, rows, err
			}
			if job.Status.IsTerminal() {
				log.Info().Str("status", string(job.Status)).Msg("Job stopped between batches")
				break
			}
		}

		started := e.now()
		updated, attempted, err := e.runBatch(ctx, job, config, table)
		if err != nil {
			return batches, rows, err
		}
		batches++
		rows += attempted
		lastBatch = e.now().Sub(started)
		if updated == nil || updated.Status.IsTerminal() {
			break
		}
		job = updated
	}
	return batches, rows, nil
}

// runBatch processes the rows after the cursor and commits the cursor. A nil
// job means another invocation committed first or the job was finished.
func (e *Engine) runBatch(ctx context.Context, job *models.EnrichmentJob, config *models.EnrichmentConfig, table *models.Table) (*models.EnrichmentJob, int, error) {
	log := e.logger.WithCorrelationId(job.ID)
	expected := job.CurrentIndex
	ids := job.NextBatch(e.options.BatchSize)
	if len(ids) == 0 {
		updated, err := e.commit(ctx, job.ID, expected, models.ProgressDelta{})
		return updated, 0, err
	}

	rows, err := e.rows.GetRows(ctx, job.TableID, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load rows: %w", err)
	}
	if len(rows) == 0 {
		log.Warn().Int("index", expected).Msg("No rows in batch resolve, completing job")
		updated, err := e.commit(ctx, job.ID, expected, models.ProgressDelta{Attempted: job.Remaining()})
		return updated, 0, err
	}

	processing := make([]interfaces.RowPatch, 0, len(rows))
	for _, row := range rows {
		cells := row.Cells.Clone()
		enrichsvc.ApplyStatus(cells, config, job.TargetColumnID, job.ID, models.CellStatusProcessing)
		processing = append(processing, interfaces.RowPatch{RowID: row.ID, Cells: cells})
	}
	if err := e.batcher.ApplyPatches(ctx, processing); err != nil {
		log.Warn().Err(err).Msg("Failed to mark cells processing")
	}

	outcomes, err := e.processRows(ctx, job, config, table, rows)
	if err != nil {
		return nil, 0, e.fail(ctx, job, config, err.Error(), err)
	}

	patches := make([]interfaces.RowPatch, len(outcomes))
	delta := models.ProgressDelta{Attempted: len(ids)}
	for i, outcome := range outcomes {
		patches[i] = interfaces.RowPatch{RowID: outcome.rowID, Cells: outcome.cells}
		if outcome.failed {
			delta.Errors++
		} else {
			delta.Processed++
		}
		delta.Cost += outcome.cost
		delta.InputTokens += outcome.inputTokens
		delta.OutputTokens += outcome.outputTokens
	}
	if err := e.batcher.ApplyPatches(ctx, patches); err != nil {
		// Cursor stays put; the batch is retried by the next invocation
		return nil, 0, fmt.Errorf("failed to write batch results: %w", err)
	}

	updated, err := e.commit(ctx, job.ID, expected, delta)
	if err != nil {
		return nil, 0, err
	}
	if updated != nil {
		log.Info().
			Int("index", updated.CurrentIndex).
			Int("total", len(updated.RowIDs)).
			Int("processed", delta.Processed).
			Int("errors", delta.Errors).
			Float64("cost", delta.Cost).
			Msg("Batch committed")
		if updated.Status == models.JobStatusComplete {
			log.Info().
				Int("processed", updated.ProcessedCount).
				Int("errors", updated.ErrorCount).
				Float64("total_cost", updated.TotalCost).
				Msg("Enrichment job complete")
		}
	}
	return updated, len(ids), nil
}

func (e *Engine) commit(ctx context.Context, jobID string, expected int, delta models.ProgressDelta) (*models.EnrichmentJob, error) {
	now := e.now()
	updated, err := e.jobs.UpdateJob(ctx, jobID, func(j *models.EnrichmentJob) error {
		return j.ApplyProgress(expected, delta, now)
	})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, models.ErrCursorMismatch), errors.Is(err, interfaces.ErrJobTerminal):
		e.logger.Debug().Err(err).Str("job_id", jobID).Msg("Batch commit skipped")
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to commit progress: %w", err)
	}
}

type rowOutcome struct {
	rowID        string
	cells        models.CellMap
	failed       bool
	cost         float64
	inputTokens  int
	outputTokens int
}

// processRows runs rows in chunks of ConcurrentRequests with ChunkDelay
// between chunks. The only error returned is a fatal provider error.
func (e *Engine) processRows(ctx context.Context, job *models.EnrichmentJob, config *models.EnrichmentConfig, table *models.Table, rows []*models.Row) ([]rowOutcome, error) {
	columnsByName := enrichsvc.ColumnsByName(table.Columns)
	outcomes := make([]rowOutcome, len(rows))
	size := e.options.ConcurrentRequests

	for start := 0; start < len(rows); start += size {
		if start > 0 && e.options.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.options.ChunkDelay):
			}
		}
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fatal error
		)
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer common.RecoverPanic(e.logger, "enrich_row")
				// A panicking row keeps this error outcome
				outcomes[i] = panicOutcome(job, config, rows[i])
				outcome, err := e.processRow(ctx, job, config, table, columnsByName, rows[i])
				if err != nil {
					mu.Lock()
					fatal = err
					mu.Unlock()
					return
				}
				outcomes[i] = outcome
			}(i)
		}
		wg.Wait()
		if fatal != nil {
			return nil, fatal
		}
	}
	return outcomes, nil
}

func panicOutcome(job *models.EnrichmentJob, config *models.EnrichmentConfig, row *models.Row) rowOutcome {
	cells := row.Cells.Clone()
	enrichsvc.ApplyError(cells, config, job.TargetColumnID, job.ID, "row processing panicked")
	return rowOutcome{rowID: row.ID, cells: cells, failed: true}
}

func (e *Engine) processRow(ctx context.Context, job *models.EnrichmentJob, config *models.EnrichmentConfig, table *models.Table, columnsByName map[string]models.Column, row *models.Row) (rowOutcome, error) {
	cells := row.Cells.Clone()
	outcome := rowOutcome{rowID: row.ID, cells: cells}
	started := time.Now()

	if config.IsFormula() {
		value, err := e.formulas.Evaluate(ctx, config.Formula, interfaces.FormulaContext{Row: row, Columns: table.Columns})
		if err != nil {
			enrichsvc.ApplyError(cells, config, job.TargetColumnID, job.ID, err.Error())
			outcome.failed = true
			return outcome, nil
		}
		enrichsvc.ApplyValue(cells, job.TargetColumnID, job.ID, value, time.Since(started).Milliseconds())
		return outcome, nil
	}

	prompt := enrichsvc.BuildPrompt(config.Prompt, row.Cells, columnsByName, config.OutputFieldNames())
	request := &interfaces.GenerateRequest{
		Prompt:          prompt,
		Model:           config.Model,
		Temperature:     config.Temperature,
		MaxOutputTokens: config.MaxOutputTokens,
	}

	capped := false
	if config.CostCeiling > 0 {
		allowed := e.pricer.MaxOutputTokensWithin(config.Model, estimateTokens(prompt), config.CostCeiling)
		if allowed <= 0 {
			enrichsvc.ApplyError(cells, config, job.TargetColumnID, job.ID,
				fmt.Sprintf("estimated prompt cost exceeds the per-row ceiling of $%.4f", config.CostCeiling))
			outcome.failed = true
			return outcome, nil
		}
		if request.MaxOutputTokens <= 0 || allowed < request.MaxOutputTokens {
			request.MaxOutputTokens = allowed
			capped = true
		}
	}

	callCtx := ctx
	if e.options.AITimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.options.AITimeout)
		defer cancel()
	}

	result, err := e.generator.Generate(callCtx, request)
	if err != nil {
		if errors.Is(err, interfaces.ErrProviderNotConfigured) {
			return outcome, err
		}
		e.logger.Debug().Err(err).Str("job_id", job.ID).Str("row_id", row.ID).Msg("Row enrichment failed")
		enrichsvc.ApplyError(cells, config, job.TargetColumnID, job.ID, err.Error())
		outcome.failed = true
		return outcome, nil
	}

	model := result.Model
	if model == "" {
		model = config.Model
	}
	outcome.cost = e.pricer.Cost(model, result.InputTokens, result.OutputTokens)
	outcome.inputTokens = result.InputTokens
	outcome.outputTokens = result.OutputTokens

	enrichsvc.ApplySuccess(cells, config, job.TargetColumnID, job.ID, enrichsvc.RowResult{
		Text:                result.Text,
		InputTokens:         result.InputTokens,
		OutputTokens:        result.OutputTokens,
		TimeTakenMs:         result.TimeTakenMs,
		Cost:                outcome.cost,
		ForcedToFinishEarly: capped && result.Truncated,
	})
	return outcome, nil
}

// estimateTokens approximates prompt tokens at four characters each
func estimateTokens(prompt string) int {
	return len(prompt)/4 + 1
}

// finalizeStale completes a job that stopped making progress and clears the
// cells it left in flight
func (e *Engine) finalizeStale(ctx context.Context, job *models.EnrichmentJob, reason string) error {
	now := e.now()
	_, err := e.jobs.UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
		j.LastError = reason
		j.Finish(models.JobStatusComplete, now)
		return nil
	})
	if err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
		return fmt.Errorf("failed to finalize stale job: %w", err)
	}
	e.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("Stale enrichment job force-completed")

	config, _ := e.configs.GetConfig(ctx, job.ConfigID)
	e.resetCells(ctx, job, config)
	return nil
}

// fail moves the job to error and clears its in-flight cells. cause is
// returned for logging.
func (e *Engine) fail(ctx context.Context, job *models.EnrichmentJob, config *models.EnrichmentConfig, message string, cause error) error {
	now := e.now()
	_, err := e.jobs.UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
		j.LastError = message
		j.Finish(models.JobStatusError, now)
		return nil
	})
	if err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
		return fmt.Errorf("failed to mark job error: %w", err)
	}
	e.resetCells(ctx, job, config)
	return fmt.Errorf("job %s failed: %w", job.ID, cause)
}

func (e *Engine) resetCells(ctx context.Context, job *models.EnrichmentJob, config *models.EnrichmentConfig) {
	columns := []string{job.TargetColumnID}
	if config != nil {
		columns = enrichsvc.TouchedColumns(config, job.TargetColumnID)
	}
	_, err := e.resetter.Reset(ctx, rowbatch.ResetRequest{
		TableID:   job.TableID,
		RowIDs:    job.RowIDs,
		ColumnIDs: columns,
		JobID:     job.ID,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset stuck cells")
	}
}
