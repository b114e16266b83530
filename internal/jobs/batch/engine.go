// -----------------------------------------------------------------------
// Batch Engine - provider-side batch submission and reconciliation
// -----------------------------------------------------------------------

package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"github.com/ternarybob/enrich/internal/services/enrichment"
	"github.com/ternarybob/enrich/internal/services/rowbatch"
)

const (
	rowLoadChunk = 200

	orphanMessage    = "row was not processed by the batch provider (request limit exceeded)"
	cancelledMessage = "batch job was cancelled"
	expiredMessage   = "batch job expired before completion"
	failedMessage    = "batch job failed"
	noOutputMessage  = "batch job completed but no output file was produced"
	interruptMessage = "batch submission was interrupted"
)

var errNotPending = errors.New("batch job is not pending")

// Options tunes the batch engine
type Options struct {
	PollInterval time.Duration // Minimum gap between status polls of one job
	StaleAfter   time.Duration // Uploading longer than this is an interrupted submission
}

// OptionsFromConfig converts the [batch] config section
func OptionsFromConfig(config *common.BatchConfig) Options {
	return Options{
		PollInterval: common.ParseDuration(config.PollInterval, time.Minute),
		StaleAfter:   common.ParseDuration(config.StaleAfter, 15*time.Minute),
	}
}

// RunSummary reports what one invocation did
type RunSummary struct {
	Submitted  int
	Polled     int
	Finished   int
	Interrupts int
}

// Engine submits batch jobs to the provider and applies their results
type Engine struct {
	batchJobs interfaces.BatchJobStorage
	configs   interfaces.ConfigStorage
	tables    interfaces.TableStorage
	rows      interfaces.RowStorage
	batcher   *rowbatch.Batcher
	provider  interfaces.BatchProvider
	pricer    interfaces.Pricer
	options   Options
	logger    arbor.ILogger
	now       func() time.Time
}

// NewEngine creates a batch engine for one provider
func NewEngine(
	storage interfaces.StorageManager,
	batcher *rowbatch.Batcher,
	provider interfaces.BatchProvider,
	pricer interfaces.Pricer,
	options Options,
	logger arbor.ILogger,
) *Engine {
	return &Engine{
		batchJobs: storage.BatchJobStorage(),
		configs:   storage.ConfigStorage(),
		tables:    storage.TableStorage(),
		rows:      storage.RowStorage(),
		batcher:   batcher,
		provider:  provider,
		pricer:    pricer,
		options:   options,
		logger:    logger,
		now:       time.Now,
	}
}

// Run submits pending jobs, polls in-flight jobs that are due and fails
// submissions interrupted while uploading. Per-job failures are logged.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	jobs, err := e.batchJobs.ListBatchJobs(ctx, &interfaces.BatchJobListOptions{Statuses: models.ActiveBatchJobStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list active batch jobs: %w", err)
	}

	summary := &RunSummary{}
	for i := len(jobs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			break
		}
		job := jobs[i]
		if job.Provider != "" && job.Provider != e.provider.Name() {
			e.logger.Debug().Str("job_id", job.ID).Str("provider", job.Provider).Msg("Skipping batch job for another provider")
			continue
		}

		var err error
		switch job.Status {
		case models.BatchJobStatusPending:
			err = e.Submit(ctx, job)
			summary.Submitted++
		case models.BatchJobStatusUploading:
			staleness := common.CheckUploadStaleness(job.UpdatedAt, e.now(), e.options.StaleAfter)
			if staleness.IsStale {
				e.logger.Warn().Str("job_id", job.ID).Str("reason", staleness.Reason).Msg("Batch submission interrupted")
				err = e.failJob(ctx, job, nil, interruptMessage, job.RowIDs)
				summary.Interrupts++
			}
		default:
			if !e.pollDue(job) {
				continue
			}
			var updated *models.BatchEnrichmentJob
			updated, err = e.Reconcile(ctx, job)
			summary.Polled++
			if updated != nil && updated.Status.IsTerminal() {
				summary.Finished++
			}
		}
		if err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Batch job step failed")
		}
	}
	return summary, nil
}

// pollDue reports whether the poll interval has passed. Downloading jobs are
// always due; their results were ready on the previous poll.
func (e *Engine) pollDue(job *models.BatchEnrichmentJob) bool {
	if job.Status == models.BatchJobStatusDownloading || job.LastPolledAt == nil {
		return true
	}
	return e.now().Sub(*job.LastPolledAt) >= e.options.PollInterval
}

// Submit uploads one request per row and creates the remote batch. A
// missing or formula config and any provider failure finish the job as error
// and mark every touched cell error; other storage errors leave it pending.
func (e *Engine) Submit(ctx context.Context, job *models.BatchEnrichmentJob) error {
	log := e.logger.WithCorrelationId(job.ID)

	if job.Status != models.BatchJobStatusPending {
		return nil
	}

	// Load before leaving pending so a transient storage error is retried
	// by the next invocation instead of failing the job
	config, err := e.configs.GetConfig(ctx, job.ConfigID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("failed to load enrichment config: %w", err)
		}
		return e.failJob(ctx, job, nil, fmt.Sprintf("enrichment config %s not found", job.ConfigID), job.RowIDs)
	}
	if config.IsFormula() {
		return e.failJob(ctx, job, config, fmt.Sprintf("enrichment config %s is a formula and cannot run as a batch", config.ID), job.RowIDs)
	}
	table, err := e.tables.GetTable(ctx, job.TableID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return fmt.Errorf("failed to load table: %w", err)
		}
		return e.failJob(ctx, job, config, fmt.Sprintf("table %s not found", job.TableID), job.RowIDs)
	}

	job, err = e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		if j.Status != models.BatchJobStatusPending {
			return errNotPending
		}
		j.Status = models.BatchJobStatusUploading
		j.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrJobTerminal) || errors.Is(err, errNotPending) {
			return nil
		}
		return fmt.Errorf("failed to mark batch job uploading: %w", err)
	}

	rows, err := e.loadRows(ctx, job.TableID, job.RowIDs)
	if err != nil {
		return e.failJob(ctx, job, config, err.Error(), job.RowIDs)
	}
	if len(rows) == 0 {
		_, err := e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
			j.TotalRows = 0
			j.Finish(models.BatchJobStatusComplete, "", e.now())
			return nil
		})
		log.Warn().Msg("No rows to submit, batch job completed")
		return err
	}

	columnsByName := enrichment.ColumnsByName(table.Columns)
	requests := make([]interfaces.BatchRequest, len(rows))
	mappings := make([]models.RowMapping, len(rows))
	patches := make([]interfaces.RowPatch, len(rows))
	for i, row := range rows {
		customID := models.CustomIDForIndex(i)
		mappings[i] = models.RowMapping{RowID: row.ID, CustomID: customID}
		requests[i] = interfaces.BatchRequest{
			CustomID:        customID,
			Prompt:          enrichment.BuildBatchPrompt(config.Prompt, row.Cells, columnsByName, config.OutputFields),
			Model:           config.Model,
			Temperature:     config.Temperature,
			MaxOutputTokens: config.MaxOutputTokens,
		}
		cells := row.Cells.Clone()
		enrichment.ApplyStatus(cells, config, job.TargetColumnID, job.ID, models.CellStatusBatchSubmitted)
		patches[i] = interfaces.RowPatch{RowID: row.ID, Cells: cells}
	}

	job, err = e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.RowMappings = mappings
		j.TotalRows = len(mappings)
		j.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save row mapping: %w", err)
	}
	if err := e.batcher.ApplyPatches(ctx, patches); err != nil {
		log.Warn().Err(err).Msg("Failed to mark cells batch_submitted")
	}

	content, err := e.provider.EncodeRequests(requests)
	if err != nil {
		return e.failJob(ctx, job, config, fmt.Sprintf("failed to encode batch requests: %v", err), job.MappedRowIDs())
	}
	fileID, err := e.provider.UploadFile(ctx, content, job.ID+".jsonl")
	if err != nil {
		return e.failJob(ctx, job, config, fmt.Sprintf("failed to upload batch file: %v", err), job.MappedRowIDs())
	}
	job, err = e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.InputFileID = fileID
		j.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		e.deleteFiles(ctx, fileID)
		return fmt.Errorf("failed to save input file id: %w", err)
	}

	submission, err := e.provider.CreateBatch(ctx, fileID, map[string]string{
		"job_id":    job.ID,
		"table_id":  job.TableID,
		"column_id": job.TargetColumnID,
		"model":     config.Model,
	})
	if err != nil {
		e.deleteFiles(ctx, fileID)
		return e.failJob(ctx, job, config, fmt.Sprintf("failed to create remote batch: %v", err), job.MappedRowIDs())
	}

	now := e.now()
	_, err = e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.BatchID = submission.BatchID
		j.RemoteStatus = submission.Status
		j.Status = models.BatchJobStatusSubmitted
		j.SubmittedAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save batch id %s: %w", submission.BatchID, err)
	}

	log.Info().
		Str("batch_id", submission.BatchID).
		Str("provider", e.provider.Name()).
		Int("rows", len(mappings)).
		Msg("Batch submitted")
	return nil
}

// ForceSync reconciles a job immediately, ignoring the poll interval
func (e *Engine) ForceSync(ctx context.Context, jobID string) (*models.BatchEnrichmentJob, error) {
	job, err := e.batchJobs.GetBatchJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	if job.BatchID == "" {
		return job, fmt.Errorf("batch job %s has not been submitted", jobID)
	}
	return e.Reconcile(ctx, job)
}

// Reconcile fetches the remote status and moves the job accordingly
func (e *Engine) Reconcile(ctx context.Context, job *models.BatchEnrichmentJob) (*models.BatchEnrichmentJob, error) {
	if job.BatchID == "" {
		return job, fmt.Errorf("batch job %s has no remote batch", job.ID)
	}
	log := e.logger.WithCorrelationId(job.ID)

	status, err := e.provider.GetStatus(ctx, job.BatchID)
	if err != nil {
		e.touchPolled(ctx, job.ID)
		return job, fmt.Errorf("failed to get batch status: %w", err)
	}

	config := e.configFor(ctx, job)

	switch models.ReconcileStatus(status.Status) {
	case models.BatchJobStatusDownloading:
		if status.OutputFileID == "" {
			return nil, e.failJob(ctx, job, config, noOutputMessage, job.MappedRowIDs())
		}
		return e.applyResults(ctx, job, config, status)

	case models.BatchJobStatusError:
		message := failedMessage
		if status.Status == models.RemoteStatusExpired {
			message = expiredMessage
		}
		if len(status.Errors) > 0 {
			message = fmt.Sprintf("%s: %s", message, strings.Join(status.Errors, "; "))
		}
		e.deleteFiles(ctx, job.InputFileID)
		return nil, e.finishWithErrors(ctx, job, config, models.BatchJobStatusError, status.Status, message)

	case models.BatchJobStatusCancelled:
		e.deleteFiles(ctx, job.InputFileID)
		return nil, e.finishWithErrors(ctx, job, config, models.BatchJobStatusCancelled, status.Status, cancelledMessage)

	default:
		first := job.Status != models.BatchJobStatusProcessing
		now := e.now()
		updated, err := e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
			j.Status = models.BatchJobStatusProcessing
			j.RemoteStatus = status.Status
			j.LastPolledAt = &now
			j.UpdatedAt = now
			return nil
		})
		if err != nil {
			return nil, ignoreTerminal(err)
		}
		if first {
			e.markRows(ctx, updated, config, updated.MappedRowIDs(), func(cells models.CellMap) {
				enrichment.ApplyStatus(cells, config, updated.TargetColumnID, updated.ID, models.CellStatusBatchProcessing)
			})
		}
		if status.RequestCounts != nil {
			log.Debug().
				Str("remote_status", string(status.Status)).
				Int("completed", status.RequestCounts.Completed).
				Int("failed", status.RequestCounts.Failed).
				Int("total", status.RequestCounts.Total).
				Msg("Batch in progress")
		}
		return updated, nil
	}
}

// applyResults downloads the output (and error) files, writes one result
// per mapped row and completes the job. Rows missing from the results are
// orphans: error cells, counted separately.
func (e *Engine) applyResults(ctx context.Context, job *models.BatchEnrichmentJob, config *models.EnrichmentConfig, status *interfaces.BatchStatus) (*models.BatchEnrichmentJob, error) {
	log := e.logger.WithCorrelationId(job.ID)
	now := e.now()
	job, err := e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.Status = models.BatchJobStatusDownloading
		j.RemoteStatus = status.Status
		j.OutputFileID = status.OutputFileID
		j.ErrorFileID = status.ErrorFileID
		j.LastPolledAt = &now
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, ignoreTerminal(err)
	}

	content, err := e.provider.DownloadFile(ctx, status.OutputFileID)
	if err != nil {
		return job, fmt.Errorf("failed to download output file: %w", err)
	}
	results, err := e.provider.DecodeResults(content)
	if err != nil {
		return job, fmt.Errorf("failed to decode output file: %w", err)
	}
	if status.ErrorFileID != "" {
		if errContent, err := e.provider.DownloadFile(ctx, status.ErrorFileID); err != nil {
			log.Warn().Err(err).Str("file_id", status.ErrorFileID).Msg("Failed to download error file")
		} else if errResults, err := e.provider.DecodeResults(errContent); err != nil {
			log.Warn().Err(err).Str("file_id", status.ErrorFileID).Msg("Failed to decode error file")
		} else {
			results = append(results, errResults...)
		}
	}

	rows, err := e.loadRows(ctx, job.TableID, job.MappedRowIDs())
	if err != nil {
		return job, err
	}
	rowsByID := make(map[string]*models.Row, len(rows))
	for _, row := range rows {
		rowsByID[row.ID] = row
	}

	rowsByCustomID := job.RowsByCustomID()
	applied := make(map[string]bool, len(results))
	var totals models.BatchEnrichmentJob
	patches := make([]interfaces.RowPatch, 0, len(job.RowMappings))

	for _, result := range results {
		rowID, ok := rowsByCustomID[result.CustomID]
		if !ok {
			log.Warn().Str("custom_id", result.CustomID).Msg("Result for unknown custom id")
			continue
		}
		// A success in the output file wins over an entry in the error file
		if applied[result.CustomID] {
			continue
		}
		applied[result.CustomID] = true
		row, ok := rowsByID[rowID]
		if !ok {
			continue
		}

		cells := row.Cells.Clone()
		if result.Error != "" {
			enrichment.ApplyError(cells, config, job.TargetColumnID, job.ID, result.Error)
			totals.ErrorCount++
		} else {
			cost := e.pricer.Cost(config.Model, result.InputTokens, result.OutputTokens)
			enrichment.ApplySuccess(cells, config, job.TargetColumnID, job.ID, enrichment.RowResult{
				Text:         result.Text,
				InputTokens:  result.InputTokens,
				OutputTokens: result.OutputTokens,
				Cost:         cost,
			})
			totals.SuccessCount++
			totals.TotalCost += cost
			totals.TotalInputTokens += result.InputTokens
			totals.TotalOutputTokens += result.OutputTokens
		}
		patches = append(patches, interfaces.RowPatch{RowID: rowID, Cells: cells})
	}

	for _, mapping := range job.RowMappings {
		if applied[mapping.CustomID] {
			continue
		}
		row, ok := rowsByID[mapping.RowID]
		if !ok {
			continue
		}
		cells := row.Cells.Clone()
		enrichment.ApplyError(cells, config, job.TargetColumnID, job.ID, orphanMessage)
		totals.OrphanCount++
		totals.ErrorCount++
		patches = append(patches, interfaces.RowPatch{RowID: mapping.RowID, Cells: cells})
	}

	if err := e.batcher.ApplyPatches(ctx, patches); err != nil {
		// Stay in downloading; the next poll applies the results again
		return job, fmt.Errorf("failed to write batch results: %w", err)
	}

	finished := e.now()
	updated, err := e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.ProcessedCount = totals.SuccessCount + totals.ErrorCount
		j.SuccessCount = totals.SuccessCount
		j.ErrorCount = totals.ErrorCount
		j.OrphanCount = totals.OrphanCount
		j.TotalCost = totals.TotalCost
		j.TotalInputTokens = totals.TotalInputTokens
		j.TotalOutputTokens = totals.TotalOutputTokens
		j.Finish(models.BatchJobStatusComplete, "", finished)
		return nil
	})
	if err != nil {
		return nil, ignoreTerminal(err)
	}

	e.deleteFiles(ctx, job.InputFileID, status.OutputFileID, status.ErrorFileID)

	log.Info().
		Int("success", totals.SuccessCount).
		Int("errors", totals.ErrorCount).
		Int("orphans", totals.OrphanCount).
		Float64("total_cost", totals.TotalCost).
		Msg("Batch results applied")
	return updated, nil
}

// finishWithErrors writes message into every mapped row and finishes the job
func (e *Engine) finishWithErrors(ctx context.Context, job *models.BatchEnrichmentJob, config *models.EnrichmentConfig, status models.BatchJobStatus, remote models.RemoteBatchStatus, message string) error {
	e.markRows(ctx, job, config, job.MappedRowIDs(), func(cells models.CellMap) {
		enrichment.ApplyError(cells, config, job.TargetColumnID, job.ID, message)
	})

	now := e.now()
	_, err := e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.RemoteStatus = remote
		j.ErrorCount = len(j.RowMappings)
		j.ProcessedCount = len(j.RowMappings)
		j.LastPolledAt = &now
		j.Finish(status, message, now)
		return nil
	})
	if err != nil {
		return ignoreTerminal(err)
	}
	e.logger.Warn().Str("job_id", job.ID).Str("status", string(status)).Str("reason", message).Msg("Batch job finished without results")
	return nil
}

// failJob finishes the job as error and writes message into the cells of rowIDs
func (e *Engine) failJob(ctx context.Context, job *models.BatchEnrichmentJob, config *models.EnrichmentConfig, message string, rowIDs []string) error {
	if config == nil {
		config = e.configFor(ctx, job)
	}
	e.markRows(ctx, job, config, rowIDs, func(cells models.CellMap) {
		enrichment.ApplyError(cells, config, job.TargetColumnID, job.ID, message)
	})

	now := e.now()
	_, err := e.batchJobs.UpdateBatchJob(ctx, job.ID, func(j *models.BatchEnrichmentJob) error {
		j.ErrorCount = len(rowIDs)
		j.Finish(models.BatchJobStatusError, message, now)
		return nil
	})
	if err != nil {
		return ignoreTerminal(err)
	}
	return fmt.Errorf("batch job %s failed: %s", job.ID, message)
}

// markRows loads rowIDs, applies fn to each row's cells and writes them back.
// Only cells this job still owns are overwritten.
func (e *Engine) markRows(ctx context.Context, job *models.BatchEnrichmentJob, config *models.EnrichmentConfig, rowIDs []string, fn func(cells models.CellMap)) {
	rows, err := e.loadRows(ctx, job.TableID, rowIDs)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to load rows for cell update")
		return
	}
	patches := make([]interfaces.RowPatch, 0, len(rows))
	for _, row := range rows {
		if owner := row.Cells[job.TargetColumnID].JobID; owner != "" && owner != job.ID {
			continue
		}
		cells := row.Cells.Clone()
		fn(cells)
		patches = append(patches, interfaces.RowPatch{RowID: row.ID, Cells: cells})
	}
	if err := e.batcher.ApplyPatches(ctx, patches); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to update batch cells")
	}
}

func (e *Engine) loadRows(ctx context.Context, tableID string, rowIDs []string) ([]*models.Row, error) {
	rows := make([]*models.Row, 0, len(rowIDs))
	for start := 0; start < len(rowIDs); start += rowLoadChunk {
		end := start + rowLoadChunk
		if end > len(rowIDs) {
			end = len(rowIDs)
		}
		chunk, err := e.rows.GetRows(ctx, tableID, rowIDs[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to load rows: %w", err)
		}
		rows = append(rows, chunk...)
	}
	return rows, nil
}

// configFor falls back to an empty config so cells can still be written
// to the target column when the config has been deleted
func (e *Engine) configFor(ctx context.Context, job *models.BatchEnrichmentJob) *models.EnrichmentConfig {
	config, err := e.configs.GetConfig(ctx, job.ConfigID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Enrichment config unavailable, writing target column only")
		return &models.EnrichmentConfig{ID: job.ConfigID}
	}
	return config
}

func (e *Engine) touchPolled(ctx context.Context, jobID string) {
	now := e.now()
	_, err := e.batchJobs.UpdateBatchJob(ctx, jobID, func(j *models.BatchEnrichmentJob) error {
		j.LastPolledAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record poll time")
	}
}

// deleteFiles removes remote files; failures are warnings
func (e *Engine) deleteFiles(ctx context.Context, fileIDs ...string) {
	for _, id := range fileIDs {
		if id == "" {
			continue
		}
		if err := e.provider.DeleteFile(ctx, id); err != nil {
			e.logger.Warn().Err(err).Str("file_id", id).Msg("Failed to delete remote batch file")
		}
	}
}

func ignoreTerminal(err error) error {
	if errors.Is(err, interfaces.ErrJobTerminal) {
		return nil
	}
	return err
}
