// -----------------------------------------------------------------------
// Job admission - one active job per target column, cancellation and
// stuck-cell recovery
// -----------------------------------------------------------------------

package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"github.com/ternarybob/enrich/internal/services/enrichment"
	"github.com/ternarybob/enrich/internal/services/rowbatch"
)

// ErrColumnBusy is returned when a column reset is requested while a job
// is still active on it
var ErrColumnBusy = errors.New("column has an active job")

// ErrFormulaBatch is returned when a formula config is submitted as a batch job
var ErrFormulaBatch = errors.New("formula configs cannot run as batch jobs")

const pendingLoadChunk = 200

// CreateJobRequest starts enrichment of rows into one target column
type CreateJobRequest struct {
	ConfigID       string   `validate:"required"`
	TableID        string   `validate:"required"`
	TargetColumnID string   `validate:"required"`
	RowIDs         []string `validate:"required,min=1,dive,required"`
}

// Options configures batch job admission
type Options struct {
	BatchProvider interfaces.BatchProvider // nil rejects batch jobs
	MaxBatchRows  int                      // Rows accepted per batch job, 0 = unlimited
}

// Controller admits, lists and cancels enrichment jobs
type Controller struct {
	tables    interfaces.TableStorage
	configs   interfaces.ConfigStorage
	rows      interfaces.RowStorage
	jobs      interfaces.JobStorage
	batchJobs interfaces.BatchJobStorage
	admission interfaces.AdmissionStorage
	batcher   *rowbatch.Batcher
	resetter  *rowbatch.Resetter
	options   Options
	validate  *validator.Validate
	logger    arbor.ILogger
}

// NewController creates a Controller writing cells through batcher
func NewController(storage interfaces.StorageManager, batcher *rowbatch.Batcher, options Options, logger arbor.ILogger) *Controller {
	return &Controller{
		tables:    storage.TableStorage(),
		configs:   storage.ConfigStorage(),
		rows:      storage.RowStorage(),
		jobs:      storage.JobStorage(),
		batchJobs: storage.BatchJobStorage(),
		admission: storage.AdmissionStorage(),
		batcher:   batcher,
		resetter:  rowbatch.NewResetter(storage.RowStorage(), batcher, logger),
		options:   options,
		validate:  validator.New(),
		logger:    logger,
	}
}

// CreateJob cancels every active job on the target column, inserts a new
// pending synchronous job and marks its target cells pending
func (c *Controller) CreateJob(ctx context.Context, req CreateJobRequest) (*models.EnrichmentJob, error) {
	if _, err := c.checkRequest(ctx, req); err != nil {
		return nil, err
	}

	job := models.NewEnrichmentJob(req.TableID, req.ConfigID, req.TargetColumnID, req.RowIDs)
	result, err := c.admission.AdmitJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to admit job: %w", err)
	}

	c.resetCancelled(ctx, result)
	c.markPending(ctx, job.TableID, job.TargetColumnID, job.ID, job.RowIDs)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("table_id", job.TableID).
		Str("column_id", job.TargetColumnID).
		Int("rows", len(job.RowIDs)).
		Msg("Enrichment job created")
	return job, nil
}

// CreateBatchJob is CreateJob for provider-side batch submission. It is
// rejected before admission when no batch provider is configured, so an
// unrunnable job never cancels the column's current one.
func (c *Controller) CreateBatchJob(ctx context.Context, req CreateJobRequest) (*models.BatchEnrichmentJob, error) {
	if c.options.BatchProvider == nil {
		return nil, fmt.Errorf("batch jobs are disabled: %w", interfaces.ErrProviderNotConfigured)
	}
	config, err := c.checkRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if config.IsFormula() {
		return nil, fmt.Errorf("config %s: %w", config.ID, ErrFormulaBatch)
	}
	if c.options.MaxBatchRows > 0 && len(req.RowIDs) > c.options.MaxBatchRows {
		return nil, fmt.Errorf("batch job has %d rows, limit is %d", len(req.RowIDs), c.options.MaxBatchRows)
	}

	job := models.NewBatchEnrichmentJob(req.TableID, req.ConfigID, req.TargetColumnID, c.options.BatchProvider.Name(), req.RowIDs)
	result, err := c.admission.AdmitBatchJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to admit batch job: %w", err)
	}

	c.resetCancelled(ctx, result)
	c.markPending(ctx, job.TableID, job.TargetColumnID, job.ID, job.RowIDs)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("table_id", job.TableID).
		Str("column_id", job.TargetColumnID).
		Str("provider", job.Provider).
		Int("rows", len(job.RowIDs)).
		Msg("Batch enrichment job created")
	return job, nil
}

func (c *Controller) checkRequest(ctx context.Context, req CreateJobRequest) (*models.EnrichmentConfig, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid job request: %w", err)
	}
	config, err := c.configs.GetConfig(ctx, req.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrichment config: %w", err)
	}
	table, err := c.tables.GetTable(ctx, req.TableID)
	if err != nil {
		return nil, fmt.Errorf("failed to load table: %w", err)
	}
	if _, ok := table.Column(req.TargetColumnID); !ok {
		return nil, fmt.Errorf("column %s not found in table %s", req.TargetColumnID, req.TableID)
	}
	return config, nil
}

// markPending shows the new job on its target cells. Failures are logged;
// the engine overwrites these cells anyway.
func (c *Controller) markPending(ctx context.Context, tableID, columnID, jobID string, rowIDs []string) {
	for start := 0; start < len(rowIDs); start += pendingLoadChunk {
		end := start + pendingLoadChunk
		if end > len(rowIDs) {
			end = len(rowIDs)
		}
		rows, err := c.rows.GetRows(ctx, tableID, rowIDs[start:end])
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load rows to mark pending")
			return
		}
		patches := make([]interfaces.RowPatch, 0, len(rows))
		for _, row := range rows {
			cells := row.Cells.Clone()
			cells[columnID] = models.NewStatusCell(cells[columnID], models.CellStatusPending, jobID)
			patches = append(patches, interfaces.RowPatch{RowID: row.ID, Cells: cells})
		}
		if err := c.batcher.ApplyPatches(ctx, patches); err != nil {
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark cells pending")
		}
	}
}

func (c *Controller) resetCancelled(ctx context.Context, result *interfaces.AdmissionResult) {
	if result == nil {
		return
	}
	for _, old := range result.CancelledJobs {
		c.resetJobCells(ctx, old.TableID, old.ConfigID, old.TargetColumnID, old.ID, old.RowIDs)
	}
	for _, old := range result.CancelledBatchJobs {
		c.resetJobCells(ctx, old.TableID, old.ConfigID, old.TargetColumnID, old.ID, old.RowIDs)
	}
}

func (c *Controller) resetJobCells(ctx context.Context, tableID, configID, columnID, jobID string, rowIDs []string) {
	_, err := c.resetter.Reset(ctx, rowbatch.ResetRequest{
		TableID:   tableID,
		RowIDs:    rowIDs,
		ColumnIDs: c.touchedColumns(ctx, configID, columnID),
		JobID:     jobID,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to reset stuck cells")
	}
}

// touchedColumns falls back to the target column when the config is gone
func (c *Controller) touchedColumns(ctx context.Context, configID, columnID string) []string {
	config, err := c.configs.GetConfig(ctx, configID)
	if err != nil {
		return []string{columnID}
	}
	return enrichment.TouchedColumns(config, columnID)
}

// GetJob returns a synchronous job
func (c *Controller) GetJob(ctx context.Context, id string) (*models.EnrichmentJob, error) {
	return c.jobs.GetJob(ctx, id)
}

// GetBatchJob returns a batch job
func (c *Controller) GetBatchJob(ctx context.Context, id string) (*models.BatchEnrichmentJob, error) {
	return c.batchJobs.GetBatchJob(ctx, id)
}

// ListJobsByColumn returns the column's synchronous jobs, newest first
func (c *Controller) ListJobsByColumn(ctx context.Context, columnID string, activeOnly bool) ([]*models.EnrichmentJob, error) {
	opts := &interfaces.JobListOptions{TargetColumnID: columnID}
	if activeOnly {
		opts.Statuses = models.ActiveJobStatuses
	}
	return c.jobs.ListJobs(ctx, opts)
}

// ListBatchJobsByColumn returns the column's batch jobs, newest first
func (c *Controller) ListBatchJobsByColumn(ctx context.Context, columnID string, activeOnly bool) ([]*models.BatchEnrichmentJob, error) {
	opts := &interfaces.BatchJobListOptions{TargetColumnID: columnID}
	if activeOnly {
		opts.Statuses = models.ActiveBatchJobStatuses
	}
	return c.batchJobs.ListBatchJobs(ctx, opts)
}

// JobProgress derives progress from the stored job record
func (c *Controller) JobProgress(ctx context.Context, id string) (*models.JobProgress, error) {
	job, err := c.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	progress := job.Progress()
	return &progress, nil
}

// CancelJob cancels a synchronous or batch job and clears its in-flight
// cells. Cancelling a finished job only repeats the reset.
func (c *Controller) CancelJob(ctx context.Context, id string) error {
	now := time.Now()

	job, err := c.jobs.GetJob(ctx, id)
	if err == nil {
		_, err = c.jobs.UpdateJob(ctx, id, func(j *models.EnrichmentJob) error {
			j.Finish(models.JobStatusCancelled, now)
			return nil
		})
		if err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		c.resetJobCells(ctx, job.TableID, job.ConfigID, job.TargetColumnID, job.ID, job.RowIDs)
		c.logger.Info().Str("job_id", id).Msg("Enrichment job cancelled")
		return nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return err
	}

	batchJob, err := c.batchJobs.GetBatchJob(ctx, id)
	if err != nil {
		return err
	}
	cancelled, err := c.batchJobs.UpdateBatchJob(ctx, id, func(j *models.BatchEnrichmentJob) error {
		j.Finish(models.BatchJobStatusCancelled, "cancelled by user", now)
		return nil
	})
	if err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
		return fmt.Errorf("failed to cancel batch job: %w", err)
	}
	if err == nil {
		c.deleteInputFile(ctx, cancelled)
	}
	c.resetJobCells(ctx, batchJob.TableID, batchJob.ConfigID, batchJob.TargetColumnID, batchJob.ID, batchJob.RowIDs)
	c.logger.Info().Str("job_id", id).Msg("Batch enrichment job cancelled")
	return nil
}

// deleteInputFile removes the uploaded request file of a cancelled batch job.
// The engine skips cancelled jobs, so nothing else would delete it.
func (c *Controller) deleteInputFile(ctx context.Context, job *models.BatchEnrichmentJob) {
	provider := c.options.BatchProvider
	if job == nil || job.InputFileID == "" || provider == nil || job.Provider != provider.Name() {
		return
	}
	if err := provider.DeleteFile(ctx, job.InputFileID); err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.ID).Str("file_id", job.InputFileID).Msg("Failed to delete batch input file")
	}
}

// CancelColumn cancels every active job targeting columnID and returns how
// many were cancelled
func (c *Controller) CancelColumn(ctx context.Context, columnID string) (int, error) {
	return c.cancelActive(ctx, columnID)
}

// CancelAll cancels every active job
func (c *Controller) CancelAll(ctx context.Context) (int, error) {
	return c.cancelActive(ctx, "")
}

func (c *Controller) cancelActive(ctx context.Context, columnID string) (int, error) {
	jobs, err := c.jobs.ListJobs(ctx, &interfaces.JobListOptions{
		TargetColumnID: columnID,
		Statuses:       models.ActiveJobStatuses,
	})
	if err != nil {
		return 0, err
	}
	batchJobs, err := c.batchJobs.ListBatchJobs(ctx, &interfaces.BatchJobListOptions{
		TargetColumnID: columnID,
		Statuses:       models.ActiveBatchJobStatuses,
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	cancelled := 0
	for _, job := range jobs {
		if err := c.CancelJob(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled++
	}
	for _, job := range batchJobs {
		if err := c.CancelJob(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

// ResetStuckCells clears every in-flight cell in columnID and returns the
// number of rows rewritten. It refuses while a job is active on the column.
func (c *Controller) ResetStuckCells(ctx context.Context, tableID, columnID string) (int, error) {
	active, err := c.ListJobsByColumn(ctx, columnID, true)
	if err != nil {
		return 0, err
	}
	activeBatch, err := c.ListBatchJobsByColumn(ctx, columnID, true)
	if err != nil {
		return 0, err
	}
	if len(active) > 0 || len(activeBatch) > 0 {
		return 0, fmt.Errorf("reset %s: %w", columnID, ErrColumnBusy)
	}

	rows, err := c.rows.ListRows(ctx, tableID)
	if err != nil {
		return 0, fmt.Errorf("failed to list rows: %w", err)
	}
	rowIDs := make([]string, len(rows))
	for i, row := range rows {
		rowIDs[i] = row.ID
	}
	return c.resetter.Reset(ctx, rowbatch.ResetRequest{
		TableID:   tableID,
		RowIDs:    rowIDs,
		ColumnIDs: []string{columnID},
	})
}
