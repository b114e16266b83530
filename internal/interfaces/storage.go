package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/enrich/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrJobTerminal is returned when a mutation targets a finished job
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// RowPatch replaces the entire cell map of one row
type RowPatch struct {
	RowID string
	Cells models.CellMap
}

// TableStorage - interface for spreadsheet table persistence
type TableStorage interface {
	SaveTable(ctx context.Context, table *models.Table) error
	GetTable(ctx context.Context, id string) (*models.Table, error)
	ListTables(ctx context.Context) ([]*models.Table, error)
}

// RowStorage - interface for row document persistence.
// GetRows silently skips ids that do not resolve, and UpdateRowCells on a
// missing row is a no-op, so deleted rows never fail a job.
type RowStorage interface {
	SaveRow(ctx context.Context, row *models.Row) error
	GetRow(ctx context.Context, id string) (*models.Row, error)
	GetRows(ctx context.Context, tableID string, rowIDs []string) ([]*models.Row, error)
	ListRows(ctx context.Context, tableID string) ([]*models.Row, error)
	UpdateRowCells(ctx context.Context, rowID string, cells models.CellMap) error
	DeleteRow(ctx context.Context, id string) error
}

// BatchRowWriter is implemented by row stores with a native multi-statement
// transport. Each call is one statement group.
type BatchRowWriter interface {
	UpdateRowCellsBatch(ctx context.Context, patches []RowPatch) error
}

// ConfigStorage - interface for enrichment config persistence
type ConfigStorage interface {
	SaveConfig(ctx context.Context, config *models.EnrichmentConfig) error
	GetConfig(ctx context.Context, id string) (*models.EnrichmentConfig, error)
	ListConfigs(ctx context.Context) ([]*models.EnrichmentConfig, error)
	DeleteConfig(ctx context.Context, id string) error
}

// JobListOptions filters job queries
type JobListOptions struct {
	TableID        string
	TargetColumnID string
	Statuses       []models.JobStatus
	Limit          int
}

// JobStorage - interface for synchronous enrichment jobs.
// UpdateJob loads the job, applies mutate and saves it in one transaction;
// it returns ErrJobTerminal without calling mutate if the stored job is finished.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.EnrichmentJob) error
	GetJob(ctx context.Context, id string) (*models.EnrichmentJob, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.EnrichmentJob, error)
	UpdateJob(ctx context.Context, id string, mutate func(job *models.EnrichmentJob) error) (*models.EnrichmentJob, error)
}

// BatchJobListOptions filters batch job queries
type BatchJobListOptions struct {
	TableID        string
	TargetColumnID string
	Statuses       []models.BatchJobStatus
	Limit          int
}

// BatchJobStorage - interface for provider-side batch jobs, same update
// contract as JobStorage.
type BatchJobStorage interface {
	SaveBatchJob(ctx context.Context, job *models.BatchEnrichmentJob) error
	GetBatchJob(ctx context.Context, id string) (*models.BatchEnrichmentJob, error)
	ListBatchJobs(ctx context.Context, opts *BatchJobListOptions) ([]*models.BatchEnrichmentJob, error)
	UpdateBatchJob(ctx context.Context, id string, mutate func(job *models.BatchEnrichmentJob) error) (*models.BatchEnrichmentJob, error)
}

// AdmissionResult lists the jobs cancelled to make room for a new one
type AdmissionResult struct {
	CancelledJobs      []*models.EnrichmentJob
	CancelledBatchJobs []*models.BatchEnrichmentJob
}

// AdmissionStorage cancels every active job on the target column and
// inserts the new job as one atomic step.
type AdmissionStorage interface {
	AdmitJob(ctx context.Context, job *models.EnrichmentJob) (*AdmissionResult, error)
	AdmitBatchJob(ctx context.Context, job *models.BatchEnrichmentJob) (*AdmissionResult, error)
}

// StorageManager - interface for managing all storage backends
type StorageManager interface {
	TableStorage() TableStorage
	RowStorage() RowStorage
	ConfigStorage() ConfigStorage
	JobStorage() JobStorage
	BatchJobStorage() BatchJobStorage
	AdmissionStorage() AdmissionStorage
	Close() error
}
