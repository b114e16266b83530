package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// AdmissionStorage implements the AdmissionStorage interface for Badger.
// Sync and batch jobs live in the same store, so one transaction covers
// both kinds when a column is re-enriched.
type AdmissionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAdmissionStorage creates a new AdmissionStorage instance
func NewAdmissionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AdmissionStorage {
	return &AdmissionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AdmissionStorage) AdmitJob(ctx context.Context, job *models.EnrichmentJob) (*interfaces.AdmissionResult, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	var result *interfaces.AdmissionResult
	err := s.db.update(func(tx *badgerdb.Txn) error {
		cancelled, err := s.cancelActive(tx, job.TableID, job.TargetColumnID)
		if err != nil {
			return err
		}
		if err := s.db.Store().TxUpsert(tx, job.ID, job); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		result = cancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logAdmission(job.ID, job.TargetColumnID, result)
	return result, nil
}

func (s *AdmissionStorage) AdmitBatchJob(ctx context.Context, job *models.BatchEnrichmentJob) (*interfaces.AdmissionResult, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("batch job ID is required")
	}

	var result *interfaces.AdmissionResult
	err := s.db.update(func(tx *badgerdb.Txn) error {
		cancelled, err := s.cancelActive(tx, job.TableID, job.TargetColumnID)
		if err != nil {
			return err
		}
		if err := s.db.Store().TxUpsert(tx, job.ID, job); err != nil {
			return fmt.Errorf("failed to insert batch job: %w", err)
		}
		result = cancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logAdmission(job.ID, job.TargetColumnID, result)
	return result, nil
}

// cancelActive marks every non-terminal job of either kind on the column as cancelled
func (s *AdmissionStorage) cancelActive(tx *badgerdb.Txn, tableID, columnID string) (*interfaces.AdmissionResult, error) {
	now := time.Now()
	result := &interfaces.AdmissionResult{}

	jobStatuses := make([]interface{}, len(models.ActiveJobStatuses))
	for i, status := range models.ActiveJobStatuses {
		jobStatuses[i] = status
	}
	var jobs []models.EnrichmentJob
	query := badgerhold.Where("TableID").Eq(tableID).
		And("TargetColumnID").Eq(columnID).
		And("Status").In(jobStatuses...)
	if err := s.db.Store().TxFind(tx, &jobs, query); err != nil {
		return nil, fmt.Errorf("failed to find active jobs: %w", err)
	}
	for i := range jobs {
		jobs[i].Finish(models.JobStatusCancelled, now)
		if err := s.db.Store().TxUpsert(tx, jobs[i].ID, &jobs[i]); err != nil {
			return nil, fmt.Errorf("failed to cancel job %s: %w", jobs[i].ID, err)
		}
		result.CancelledJobs = append(result.CancelledJobs, &jobs[i])
	}

	batchStatuses := make([]interface{}, len(models.ActiveBatchJobStatuses))
	for i, status := range models.ActiveBatchJobStatuses {
		batchStatuses[i] = status
	}
	var batchJobs []models.BatchEnrichmentJob
	batchQuery := badgerhold.Where("TableID").Eq(tableID).
		And("TargetColumnID").Eq(columnID).
		And("Status").In(batchStatuses...)
	if err := s.db.Store().TxFind(tx, &batchJobs, batchQuery); err != nil {
		return nil, fmt.Errorf("failed to find active batch jobs: %w", err)
	}
	for i := range batchJobs {
		batchJobs[i].Finish(models.BatchJobStatusCancelled, "superseded by a newer job", now)
		if err := s.db.Store().TxUpsert(tx, batchJobs[i].ID, &batchJobs[i]); err != nil {
			return nil, fmt.Errorf("failed to cancel batch job %s: %w", batchJobs[i].ID, err)
		}
		result.CancelledBatchJobs = append(result.CancelledBatchJobs, &batchJobs[i])
	}

	return result, nil
}

func (s *AdmissionStorage) logAdmission(jobID, columnID string, result *interfaces.AdmissionResult) {
	if result == nil {
		return
	}
	if len(result.CancelledJobs) == 0 && len(result.CancelledBatchJobs) == 0 {
		return
	}
	s.logger.Info().
		Str("job_id", jobID).
		Str("column_id", columnID).
		Int("cancelled_jobs", len(result.CancelledJobs)).
		Int("cancelled_batch_jobs", len(result.CancelledBatchJobs)).
		Msg("Cancelled active jobs on column")
}
