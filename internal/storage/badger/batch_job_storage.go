package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BatchJobStorage implements the BatchJobStorage interface for Badger
type BatchJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBatchJobStorage creates a new BatchJobStorage instance
func NewBatchJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchJobStorage {
	return &BatchJobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchJobStorage) SaveBatchJob(ctx context.Context, job *models.BatchEnrichmentJob) error {
	if job.ID == "" {
		return fmt.Errorf("batch job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save batch job: %w", err)
	}
	return nil
}

func (s *BatchJobStorage) GetBatchJob(ctx context.Context, id string) (*models.BatchEnrichmentJob, error) {
	var job models.BatchEnrichmentJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("batch job %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return &job, nil
}

func (s *BatchJobStorage) ListBatchJobs(ctx context.Context, opts *interfaces.BatchJobListOptions) ([]*models.BatchEnrichmentJob, error) {
	var jobs []models.BatchEnrichmentJob
	if err := s.db.Store().Find(&jobs, batchJobQuery(opts)); err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	result := make([]*models.BatchEnrichmentJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *BatchJobStorage) UpdateBatchJob(ctx context.Context, id string, mutate func(job *models.BatchEnrichmentJob) error) (*models.BatchEnrichmentJob, error) {
	var updated models.BatchEnrichmentJob
	err := s.db.update(func(tx *badgerdb.Txn) error {
		var job models.BatchEnrichmentJob
		if err := s.db.Store().TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("batch job %s: %w", id, interfaces.ErrNotFound)
			}
			return err
		}
		if job.Status.IsTerminal() {
			return interfaces.ErrJobTerminal
		}
		if err := mutate(&job); err != nil {
			return err
		}
		if err := s.db.Store().TxUpsert(tx, job.ID, &job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func batchJobQuery(opts *interfaces.BatchJobListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts == nil {
		return query.SortBy("CreatedAt").Reverse()
	}
	if opts.TableID != "" {
		query = query.And("TableID").Eq(opts.TableID)
	}
	if opts.TargetColumnID != "" {
		query = query.And("TargetColumnID").Eq(opts.TargetColumnID)
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]interface{}, len(opts.Statuses))
		for i, status := range opts.Statuses {
			statuses[i] = status
		}
		query = query.And("Status").In(statuses...)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	return query
}
