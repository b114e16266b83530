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

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.EnrichmentJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.EnrichmentJob, error) {
	var job models.EnrichmentJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.EnrichmentJob, error) {
	query := jobQuery(opts)

	var jobs []models.EnrichmentJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	result := make([]*models.EnrichmentJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// UpdateJob applies mutate to the stored job inside one transaction.
// Errors returned by mutate abort the update and are passed through.
func (s *JobStorage) UpdateJob(ctx context.Context, id string, mutate func(job *models.EnrichmentJob) error) (*models.EnrichmentJob, error) {
	var updated models.EnrichmentJob
	err := s.db.update(func(tx *badgerdb.Txn) error {
		var job models.EnrichmentJob
		if err := s.db.Store().TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("job %s: %w", id, interfaces.ErrNotFound)
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

func jobQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
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
