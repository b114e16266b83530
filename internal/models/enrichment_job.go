// -----------------------------------------------------------------------
// Enrichment Job - durable cursor-based job record
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a synchronous enrichment job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusComplete  JobStatus = "complete"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusCancelled || s == JobStatusError
}

// ActiveJobStatuses lists the non-terminal statuses
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing edges.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case JobStatusPending:
		return from == JobStatusPending
	case JobStatusRunning, JobStatusComplete, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// EnrichmentJob walks RowIDs with a persisted cursor. CurrentIndex never
// decreases and never exceeds len(RowIDs).
type EnrichmentJob struct {
	ID                string     `json:"id"`
	TableID           string     `json:"table_id"`
	ConfigID          string     `json:"config_id"`
	TargetColumnID    string     `json:"target_column_id"`
	RowIDs            []string   `json:"row_ids"`
	CurrentIndex      int        `json:"current_index"`
	Status            JobStatus  `json:"status"`
	ProcessedCount    int        `json:"processed_count"`
	ErrorCount        int        `json:"error_count"`
	TotalCost         float64    `json:"total_cost"`
	TotalInputTokens  int        `json:"total_input_tokens"`
	TotalOutputTokens int        `json:"total_output_tokens"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NewEnrichmentJob creates a pending job over rowIDs
func NewEnrichmentJob(tableID, configID, targetColumnID string, rowIDs []string) *EnrichmentJob {
	now := time.Now()
	ids := make([]string, len(rowIDs))
	copy(ids, rowIDs)
	return &EnrichmentJob{
		ID:             "job_" + uuid.New().String(),
		TableID:        tableID,
		ConfigID:       configID,
		TargetColumnID: targetColumnID,
		RowIDs:         ids,
		Status:         JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Remaining returns the number of row ids after the cursor
func (j *EnrichmentJob) Remaining() int {
	if j.CurrentIndex >= len(j.RowIDs) {
		return 0
	}
	return len(j.RowIDs) - j.CurrentIndex
}

// NextBatch slices up to size row ids starting at the cursor
func (j *EnrichmentJob) NextBatch(size int) []string {
	if size <= 0 || j.CurrentIndex >= len(j.RowIDs) {
		return nil
	}
	end := j.CurrentIndex + size
	if end > len(j.RowIDs) {
		end = len(j.RowIDs)
	}
	return j.RowIDs[j.CurrentIndex:end]
}

// ErrCursorMismatch means another invocation already advanced the cursor
var ErrCursorMismatch = errors.New("job cursor moved since batch was read")

// ProgressDelta is the outcome of one processed batch
type ProgressDelta struct {
	Attempted    int
	Processed    int
	Errors       int
	Cost         float64
	InputTokens  int
	OutputTokens int
}

// ApplyProgress advances the cursor past a batch that started at
// expectedIndex and folds in its counters. It refuses when the cursor has
// moved so a retried batch is never counted twice, and marks the job
// complete once every row id has been attempted.
func (j *EnrichmentJob) ApplyProgress(expectedIndex int, delta ProgressDelta, now time.Time) error {
	if j.CurrentIndex != expectedIndex {
		return ErrCursorMismatch
	}
	next := j.CurrentIndex + delta.Attempted
	if next > len(j.RowIDs) {
		next = len(j.RowIDs)
	}
	if next < j.CurrentIndex {
		next = j.CurrentIndex
	}
	j.CurrentIndex = next
	j.ProcessedCount += delta.Processed
	j.ErrorCount += delta.Errors
	j.TotalCost += delta.Cost
	j.TotalInputTokens += delta.InputTokens
	j.TotalOutputTokens += delta.OutputTokens
	j.UpdatedAt = now
	if j.CurrentIndex >= len(j.RowIDs) {
		j.Finish(JobStatusComplete, now)
	}
	return nil
}

// Finish moves the job to a terminal status and stamps CompletedAt
func (j *EnrichmentJob) Finish(status JobStatus, now time.Time) {
	j.Status = status
	j.UpdatedAt = now
	t := now
	j.CompletedAt = &t
}

// JobProgress is the durable view of a job's progress
type JobProgress struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Processed  int       `json:"processed"`
	Errors     int       `json:"errors"`
	Percentage float64   `json:"percentage"`
	TotalCost  float64   `json:"total_cost"`
}

// Progress derives progress from the persisted cursor and counters
func (j *EnrichmentJob) Progress() JobProgress {
	p := JobProgress{
		JobID:     j.ID,
		Status:    j.Status,
		Total:     len(j.RowIDs),
		Done:      j.CurrentIndex,
		Processed: j.ProcessedCount,
		Errors:    j.ErrorCount,
		TotalCost: j.TotalCost,
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Done) / float64(p.Total) * 100
	} else if j.Status == JobStatusComplete {
		p.Percentage = 100
	}
	return p
}
