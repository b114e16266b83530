// -----------------------------------------------------------------------
// Batch Enrichment Job - provider-side batch submission record
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchJobStatus is the internal lifecycle of a batch enrichment job
type BatchJobStatus string

const (
	BatchJobStatusPending     BatchJobStatus = "pending"
	BatchJobStatusUploading   BatchJobStatus = "uploading"
	BatchJobStatusSubmitted   BatchJobStatus = "submitted"
	BatchJobStatusProcessing  BatchJobStatus = "processing"
	BatchJobStatusDownloading BatchJobStatus = "downloading"
	BatchJobStatusComplete    BatchJobStatus = "complete"
	BatchJobStatusError       BatchJobStatus = "error"
	BatchJobStatusCancelled   BatchJobStatus = "cancelled"
)

// IsTerminal reports whether the batch job is finished
func (s BatchJobStatus) IsTerminal() bool {
	return s == BatchJobStatusComplete || s == BatchJobStatusError || s == BatchJobStatusCancelled
}

// ActiveBatchJobStatuses lists the non-terminal statuses
var ActiveBatchJobStatuses = []BatchJobStatus{
	BatchJobStatusPending,
	BatchJobStatusUploading,
	BatchJobStatusSubmitted,
	BatchJobStatusProcessing,
	BatchJobStatusDownloading,
}

// RemoteBatchStatus mirrors the batch provider's lifecycle. It is kept
// separate from BatchJobStatus; the provider has no notion of uploading or
// downloading, and the job has no notion of validating or finalizing.
type RemoteBatchStatus string

const (
	RemoteStatusValidating RemoteBatchStatus = "validating"
	RemoteStatusInProgress RemoteBatchStatus = "in_progress"
	RemoteStatusFinalizing RemoteBatchStatus = "finalizing"
	RemoteStatusCompleted  RemoteBatchStatus = "completed"
	RemoteStatusFailed     RemoteBatchStatus = "failed"
	RemoteStatusExpired    RemoteBatchStatus = "expired"
	RemoteStatusCancelling RemoteBatchStatus = "cancelling"
	RemoteStatusCancelled  RemoteBatchStatus = "cancelled"
)

// ReconcileStatus maps a remote status onto the job status it implies.
//
//	validating, in_progress, finalizing -> processing
//	completed                           -> downloading (results still to apply)
//	failed, expired                     -> error
//	cancelling, cancelled               -> cancelled
//
// Unknown values are treated as in progress.
func ReconcileStatus(remote RemoteBatchStatus) BatchJobStatus {
	switch remote {
	case RemoteStatusCompleted:
		return BatchJobStatusDownloading
	case RemoteStatusFailed, RemoteStatusExpired:
		return BatchJobStatusError
	case RemoteStatusCancelling, RemoteStatusCancelled:
		return BatchJobStatusCancelled
	default:
		return BatchJobStatusProcessing
	}
}

// RowMapping pairs an internal row with the provider's per-line correlation id
type RowMapping struct {
	RowID    string `json:"row_id"`
	CustomID string `json:"custom_id"`
}

// BatchEnrichmentJob tracks one remote batch submission
type BatchEnrichmentJob struct {
	ID                string            `json:"id"`
	TableID           string            `json:"table_id"`
	ConfigID          string            `json:"config_id"`
	TargetColumnID    string            `json:"target_column_id"`
	Provider          string            `json:"provider"`
	RowIDs            []string          `json:"row_ids"`
	RowMappings       []RowMapping      `json:"row_mappings"`
	BatchID           string            `json:"batch_id,omitempty"`
	InputFileID       string            `json:"input_file_id,omitempty"`
	OutputFileID      string            `json:"output_file_id,omitempty"`
	ErrorFileID       string            `json:"error_file_id,omitempty"`
	RemoteStatus      RemoteBatchStatus `json:"remote_status,omitempty"`
	Status            BatchJobStatus    `json:"status"`
	TotalRows         int               `json:"total_rows"`
	ProcessedCount    int               `json:"processed_count"`
	SuccessCount      int               `json:"success_count"`
	ErrorCount        int               `json:"error_count"`
	OrphanCount       int               `json:"orphan_count"`
	TotalCost         float64           `json:"total_cost"`
	TotalInputTokens  int               `json:"total_input_tokens"`
	TotalOutputTokens int               `json:"total_output_tokens"`
	LastError         string            `json:"last_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	SubmittedAt       *time.Time        `json:"submitted_at,omitempty"`
	LastPolledAt      *time.Time        `json:"last_polled_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// NewBatchEnrichmentJob creates a pending batch job over rowIDs
func NewBatchEnrichmentJob(tableID, configID, targetColumnID, provider string, rowIDs []string) *BatchEnrichmentJob {
	now := time.Now()
	ids := make([]string, len(rowIDs))
	copy(ids, rowIDs)
	return &BatchEnrichmentJob{
		ID:             "bjob_" + uuid.New().String(),
		TableID:        tableID,
		ConfigID:       configID,
		TargetColumnID: targetColumnID,
		Provider:       provider,
		RowIDs:         ids,
		Status:         BatchJobStatusPending,
		TotalRows:      len(ids),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CustomIDForIndex returns the correlation id for the row at index
func CustomIDForIndex(index int) string {
	return fmt.Sprintf("row-%d", index)
}

// MappedRowIDs returns every row id in the mapping, in submission order
func (j *BatchEnrichmentJob) MappedRowIDs() []string {
	ids := make([]string, 0, len(j.RowMappings))
	for _, m := range j.RowMappings {
		ids = append(ids, m.RowID)
	}
	return ids
}

// RowsByCustomID indexes the mapping by correlation id
func (j *BatchEnrichmentJob) RowsByCustomID() map[string]string {
	index := make(map[string]string, len(j.RowMappings))
	for _, m := range j.RowMappings {
		index[m.CustomID] = m.RowID
	}
	return index
}

// Finish moves the batch job to a terminal status and stamps CompletedAt
func (j *BatchEnrichmentJob) Finish(status BatchJobStatus, lastError string, now time.Time) {
	j.Status = status
	if lastError != "" {
		j.LastError = lastError
	}
	j.UpdatedAt = now
	t := now
	j.CompletedAt = &t
}
