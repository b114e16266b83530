// -----------------------------------------------------------------------
// Cell values - the per-column document owned by a row
// -----------------------------------------------------------------------

package models

// CellStatus represents the enrichment state of a single cell
type CellStatus string

const (
	CellStatusNone            CellStatus = ""
	CellStatusPending         CellStatus = "pending"
	CellStatusProcessing      CellStatus = "processing"
	CellStatusComplete        CellStatus = "complete"
	CellStatusError           CellStatus = "error"
	CellStatusBatchSubmitted  CellStatus = "batch_submitted"
	CellStatusBatchProcessing CellStatus = "batch_processing"
)

// IsInFlight reports whether the cell is waiting on a job that may never finish.
// These are the statuses reset by cancellation and stale-job recovery.
func (s CellStatus) IsInFlight() bool {
	switch s {
	case CellStatusPending, CellStatusProcessing, CellStatusBatchSubmitted, CellStatusBatchProcessing:
		return true
	default:
		return false
	}
}

// CellMetadata carries token and cost accounting for an AI-produced cell
type CellMetadata struct {
	InputTokens         int     `json:"inputTokens"`
	OutputTokens        int     `json:"outputTokens"`
	TimeTakenMs         int64   `json:"timeTakenMs"`
	TotalCost           float64 `json:"totalCost"`
	ForcedToFinishEarly bool    `json:"forcedToFinishEarly,omitempty"`
}

// CellValue is the value stored for one column of one row.
// Status and Value/Error are kept consistent by the constructors below:
// an error cell never carries a value and a complete cell never carries an error.
type CellValue struct {
	Value          interface{}            `json:"value"`
	Status         CellStatus             `json:"status,omitempty"`
	EnrichmentData map[string]interface{} `json:"enrichmentData,omitempty"`
	RawResponse    string                 `json:"rawResponse,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Metadata       *CellMetadata          `json:"metadata,omitempty"`
	JobID          string                 `json:"jobId,omitempty"` // Job that last wrote this cell
}

// NewCompleteCell builds a complete cell holding value
func NewCompleteCell(value interface{}, jobID string) CellValue {
	return CellValue{
		Value:  value,
		Status: CellStatusComplete,
		JobID:  jobID,
	}
}

// NewErrorCell builds an error cell; the value is always nil
func NewErrorCell(message string, jobID string) CellValue {
	return CellValue{
		Value:  nil,
		Status: CellStatusError,
		Error:  message,
		JobID:  jobID,
	}
}

// NewStatusCell builds a placeholder cell for an in-flight status, keeping
// the previous value visible while the job runs.
func NewStatusCell(previous CellValue, status CellStatus, jobID string) CellValue {
	cell := CellValue{
		Value:  previous.Value,
		Status: status,
		JobID:  jobID,
	}
	if previous.Status == CellStatusError {
		cell.Value = nil
	}
	return cell
}

// CellMap is a row's cell document keyed by column ID
type CellMap map[string]CellValue

// Clone returns a shallow copy of the map so callers can patch it without
// mutating the row they loaded.
func (m CellMap) Clone() CellMap {
	out := make(CellMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
