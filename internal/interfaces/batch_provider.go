package interfaces

import (
	"context"

	"github.com/ternarybob/enrich/internal/models"
)

// BatchRequest is one line of a provider batch submission
type BatchRequest struct {
	CustomID        string
	Prompt          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
}

// BatchSubmission is returned when a remote batch is created
type BatchSubmission struct {
	BatchID string
	Status  models.RemoteBatchStatus
}

// BatchRequestCounts reports per-line progress where the provider exposes it
type BatchRequestCounts struct {
	Total     int
	Completed int
	Failed    int
}

// BatchStatus is the provider's view of a remote batch
type BatchStatus struct {
	Status        models.RemoteBatchStatus
	OutputFileID  string
	ErrorFileID   string
	RequestCounts *BatchRequestCounts
	Errors        []string
}

// BatchResult is one decoded line of a result or error file
type BatchResult struct {
	CustomID     string
	Text         string
	InputTokens  int
	OutputTokens int
	Error        string
}

// BatchProvider is the asynchronous half of the AI provider gateway.
// DeleteFile is best-effort and callers treat its errors as warnings.
type BatchProvider interface {
	Name() string
	EncodeRequests(requests []BatchRequest) ([]byte, error)
	UploadFile(ctx context.Context, content []byte, displayName string) (string, error)
	CreateBatch(ctx context.Context, fileID string, metadata map[string]string) (*BatchSubmission, error)
	GetStatus(ctx context.Context, batchID string) (*BatchStatus, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	DeleteFile(ctx context.Context, fileID string) error
	DecodeResults(content []byte) ([]BatchResult, error)
}
