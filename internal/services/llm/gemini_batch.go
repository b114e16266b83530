package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"google.golang.org/genai"
)

// GeminiBatchProvider runs batches through the Gemini Batch API using an
// uploaded JSONL file as the source
type GeminiBatchProvider struct {
	factory *ProviderFactory
	logger  arbor.ILogger
}

var _ interfaces.BatchProvider = (*GeminiBatchProvider)(nil)

// NewGeminiBatchProvider creates a batch provider sharing the factory's Gemini client
func NewGeminiBatchProvider(factory *ProviderFactory, logger arbor.ILogger) *GeminiBatchProvider {
	return &GeminiBatchProvider{
		factory: factory,
		logger:  logger,
	}
}

// Name returns the provider name recorded on batch jobs
func (p *GeminiBatchProvider) Name() string {
	return string(ProviderGemini)
}

type geminiRequestLine struct {
	Key     string               `json:"key"`
	Request geminiRequestPayload `json:"request"`
}

type geminiRequestPayload struct {
	Contents         []*genai.Content        `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// EncodeRequests renders one keyed GenerateContentRequest per line
func (p *GeminiBatchProvider) EncodeRequests(requests []interfaces.BatchRequest) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	for _, req := range requests {
		line := geminiRequestLine{
			Key: req.CustomID,
			Request: geminiRequestPayload{
				Contents: []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)},
			},
		}
		if req.Temperature > 0 || req.MaxOutputTokens > 0 {
			config := &geminiGenerationConfig{MaxOutputTokens: req.MaxOutputTokens}
			if req.Temperature > 0 {
				temp := req.Temperature
				config.Temperature = &temp
			}
			line.Request.GenerationConfig = config
		}
		if err := encoder.Encode(line); err != nil {
			return nil, fmt.Errorf("failed to encode request %s: %w", req.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// UploadFile uploads the JSONL source file
func (p *GeminiBatchProvider) UploadFile(ctx context.Context, content []byte, displayName string) (string, error) {
	client, err := p.factory.GetGeminiClient(ctx)
	if err != nil {
		return "", err
	}
	file, err := client.Files.Upload(ctx, bytes.NewReader(content), &genai.UploadFileConfig{
		MIMEType:    "application/jsonl",
		DisplayName: displayName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload batch file: %w", err)
	}

	p.logger.Debug().Str("file_id", file.Name).Int("bytes", len(content)).Msg("Uploaded Gemini batch input file")
	return file.Name, nil
}

// CreateBatch creates a batch job. The model is taken from metadata["model"]
// because Gemini binds the model to the batch rather than to each line.
func (p *GeminiBatchProvider) CreateBatch(ctx context.Context, fileID string, metadata map[string]string) (*interfaces.BatchSubmission, error) {
	client, err := p.factory.GetGeminiClient(ctx)
	if err != nil {
		return nil, err
	}

	model := p.factory.NormalizeModel(metadata["model"])
	if model == "" {
		model = p.factory.GetDefaultModel(ProviderGemini)
	}

	job, err := client.Batches.Create(ctx, model, &genai.BatchJobSource{FileName: fileID}, &genai.CreateBatchJobConfig{
		DisplayName: metadata["job_id"],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	return &interfaces.BatchSubmission{
		BatchID: job.Name,
		Status:  mapGeminiJobState(job.State),
	}, nil
}

// GetStatus fetches the batch and maps its state onto the remote lifecycle
func (p *GeminiBatchProvider) GetStatus(ctx context.Context, batchID string) (*interfaces.BatchStatus, error) {
	client, err := p.factory.GetGeminiClient(ctx)
	if err != nil {
		return nil, err
	}
	job, err := client.Batches.Get(ctx, batchID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return geminiBatchStatus(job), nil
}

func geminiBatchStatus(job *genai.BatchJob) *interfaces.BatchStatus {
	status := &interfaces.BatchStatus{Status: mapGeminiJobState(job.State)}
	if job.Dest != nil {
		status.OutputFileID = job.Dest.FileName
	}
	if job.Error != nil && job.Error.Message != "" {
		status.Errors = append(status.Errors, job.Error.Message)
	}
	return status
}

// mapGeminiJobState maps genai job states onto the remote lifecycle enum
func mapGeminiJobState(state genai.JobState) models.RemoteBatchStatus {
	switch state {
	case genai.JobStateQueued, genai.JobStatePending, genai.JobStateUnspecified:
		return models.RemoteStatusValidating
	case genai.JobStateSucceeded, genai.JobStatePartiallySucceeded:
		return models.RemoteStatusCompleted
	case genai.JobStateFailed:
		return models.RemoteStatusFailed
	case genai.JobStateExpired:
		return models.RemoteStatusExpired
	case genai.JobStateCancelling:
		return models.RemoteStatusCancelling
	case genai.JobStateCancelled:
		return models.RemoteStatusCancelled
	default:
		return models.RemoteStatusInProgress
	}
}

// DownloadFile downloads a result file by resource name
func (p *GeminiBatchProvider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	client, err := p.factory.GetGeminiClient(ctx)
	if err != nil {
		return nil, err
	}
	content, err := client.Files.Download(ctx, genai.NewDownloadURIFromFile(&genai.File{DownloadURI: fileID}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	return content, nil
}

// DeleteFile removes a remote file
func (p *GeminiBatchProvider) DeleteFile(ctx context.Context, fileID string) error {
	client, err := p.factory.GetGeminiClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Files.Delete(ctx, fileID, nil); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	return nil
}

type geminiStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type geminiResultLine struct {
	Key      string                         `json:"key"`
	Response *genai.GenerateContentResponse `json:"response"`
	Error    *geminiStatus                  `json:"error"`
	Status   *geminiStatus                  `json:"status"`
}

// DecodeResults parses the keyed JSONL result file
func (p *GeminiBatchProvider) DecodeResults(content []byte) ([]interfaces.BatchResult, error) {
	var results []interfaces.BatchResult
	err := scanLines(content, func(line []byte) {
		var parsed geminiResultLine
		if err := json.Unmarshal(line, &parsed); err != nil || parsed.Key == "" {
			p.logger.Warn().Str("line", truncate(string(line), 200)).Msg("Skipping unreadable batch result line")
			return
		}
		results = append(results, parsed.toResult())
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (l *geminiResultLine) toResult() interfaces.BatchResult {
	result := interfaces.BatchResult{CustomID: l.Key}
	switch {
	case l.Error != nil && l.Error.Message != "":
		result.Error = l.Error.Message
	case l.Status != nil && l.Status.Message != "":
		result.Error = l.Status.Message
	case l.Response == nil || len(l.Response.Candidates) == 0:
		result.Error = ErrEmptyResponse.Error()
	default:
		result.Text = l.Response.Text()
		if result.Text == "" {
			result.Error = ErrEmptyResponse.Error()
		}
	}
	if l.Response != nil && l.Response.UsageMetadata != nil {
		result.InputTokens = int(l.Response.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(l.Response.UsageMetadata.CandidatesTokenCount)
	}
	return result
}
