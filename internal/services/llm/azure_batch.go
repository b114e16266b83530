package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"golang.org/x/time/rate"
)

const (
	azureChatCompletionsURL = "/chat/completions"
	azureCompletionWindow   = "24h"
	maxResultLineBytes      = 16 * 1024 * 1024
)

// AzureBatchProvider talks to the Azure OpenAI Files and Batches REST API
type AzureBatchProvider struct {
	endpoint   string
	apiKey     string
	apiVersion string
	deployment string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

var _ interfaces.BatchProvider = (*AzureBatchProvider)(nil)

// AzureOption configures the AzureBatchProvider
type AzureOption func(*AzureBatchProvider)

// WithAzureHTTPClient sets a custom HTTP client
func WithAzureHTTPClient(httpClient *http.Client) AzureOption {
	return func(p *AzureBatchProvider) {
		p.httpClient = httpClient
	}
}

// NewAzureBatchProvider creates a batch provider for an Azure OpenAI resource
func NewAzureBatchProvider(config *common.AzureConfig, logger arbor.ILogger, opts ...AzureOption) (*AzureBatchProvider, error) {
	if config.Endpoint == "" || config.APIKey == "" {
		return nil, fmt.Errorf("azure endpoint and api key are required: %w", interfaces.ErrProviderNotConfigured)
	}

	p := &AzureBatchProvider{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		apiKey:     config.APIKey,
		apiVersion: config.APIVersion,
		deployment: config.Deployment,
		httpClient: &http.Client{
			Timeout: common.ParseDuration(config.Timeout, 2*time.Minute),
		},
		limiter: newLimiter(config.RateLimit),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the provider name recorded on batch jobs
func (p *AzureBatchProvider) Name() string {
	return string(ProviderAzure)
}

type azureMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type azureRequestBody struct {
	Model       string         `json:"model"`
	Messages    []azureMessage `json:"messages"`
	Temperature *float32       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

type azureRequestLine struct {
	CustomID string           `json:"custom_id"`
	Method   string           `json:"method"`
	URL      string           `json:"url"`
	Body     azureRequestBody `json:"body"`
}

// EncodeRequests renders one JSON line per request
func (p *AzureBatchProvider) EncodeRequests(requests []interfaces.BatchRequest) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	for _, req := range requests {
		model := p.deployment
		if model == "" {
			model = req.Model
		}
		line := azureRequestLine{
			CustomID: req.CustomID,
			Method:   http.MethodPost,
			URL:      azureChatCompletionsURL,
			Body: azureRequestBody{
				Model:     model,
				Messages:  []azureMessage{{Role: "user", Content: req.Prompt}},
				MaxTokens: req.MaxOutputTokens,
			},
		}
		if req.Temperature > 0 {
			temp := req.Temperature
			line.Body.Temperature = &temp
		}
		if err := encoder.Encode(line); err != nil {
			return nil, fmt.Errorf("failed to encode request %s: %w", req.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// UploadFile uploads the request file with purpose=batch
func (p *AzureBatchProvider) UploadFile(ctx context.Context, content []byte, displayName string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("failed to write purpose field: %w", err)
	}
	part, err := writer.CreateFormFile("file", displayName)
	if err != nil {
		return "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/openai/files", &body, writer.FormDataContentType(), &file); err != nil {
		return "", fmt.Errorf("failed to upload batch file: %w", err)
	}
	if file.ID == "" {
		return "", fmt.Errorf("upload response carried no file id")
	}

	p.logger.Debug().Str("file_id", file.ID).Int("bytes", len(content)).Msg("Uploaded Azure batch input file")
	return file.ID, nil
}

type azureBatch struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts *struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Line    *int   `json:"line"`
		} `json:"data"`
	} `json:"errors"`
}

// CreateBatch submits a chat completions batch over an uploaded file
func (p *AzureBatchProvider) CreateBatch(ctx context.Context, fileID string, metadata map[string]string) (*interfaces.BatchSubmission, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          azureChatCompletionsURL,
		"completion_window": azureCompletionWindow,
		"metadata":          metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch request: %w", err)
	}

	var batch azureBatch
	if err := p.doJSON(ctx, http.MethodPost, "/openai/batches", bytes.NewReader(payload), "application/json", &batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	return &interfaces.BatchSubmission{
		BatchID: batch.ID,
		Status:  models.RemoteBatchStatus(batch.Status),
	}, nil
}

// GetStatus fetches the remote batch lifecycle state
func (p *AzureBatchProvider) GetStatus(ctx context.Context, batchID string) (*interfaces.BatchStatus, error) {
	var batch azureBatch
	if err := p.doJSON(ctx, http.MethodGet, "/openai/batches/"+url.PathEscape(batchID), nil, "", &batch); err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}

	status := &interfaces.BatchStatus{
		Status:       models.RemoteBatchStatus(batch.Status),
		OutputFileID: batch.OutputFileID,
		ErrorFileID:  batch.ErrorFileID,
	}
	if batch.RequestCounts != nil {
		status.RequestCounts = &interfaces.BatchRequestCounts{
			Total:     batch.RequestCounts.Total,
			Completed: batch.RequestCounts.Completed,
			Failed:    batch.RequestCounts.Failed,
		}
	}
	if batch.Errors != nil {
		for _, e := range batch.Errors.Data {
			status.Errors = append(status.Errors, e.Message)
		}
	}
	return status, nil
}

// DownloadFile returns the raw content of a result or error file
func (p *AzureBatchProvider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := p.do(ctx, http.MethodGet, "/openai/files/"+url.PathEscape(fileID)+"/content", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return content, nil
}

// DeleteFile removes a remote file
func (p *AzureBatchProvider) DeleteFile(ctx context.Context, fileID string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/openai/files/"+url.PathEscape(fileID), nil, "")
	if err != nil {
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	resp.Body.Close()
	return nil
}

type azureResultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeResults parses a result or error file. Lines without a custom id
// cannot be attributed to a row and are skipped.
func (p *AzureBatchProvider) DecodeResults(content []byte) ([]interfaces.BatchResult, error) {
	var results []interfaces.BatchResult
	err := scanLines(content, func(line []byte) {
		var parsed azureResultLine
		if err := json.Unmarshal(line, &parsed); err != nil || parsed.CustomID == "" {
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

func (l *azureResultLine) toResult() interfaces.BatchResult {
	result := interfaces.BatchResult{CustomID: l.CustomID}
	switch {
	case l.Error != nil && l.Error.Message != "":
		result.Error = l.Error.Message
	case l.Response == nil:
		result.Error = "no response in batch result"
	case l.Response.StatusCode >= 400:
		result.Error = fmt.Sprintf("request failed with status %d", l.Response.StatusCode)
		if l.Response.Body.Error != nil && l.Response.Body.Error.Message != "" {
			result.Error = l.Response.Body.Error.Message
		}
	case len(l.Response.Body.Choices) == 0 || l.Response.Body.Choices[0].Message.Content == "":
		result.Error = ErrEmptyResponse.Error()
	default:
		result.Text = l.Response.Body.Choices[0].Message.Content
	}
	if l.Response != nil {
		result.InputTokens = l.Response.Body.Usage.PromptTokens
		result.OutputTokens = l.Response.Body.Usage.CompletionTokens
	}
	return result
}

// doJSON performs a request and decodes a JSON response into result
func (p *AzureBatchProvider) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, result interface{}) error {
	resp, err := p.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do performs a request against the resource, returning an APIError on non-2xx
func (p *AzureBatchProvider) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	reqURL := fmt.Sprintf("%s%s?api-version=%s", p.endpoint, path, url.QueryEscape(p.apiVersion))
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	p.logger.Debug().
		Str("method", method).
		Str("path", path).
		Msg("Azure OpenAI request")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
			Endpoint:   path,
		}
	}
	return resp, nil
}

// scanLines calls fn for every non-blank line of newline-delimited content
func scanLines(content []byte, fn func(line []byte)) error {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read result lines: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
