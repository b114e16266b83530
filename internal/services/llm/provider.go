package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ProviderType represents the AI provider type
type ProviderType string

const (
	// ProviderGemini uses Google Gemini API
	ProviderGemini ProviderType = "gemini"
	// ProviderClaude uses Anthropic Claude API
	ProviderClaude ProviderType = "claude"
	// ProviderAzure uses Azure OpenAI (batch only)
	ProviderAzure ProviderType = "azure"
)

// ProviderFactory routes generation requests to the provider that serves
// the requested model. Clients are created lazily on first use.
type ProviderFactory struct {
	geminiConfig *common.GeminiConfig
	claudeConfig *common.ClaudeConfig
	llmConfig    *common.LLMConfig
	logger       arbor.ILogger
	retryConfig  *RetryConfig

	geminiBaseURL string
	claudeBaseURL string

	mu            sync.Mutex
	geminiClient  *genai.Client
	claudeClient  *anthropic.Client
	geminiLimiter *rate.Limiter
	claudeLimiter *rate.Limiter
}

var _ interfaces.Generator = (*ProviderFactory)(nil)

// FactoryOption configures the ProviderFactory
type FactoryOption func(*ProviderFactory)

// WithGeminiBaseURL points the Gemini client at a custom endpoint
func WithGeminiBaseURL(baseURL string) FactoryOption {
	return func(f *ProviderFactory) {
		f.geminiBaseURL = baseURL
	}
}

// WithClaudeBaseURL points the Claude client at a custom endpoint
func WithClaudeBaseURL(baseURL string) FactoryOption {
	return func(f *ProviderFactory) {
		f.claudeBaseURL = baseURL
	}
}

// WithRetryConfig overrides the retry policy
func WithRetryConfig(config *RetryConfig) FactoryOption {
	return func(f *ProviderFactory) {
		f.retryConfig = config
	}
}

// NewProviderFactory creates a new provider factory
func NewProviderFactory(
	geminiConfig *common.GeminiConfig,
	claudeConfig *common.ClaudeConfig,
	llmConfig *common.LLMConfig,
	logger arbor.ILogger,
	opts ...FactoryOption,
) *ProviderFactory {
	f := &ProviderFactory{
		geminiConfig:  geminiConfig,
		claudeConfig:  claudeConfig,
		llmConfig:     llmConfig,
		logger:        logger,
		retryConfig:   NewDefaultRetryConfig(),
		geminiLimiter: newLimiter(geminiConfig.RateLimit),
		claudeLimiter: newLimiter(claudeConfig.RateLimit),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// newLimiter allows one request per gap; an empty or invalid gap disables limiting
func newLimiter(gap string) *rate.Limiter {
	interval := common.ParseDuration(gap, 0)
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// DetectProvider determines the provider type from a model string.
// Model strings can be:
// - "claude-haiku-4-5" -> Claude
// - "anthropic/claude-haiku-4-5" -> Claude (with prefix)
// - "gemini-2.5-flash" -> Gemini
// - "google/gemini-2.5-flash" -> Gemini (with prefix)
// - Empty string -> uses default provider from config
func (f *ProviderFactory) DetectProvider(model string) ProviderType {
	if model == "" {
		return ProviderType(f.llmConfig.DefaultProvider)
	}

	model = strings.ToLower(model)

	if strings.HasPrefix(model, "claude/") || strings.HasPrefix(model, "anthropic/") {
		return ProviderClaude
	}
	if strings.HasPrefix(model, "gemini/") || strings.HasPrefix(model, "google/") {
		return ProviderGemini
	}

	if strings.HasPrefix(model, "claude-") {
		return ProviderClaude
	}
	if strings.HasPrefix(model, "gemini-") {
		return ProviderGemini
	}

	return ProviderType(f.llmConfig.DefaultProvider)
}

// NormalizeModel removes provider prefix from model name if present
func (f *ProviderFactory) NormalizeModel(model string) string {
	prefixes := []string{"claude/", "anthropic/", "gemini/", "google/"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToLower(model), prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// GetDefaultModel returns the default model for a provider
func (f *ProviderFactory) GetDefaultModel(provider ProviderType) string {
	switch provider {
	case ProviderClaude:
		return f.claudeConfig.Model
	default:
		return f.geminiConfig.Model
	}
}

// GetGeminiClient returns a Gemini client, creating one if necessary
func (f *ProviderFactory) GetGeminiClient(ctx context.Context) (*genai.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.geminiClient != nil {
		return f.geminiClient, nil
	}
	if f.geminiConfig.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is not set: %w", interfaces.ErrProviderNotConfigured)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      f.geminiConfig.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: f.geminiBaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	f.geminiClient = client
	return client, nil
}

// GetClaudeClient returns a Claude client, creating one if necessary
func (f *ProviderFactory) GetClaudeClient() (*anthropic.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.claudeClient != nil {
		return f.claudeClient, nil
	}
	if f.claudeConfig.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is not set: %w", interfaces.ErrProviderNotConfigured)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(f.claudeConfig.APIKey),
		// Retries are handled by retry()
		option.WithMaxRetries(0),
	}
	if f.claudeBaseURL != "" {
		opts = append(opts, option.WithBaseURL(f.claudeBaseURL))
	}
	client := anthropic.NewClient(opts...)

	f.claudeClient = &client
	return f.claudeClient, nil
}

// Generate sends a single prompt to the provider serving request.Model
func (f *ProviderFactory) Generate(ctx context.Context, request *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	provider := f.DetectProvider(request.Model)
	model := f.NormalizeModel(request.Model)
	if model == "" {
		model = f.GetDefaultModel(provider)
	}

	f.logger.Debug().
		Str("provider", string(provider)).
		Str("model", model).
		Int("prompt_length", len(request.Prompt)).
		Msg("Generating content with provider")

	start := time.Now()
	var (
		result *interfaces.GenerateResult
		err    error
	)
	switch provider {
	case ProviderClaude:
		result, err = f.generateWithClaude(ctx, request, model)
	default:
		provider = ProviderGemini
		result, err = f.generateWithGemini(ctx, request, model)
	}
	if err != nil {
		return nil, &ProviderError{Provider: provider, Model: model, Err: err}
	}

	result.Model = model
	result.TimeTakenMs = time.Since(start).Milliseconds()
	return result, nil
}

// generateWithClaude generates content using Claude API
func (f *ProviderFactory) generateWithClaude(ctx context.Context, request *interfaces.GenerateRequest, model string) (*interfaces.GenerateResult, error) {
	client, err := f.GetClaudeClient()
	if err != nil {
		return nil, err
	}

	maxTokens := request.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = f.claudeConfig.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)),
		},
	}

	temp := request.Temperature
	if temp <= 0 {
		temp = f.claudeConfig.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}

	var resp *anthropic.Message
	err = retry(ctx, f.logger, f.retryConfig, "Claude", func() error {
		if err := f.claudeLimiter.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		resp, callErr = client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("Claude API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	return &interfaces.GenerateResult{
		Text:         text.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Truncated:    resp.StopReason == anthropic.StopReasonMaxTokens,
	}, nil
}

// generateWithGemini generates content using Gemini API
func (f *ProviderFactory) generateWithGemini(ctx context.Context, request *interfaces.GenerateRequest, model string) (*interfaces.GenerateResult, error) {
	client, err := f.GetGeminiClient(ctx)
	if err != nil {
		return nil, err
	}

	temp := request.Temperature
	if temp <= 0 {
		temp = f.geminiConfig.Temperature
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if request.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxOutputTokens)
	}

	var resp *genai.GenerateContentResponse
	err = retry(ctx, f.logger, f.retryConfig, "Gemini", func() error {
		if err := f.geminiLimiter.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		resp, callErr = client.Models.GenerateContent(ctx, model, genai.Text(request.Prompt), config)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	responseText := resp.Text()
	if responseText == "" {
		return nil, ErrEmptyResponse
	}

	result := &interfaces.GenerateResult{
		Text:      responseText,
		Truncated: resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens,
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// Close releases provider clients
func (f *ProviderFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.geminiClient = nil
	f.claudeClient = nil
	return nil
}
