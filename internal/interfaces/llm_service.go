package interfaces

import (
	"context"
	"errors"
)

// ErrProviderNotConfigured is returned when a provider has no credentials.
// Engines treat it as fatal to the job rather than a per-row failure.
var ErrProviderNotConfigured = errors.New("AI provider not configured")

// GenerateRequest is a single prompt sent to a generative model
type GenerateRequest struct {
	Prompt          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
}

// GenerateResult is the generated text plus usage accounting
type GenerateResult struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	TimeTakenMs  int64
	// Truncated is set when the provider stopped at the output token limit
	Truncated bool
}

// Generator is the synchronous AI provider gateway.
// Implementations fail with a provider error on non-2xx or empty responses.
type Generator interface {
	Generate(ctx context.Context, request *GenerateRequest) (*GenerateResult, error)
}

// Pricer converts token usage into a dollar cost
type Pricer interface {
	Cost(model string, inputTokens, outputTokens int) float64
	// MaxOutputTokensWithin returns how many output tokens fit in budget
	// after paying for inputTokens. Zero or less means the input alone
	// exceeds the budget.
	MaxOutputTokensWithin(model string, inputTokens int, budget float64) int
}
