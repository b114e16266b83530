package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
	"google.golang.org/genai"
)

func TestGeminiEncodeRequests(t *testing.T) {
	provider := NewGeminiBatchProvider(newTestFactory(t), arbor.NewLogger())

	content, err := provider.EncodeRequests([]interfaces.BatchRequest{
		{CustomID: "row-0", Prompt: "Who founded Acme?", Temperature: 0.4, MaxOutputTokens: 50},
		{CustomID: "row-1", Prompt: "Plain"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)

	var first struct {
		Key     string `json:"key"`
		Request struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			GenerationConfig map[string]interface{} `json:"generationConfig"`
		} `json:"request"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "row-0", first.Key)
	require.Len(t, first.Request.Contents, 1)
	assert.Equal(t, "user", first.Request.Contents[0].Role)
	assert.Equal(t, "Who founded Acme?", first.Request.Contents[0].Parts[0].Text)
	assert.Equal(t, float64(50), first.Request.GenerationConfig["maxOutputTokens"])

	assert.NotContains(t, lines[1], "generationConfig")
}

func TestGeminiDecodeResults(t *testing.T) {
	provider := NewGeminiBatchProvider(newTestFactory(t), arbor.NewLogger())

	content := strings.Join([]string{
		`{"key":"row-0","response":{"candidates":[{"content":{"role":"model","parts":[{"text":"Ada"}]}}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1}}}`,
		`{"key":"row-1","error":{"code":3,"message":"invalid request"}}`,
		`{"key":"row-2","response":{"candidates":[]}}`,
		`garbage`,
	}, "\n")

	results, err := provider.DecodeResults([]byte(content))
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, interfaces.BatchResult{CustomID: "row-0", Text: "Ada", InputTokens: 9, OutputTokens: 1}, results[0])
	assert.Equal(t, "invalid request", results[1].Error)
	assert.Equal(t, ErrEmptyResponse.Error(), results[2].Error)
}

func TestMapGeminiJobState(t *testing.T) {
	tests := map[genai.JobState]models.RemoteBatchStatus{
		genai.JobStateQueued:             models.RemoteStatusValidating,
		genai.JobStatePending:            models.RemoteStatusValidating,
		genai.JobStateRunning:            models.RemoteStatusInProgress,
		genai.JobStateUpdating:           models.RemoteStatusInProgress,
		genai.JobStateSucceeded:          models.RemoteStatusCompleted,
		genai.JobStatePartiallySucceeded: models.RemoteStatusCompleted,
		genai.JobStateFailed:             models.RemoteStatusFailed,
		genai.JobStateExpired:            models.RemoteStatusExpired,
		genai.JobStateCancelling:         models.RemoteStatusCancelling,
		genai.JobStateCancelled:          models.RemoteStatusCancelled,
	}
	for state, want := range tests {
		assert.Equal(t, want, mapGeminiJobState(state), string(state))
	}
}

func TestGeminiBatchStatus(t *testing.T) {
	status := geminiBatchStatus(&genai.BatchJob{
		Name:  "batches/1",
		State: genai.JobStateFailed,
		Error: &genai.JobError{Message: "quota exceeded"},
		Dest:  &genai.BatchJobDestination{FileName: "files/out"},
	})
	assert.Equal(t, models.RemoteStatusFailed, status.Status)
	assert.Equal(t, "files/out", status.OutputFileID)
	assert.Equal(t, []string{"quota exceeded"}, status.Errors)
}
