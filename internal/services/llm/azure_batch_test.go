package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

func newTestAzure(t *testing.T, handler http.HandlerFunc) *AzureBatchProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewAzureBatchProvider(&common.AzureConfig{
		Endpoint:   server.URL + "/",
		APIKey:     "azure-key",
		APIVersion: "2024-10-21",
		Deployment: "gpt-4o-mini-batch",
	}, arbor.NewLogger())
	require.NoError(t, err)
	return provider
}

func TestNewAzureBatchProvider_RequiresCredentials(t *testing.T) {
	_, err := NewAzureBatchProvider(&common.AzureConfig{Endpoint: "https://x.openai.azure.com"}, arbor.NewLogger())
	assert.ErrorIs(t, err, interfaces.ErrProviderNotConfigured)
}

func TestAzureEncodeRequests(t *testing.T) {
	provider := newTestAzure(t, func(w http.ResponseWriter, r *http.Request) {})

	content, err := provider.EncodeRequests([]interfaces.BatchRequest{
		{CustomID: "row-0", Prompt: "Describe <Acme> & co", Model: "ignored", Temperature: 0.3, MaxOutputTokens: 100},
		{CustomID: "row-1", Prompt: "Second"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "<Acme> & co")

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "row-0", first["custom_id"])
	assert.Equal(t, "POST", first["method"])
	assert.Equal(t, "/chat/completions", first["url"])

	body := first["body"].(map[string]interface{})
	assert.Equal(t, "gpt-4o-mini-batch", body["model"])
	assert.Equal(t, float64(100), body["max_tokens"])
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]interface{})["role"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	secondBody := second["body"].(map[string]interface{})
	assert.NotContains(t, secondBody, "temperature")
	assert.NotContains(t, secondBody, "max_tokens")
}

func TestAzureLifecycle(t *testing.T) {
	var uploaded string
	provider := newTestAzure(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))
		assert.Equal(t, "2024-10-21", r.URL.Query().Get("api-version"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/openai/files":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "batch", r.FormValue("purpose"))
			file, header, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			uploaded = string(data)
			assert.Equal(t, "bjob_1.jsonl", header.Filename)
			_, _ = w.Write([]byte(`{"id": "file-in"}`))

		case r.Method == http.MethodPost && r.URL.Path == "/openai/batches":
			var payload map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "file-in", payload["input_file_id"])
			assert.Equal(t, "24h", payload["completion_window"])
			_, _ = w.Write([]byte(`{"id": "batch-1", "status": "validating"}`))

		case r.Method == http.MethodGet && r.URL.Path == "/openai/batches/batch-1":
			_, _ = w.Write([]byte(`{
				"id": "batch-1",
				"status": "completed",
				"output_file_id": "file-out",
				"error_file_id": "file-err",
				"request_counts": {"total": 2, "completed": 1, "failed": 1}
			}`))

		case r.Method == http.MethodGet && r.URL.Path == "/openai/files/file-out/content":
			_, _ = w.Write([]byte(`{"custom_id":"row-0","response":{"status_code":200,"body":{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}}}` + "\n"))

		case r.Method == http.MethodDelete && r.URL.Path == "/openai/files/file-in":
			_, _ = w.Write([]byte(`{"id": "file-in", "deleted": true}`))

		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"message": "not found"}}`))
		}
	})
	ctx := context.Background()

	fileID, err := provider.UploadFile(ctx, []byte("line\n"), "bjob_1.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "file-in", fileID)
	assert.Equal(t, "line\n", uploaded)

	submission, err := provider.CreateBatch(ctx, fileID, map[string]string{"job_id": "bjob_1"})
	require.NoError(t, err)
	assert.Equal(t, "batch-1", submission.BatchID)
	assert.Equal(t, models.RemoteStatusValidating, submission.Status)

	status, err := provider.GetStatus(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, models.RemoteStatusCompleted, status.Status)
	assert.Equal(t, "file-out", status.OutputFileID)
	assert.Equal(t, "file-err", status.ErrorFileID)
	require.NotNil(t, status.RequestCounts)
	assert.Equal(t, 1, status.RequestCounts.Failed)

	content, err := provider.DownloadFile(ctx, "file-out")
	require.NoError(t, err)
	results, err := provider.DecodeResults(content)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hi", results[0].Text)

	assert.NoError(t, provider.DeleteFile(ctx, "file-in"))

	err = provider.DeleteFile(ctx, "file-missing")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestAzureDecodeResults(t *testing.T) {
	provider := newTestAzure(t, func(w http.ResponseWriter, r *http.Request) {})

	content := strings.Join([]string{
		`{"custom_id":"row-0","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"ceo\":\"Ada\"}"}}],"usage":{"prompt_tokens":20,"completion_tokens":4}}}}`,
		``,
		`{"custom_id":"row-1","response":{"status_code":400,"body":{"error":{"message":"content filtered"}}}}`,
		`{"custom_id":"row-2","response":null,"error":{"code":"server_error","message":"internal failure"}}`,
		`{"custom_id":"row-3","response":{"status_code":200,"body":{"choices":[]}}}`,
		`not json`,
		`{"response":{"status_code":200}}`,
	}, "\n")

	results, err := provider.DecodeResults([]byte(content))
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, interfaces.BatchResult{CustomID: "row-0", Text: `{"ceo":"Ada"}`, InputTokens: 20, OutputTokens: 4}, results[0])
	assert.Equal(t, "content filtered", results[1].Error)
	assert.Equal(t, "internal failure", results[2].Error)
	assert.Equal(t, ErrEmptyResponse.Error(), results[3].Error)
}
