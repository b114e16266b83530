package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellValue_JSONRoundTrip(t *testing.T) {
	original := CellValue{
		Value:  "Acme Corp",
		Status: CellStatusComplete,
		EnrichmentData: map[string]interface{}{
			"company":   "Acme Corp",
			"employees": float64(120),
			"website":   nil,
		},
		RawResponse: `{"company":"Acme Corp","employees":120,"website":null}`,
		Metadata: &CellMetadata{
			InputTokens:  412,
			OutputTokens: 37,
			TimeTakenMs:  1830,
			TotalCost:    0.000219,
		},
		JobID: "job_1",
	}

	data, err := json.Marshal(CellMap{"col_1": original})
	require.NoError(t, err)

	var decoded CellMap
	require.NoError(t, json.Unmarshal(data, &decoded))

	got := decoded["col_1"]
	assert.Equal(t, original.Value, got.Value)
	assert.Equal(t, original.Status, got.Status)
	assert.Equal(t, original.EnrichmentData, got.EnrichmentData)
	assert.Equal(t, original.Metadata, got.Metadata)
	assert.Equal(t, original.RawResponse, got.RawResponse)
}

func TestCellValue_WireFieldNames(t *testing.T) {
	data, err := json.Marshal(CellValue{
		Value:          nil,
		Status:         CellStatusError,
		Error:          "timeout",
		EnrichmentData: map[string]interface{}{"a": "b"},
		Metadata:       &CellMetadata{ForcedToFinishEarly: true},
	})
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"value":null`)
	assert.Contains(t, s, `"enrichmentData"`)
	assert.Contains(t, s, `"forcedToFinishEarly":true`)
	assert.Contains(t, s, `"error":"timeout"`)
}

func TestCellConstructors_StatusConsistency(t *testing.T) {
	errCell := NewErrorCell("provider failed", "job_1")
	assert.Nil(t, errCell.Value)
	assert.Equal(t, CellStatusError, errCell.Status)

	ok := NewCompleteCell("42", "job_1")
	assert.Empty(t, ok.Error)
	assert.Equal(t, CellStatusComplete, ok.Status)

	// An in-flight placeholder keeps the old value but never an old error value
	pending := NewStatusCell(ok, CellStatusPending, "job_2")
	assert.Equal(t, "42", pending.Value)
	assert.Equal(t, "job_2", pending.JobID)

	fromErr := NewStatusCell(errCell, CellStatusProcessing, "job_2")
	assert.Nil(t, fromErr.Value)
	assert.Empty(t, fromErr.Error)
}

func TestCellStatus_IsInFlight(t *testing.T) {
	tests := []struct {
		status CellStatus
		want   bool
	}{
		{CellStatusNone, false},
		{CellStatusPending, true},
		{CellStatusProcessing, true},
		{CellStatusBatchSubmitted, true},
		{CellStatusBatchProcessing, true},
		{CellStatusComplete, false},
		{CellStatusError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsInFlight())
		})
	}
}

func TestCellMap_CloneIsIndependent(t *testing.T) {
	m := CellMap{"a": NewCompleteCell("x", "")}
	c := m.Clone()
	c["b"] = NewCompleteCell("y", "")
	delete(c, "a")

	assert.Len(t, m, 1)
	assert.Contains(t, m, "a")
}
