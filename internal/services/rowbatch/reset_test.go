package rowbatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/models"
)

func TestResetCells(t *testing.T) {
	tests := []struct {
		name    string
		cells   models.CellMap
		jobID   string
		want    []string // columns remaining
		changed bool
	}{
		{
			name: "removes pending and processing",
			cells: models.CellMap{
				"target": {Status: models.CellStatusProcessing, JobID: "job_1"},
				"out":    {Status: models.CellStatusPending, JobID: "job_1"},
				"input":  {Value: "Acme"},
			},
			jobID:   "job_1",
			want:    []string{"input"},
			changed: true,
		},
		{
			name: "keeps the previous value of a queued cell",
			cells: models.CellMap{
				"target": {Value: "previous answer", Status: models.CellStatusPending, JobID: "job_1"},
			},
			jobID:   "job_1",
			want:    []string{"target"},
			changed: true,
		},
		{
			name: "keeps finished cells",
			cells: models.CellMap{
				"target": {Value: "done", Status: models.CellStatusComplete, JobID: "job_1"},
				"out":    {Status: models.CellStatusError, Error: "boom", JobID: "job_1"},
			},
			jobID:   "job_1",
			want:    []string{"target", "out"},
			changed: false,
		},
		{
			name: "keeps cells owned by another job",
			cells: models.CellMap{
				"target": {Status: models.CellStatusBatchSubmitted, JobID: "bjob_new"},
			},
			jobID:   "bjob_old",
			want:    []string{"target"},
			changed: false,
		},
		{
			name: "empty job id resets every in-flight cell",
			cells: models.CellMap{
				"target": {Status: models.CellStatusBatchProcessing, JobID: "bjob_any"},
			},
			want:    []string{},
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed := ResetCells(tt.cells, []string{"target", "out"}, tt.jobID)
			assert.Equal(t, tt.changed, changed)
			assert.Len(t, out, len(tt.want))
			for _, col := range tt.want {
				assert.Contains(t, out, col)
			}
		})
	}
}

func TestResetCells_ClearsStatusKeepsValue(t *testing.T) {
	cells := models.CellMap{
		"target": {Value: "previous answer", Status: models.CellStatusPending, JobID: "job_1"},
	}
	out, changed := ResetCells(cells, []string{"target"}, "job_1")
	require.True(t, changed)
	assert.Equal(t, models.CellValue{Value: "previous answer"}, out["target"])
	assert.False(t, out["target"].Status.IsInFlight())
	assert.Equal(t, models.CellStatusPending, cells["target"].Status)
}

func TestResetCells_DoesNotMutateInput(t *testing.T) {
	cells := models.CellMap{"target": {Status: models.CellStatusPending}}
	_, changed := ResetCells(cells, []string{"target"}, "")
	require.True(t, changed)
	assert.Contains(t, cells, "target")
}

func TestResetter_IsIdempotent(t *testing.T) {
	store := newMemRows(
		&models.Row{ID: "r1", TableID: "t1", Cells: models.CellMap{"target": {Status: models.CellStatusProcessing, JobID: "job_1"}}},
		&models.Row{ID: "r2", TableID: "t1", Cells: models.CellMap{"target": {Value: "ok", Status: models.CellStatusComplete}}},
		&models.Row{ID: "r3", TableID: "t2", Cells: models.CellMap{"target": {Status: models.CellStatusPending}}},
	)
	logger := arbor.NewLogger()
	resetter := NewResetter(store, NewBatcher(store, Options{}, logger), logger)
	req := ResetRequest{TableID: "t1", RowIDs: []string{"r1", "r2", "r3", "gone"}, ColumnIDs: []string{"target"}, JobID: "job_1"}

	changed, err := resetter.Reset(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.NotContains(t, store.cells("r1"), "target")
	assert.Equal(t, "ok", store.cells("r2")["target"].Value)
	assert.Contains(t, store.cells("r3"), "target", "rows of other tables are untouched")

	writes := store.writes
	changed, err = resetter.Reset(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, writes, store.writes)
}
