package badger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestRowStorage_CellValuesSurviveRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	row := &models.Row{
		ID:      "row_1",
		TableID: "tbl_1",
		Cells: models.CellMap{
			"col_a": {Value: "Acme"},
			"col_b": {Value: 42.5},
			"col_c": {Value: nil, Status: models.CellStatusError, Error: "boom"},
		},
	}
	require.NoError(t, m.RowStorage().SaveRow(ctx, row))

	got, err := m.RowStorage().GetRow(ctx, "row_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Cells["col_a"].Value)
	assert.Equal(t, 42.5, got.Cells["col_b"].Value)
	assert.Nil(t, got.Cells["col_c"].Value)
	assert.Equal(t, models.CellStatusError, got.Cells["col_c"].Status)
}

func TestRowStorage_GetRowsSkipsMissingAndForeignRows(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RowStorage().SaveRow(ctx, &models.Row{ID: "r1", TableID: "t1"}))
	require.NoError(t, m.RowStorage().SaveRow(ctx, &models.Row{ID: "r2", TableID: "t2"}))
	require.NoError(t, m.RowStorage().SaveRow(ctx, &models.Row{ID: "r3", TableID: "t1"}))

	rows, err := m.RowStorage().GetRows(ctx, "t1", []string{"r3", "missing", "r2", "r1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "r3", rows[0].ID)
	assert.Equal(t, "r1", rows[1].ID)
}

func TestRowStorage_UpdateMissingRowIsNoop(t *testing.T) {
	m := newTestManager(t)
	err := m.RowStorage().UpdateRowCells(context.Background(), "gone", models.CellMap{"c": {Value: "x"}})
	assert.NoError(t, err)

	_, err = m.RowStorage().GetRow(context.Background(), "gone")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRowStorage_ListRowsByTable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RowStorage().SaveRow(ctx, &models.Row{ID: "r1", TableID: "t1"}))
	require.NoError(t, m.RowStorage().SaveRow(ctx, &models.Row{ID: "r2", TableID: "t2"}))

	rows, err := m.RowStorage().ListRows(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].ID)

	require.NoError(t, m.RowStorage().DeleteRow(ctx, "r1"))
	require.NoError(t, m.RowStorage().DeleteRow(ctx, "r1"))
	rows, err = m.RowStorage().ListRows(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestJobStorage_UpdateJobRefusesTerminalJobs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	job := models.NewEnrichmentJob("t1", "cfg", "col", []string{"a", "b"})
	require.NoError(t, m.JobStorage().SaveJob(ctx, job))

	_, err := m.JobStorage().UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
		j.Finish(models.JobStatusCancelled, time.Now())
		return nil
	})
	require.NoError(t, err)

	called := false
	_, err = m.JobStorage().UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, interfaces.ErrJobTerminal)
	assert.False(t, called)
}

func TestJobStorage_UpdateJobPropagatesMutateError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	job := models.NewEnrichmentJob("t1", "cfg", "col", []string{"a", "b"})
	require.NoError(t, m.JobStorage().SaveJob(ctx, job))

	_, err := m.JobStorage().UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
		return j.ApplyProgress(1, models.ProgressDelta{Attempted: 1}, time.Now())
	})
	assert.ErrorIs(t, err, models.ErrCursorMismatch)

	stored, err := m.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentIndex)
}

func TestJobStorage_ConcurrentCommitsAdvanceOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	job := models.NewEnrichmentJob("t1", "cfg", "col", []string{"a", "b", "c", "d"})
	require.NoError(t, m.JobStorage().SaveJob(ctx, job))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.JobStorage().UpdateJob(ctx, job.ID, func(j *models.EnrichmentJob) error {
				return j.ApplyProgress(0, models.ProgressDelta{Attempted: 2, Processed: 2}, time.Now())
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	stored, err := m.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentIndex)
	assert.Equal(t, 2, stored.ProcessedCount)
}

func TestJobStorage_ListJobsFilters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := models.NewEnrichmentJob("t1", "cfg", "col_a", []string{"r"})
	b := models.NewEnrichmentJob("t1", "cfg", "col_b", []string{"r"})
	b.Status = models.JobStatusComplete
	require.NoError(t, m.JobStorage().SaveJob(ctx, a))
	require.NoError(t, m.JobStorage().SaveJob(ctx, b))

	active, err := m.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{Statuses: models.ActiveJobStatuses})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	byColumn, err := m.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{TableID: "t1", TargetColumnID: "col_b"})
	require.NoError(t, err)
	require.Len(t, byColumn, 1)
	assert.Equal(t, b.ID, byColumn[0].ID)
}

func TestAdmissionStorage_CancelsBothKindsOnColumn(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	oldSync := models.NewEnrichmentJob("t1", "cfg", "col", []string{"r1"})
	otherColumn := models.NewEnrichmentJob("t1", "cfg", "other", []string{"r1"})
	oldBatch := models.NewBatchEnrichmentJob("t1", "cfg", "col", "azure", []string{"r1"})
	require.NoError(t, m.JobStorage().SaveJob(ctx, oldSync))
	require.NoError(t, m.JobStorage().SaveJob(ctx, otherColumn))
	require.NoError(t, m.BatchJobStorage().SaveBatchJob(ctx, oldBatch))

	next := models.NewEnrichmentJob("t1", "cfg", "col", []string{"r1"})
	result, err := m.AdmissionStorage().AdmitJob(ctx, next)
	require.NoError(t, err)
	require.Len(t, result.CancelledJobs, 1)
	require.Len(t, result.CancelledBatchJobs, 1)
	assert.Equal(t, oldSync.ID, result.CancelledJobs[0].ID)
	assert.Equal(t, oldBatch.ID, result.CancelledBatchJobs[0].ID)

	stored, err := m.JobStorage().GetJob(ctx, oldSync.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	untouched, err := m.JobStorage().GetJob(ctx, otherColumn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, untouched.Status)

	active, err := m.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		TableID:        "t1",
		TargetColumnID: "col",
		Statuses:       models.ActiveJobStatuses,
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, next.ID, active[0].ID)
}

func TestAdmissionStorage_BatchJobSupersedesSyncJob(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	oldSync := models.NewEnrichmentJob("t1", "cfg", "col", []string{"r1"})
	require.NoError(t, m.JobStorage().SaveJob(ctx, oldSync))

	next := models.NewBatchEnrichmentJob("t1", "cfg", "col", "gemini", []string{"r1"})
	result, err := m.AdmissionStorage().AdmitBatchJob(ctx, next)
	require.NoError(t, err)
	assert.Len(t, result.CancelledJobs, 1)
	assert.Empty(t, result.CancelledBatchJobs)

	stored, err := m.BatchJobStorage().GetBatchJob(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobStatusPending, stored.Status)
}

func TestLoadEnrichmentConfigsFromFiles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	tomlConfig := `
id = "company-size"
name = "Company size"
model = "gemini-2.5-flash"
prompt = "How many employees does {{Company}} have?"
temperature = 0.2

[[output_fields]]
name = "employees"
column_id = "col_emp"
`
	yamlConfig := `
id: industry
name: Industry
prompt: "Which industry is {{Company}} in?"
`
	invalidConfig := `
id = "broken"
temperature = 9.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "company.toml"), []byte(tomlConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "industry.yaml"), []byte(yamlConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte(invalidConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	require.NoError(t, LoadEnrichmentConfigsFromFiles(ctx, m.ConfigStorage(), dir, arbor.NewLogger()))

	configs, err := m.ConfigStorage().ListConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	company, err := m.ConfigStorage().GetConfig(ctx, "company-size")
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentKindAI, company.Kind)
	assert.Equal(t, []string{"employees"}, company.OutputFieldNames())
	assert.InDelta(t, 0.2, company.Temperature, 0.0001)

	_, err = m.ConfigStorage().GetConfig(ctx, "broken")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestLoadEnrichmentConfigsFromFiles_MissingDirectory(t *testing.T) {
	m := newTestManager(t)
	err := LoadEnrichmentConfigsFromFiles(context.Background(), m.ConfigStorage(), filepath.Join(t.TempDir(), "nope"), arbor.NewLogger())
	assert.NoError(t, err)
}
