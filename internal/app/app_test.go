package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/jobs/admission"
	"github.com/ternarybob/enrich/internal/models"
)

const perHeadConfig = `id: revenue_per_head
kind: formula
formula: '{{round 2 (div .Revenue (col "Employee Count"))}}'
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	configsDir := filepath.Join(dir, "enrichments")
	require.NoError(t, os.MkdirAll(configsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configsDir, "revenue_per_head.yaml"), []byte(perHeadConfig), 0644))

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(dir, "data")
	cfg.Configs.Dir = configsDir
	cfg.Scheduler.Schedule = "*/30 * * * * *"

	application, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	return application
}

func TestNew_WithoutBatchCredentials(t *testing.T) {
	application := newTestApp(t)
	defer application.Close()

	assert.Nil(t, application.BatchProvider)
	assert.Nil(t, application.BatchEngine)
	assert.False(t, application.Batcher.Native())

	config, err := application.StorageManager.ConfigStorage().GetConfig(context.Background(), "revenue_per_head")
	require.NoError(t, err)
	assert.True(t, config.IsFormula())

	_, err = application.Controller.CreateBatchJob(context.Background(), admission.CreateJobRequest{
		ConfigID:       "revenue_per_head",
		TableID:        "tbl_1",
		TargetColumnID: "col_out",
		RowIDs:         []string{"r1"},
	})
	assert.ErrorIs(t, err, interfaces.ErrProviderNotConfigured)
}

func TestRunOnce_CompletesFormulaJob(t *testing.T) {
	application := newTestApp(t)
	defer application.Close()
	ctx := context.Background()
	store := application.StorageManager

	require.NoError(t, store.TableStorage().SaveTable(ctx, &models.Table{
		ID: "tbl_1",
		Columns: []models.Column{
			{ID: "col_rev", Name: "Revenue", Type: models.ColumnTypeNumber},
			{ID: "col_emp", Name: "Employee Count", Type: models.ColumnTypeNumber},
			{ID: "col_out", Name: "Per Head", Type: models.ColumnTypeFormula},
		},
	}))
	rows := map[string]models.CellMap{
		"r1": {"col_rev": {Value: "1000"}, "col_emp": {Value: "8"}},
		"r2": {"col_rev": {Value: "n/a"}, "col_emp": {Value: "8"}},
	}
	for id, cells := range rows {
		require.NoError(t, store.RowStorage().SaveRow(ctx, &models.Row{ID: id, TableID: "tbl_1", Cells: cells}))
	}

	job, err := application.Controller.CreateJob(ctx, admission.CreateJobRequest{
		ConfigID:       "revenue_per_head",
		TableID:        "tbl_1",
		TargetColumnID: "col_out",
		RowIDs:         []string{"r1", "r2"},
	})
	require.NoError(t, err)

	require.NoError(t, application.RunOnce(ctx))

	finished, err := application.Controller.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, finished.Status)
	assert.Equal(t, 2, finished.CurrentIndex)
	assert.Equal(t, 1, finished.ProcessedCount)
	assert.Equal(t, 1, finished.ErrorCount)

	r1, err := store.RowStorage().GetRow(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.CellStatusComplete, r1.Cells["col_out"].Status)
	assert.Equal(t, 125.0, r1.Cells["col_out"].Value)

	r2, err := store.RowStorage().GetRow(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, models.CellStatusError, r2.Cells["col_out"].Status)
}

func TestStartScheduler_RegistersEngines(t *testing.T) {
	application := newTestApp(t)

	require.NoError(t, application.StartScheduler())
	assert.True(t, application.SchedulerService.IsRunning())

	statuses := application.SchedulerService.GetAllJobStatuses()
	assert.Contains(t, statuses, enrichmentJobName)
	assert.NotContains(t, statuses, batchJobName)

	require.NoError(t, application.Close())
	assert.False(t, application.SchedulerService.IsRunning())
}
