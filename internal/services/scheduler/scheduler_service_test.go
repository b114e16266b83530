package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRegisterJob_ValidatesSchedule(t *testing.T) {
	s := NewService(arbor.NewLogger())

	assert.Error(t, s.RegisterJob("bad", "not a cron", "", func(ctx context.Context) error { return nil }))
	require.NoError(t, s.RegisterJob("ok", "*/30 * * * * *", "every 30s", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.RegisterJob("ok", "*/30 * * * * *", "", func(ctx context.Context) error { return nil }), "duplicate name")
}

func TestTriggerJob_RecordsOutcome(t *testing.T) {
	s := NewService(arbor.NewLogger())
	var calls int32
	fail := false
	require.NoError(t, s.RegisterJob("engine", "0 0 * * * *", "", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		if fail {
			return errors.New("boom")
		}
		return nil
	}))

	require.NoError(t, s.TriggerJob("engine"))
	status, err := s.GetJobStatus("engine")
	require.NoError(t, err)
	assert.NotNil(t, status.LastRun)
	assert.Empty(t, status.LastError)
	assert.False(t, status.IsRunning)

	fail = true
	assert.Error(t, s.TriggerJob("engine"))
	status, err = s.GetJobStatus("engine")
	require.NoError(t, err)
	assert.Equal(t, "boom", status.LastError)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	assert.Error(t, s.TriggerJob("missing"))
}

func TestTriggerJob_RecoversPanics(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("panics", "0 0 * * * *", "", func(ctx context.Context) error {
		panic("unexpected")
	}))

	err := s.TriggerJob("panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected")
}

func TestEnableDisableJob(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("engine", "0 0 * * * *", "", func(ctx context.Context) error { return nil }))

	require.NoError(t, s.DisableJob("engine"))
	status, err := s.GetJobStatus("engine")
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Nil(t, status.NextRun)

	require.NoError(t, s.EnableJob("engine"))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	status, err = s.GetJobStatus("engine")
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.NotNil(t, status.NextRun)
	assert.Len(t, s.GetAllJobStatuses(), 1)
}
