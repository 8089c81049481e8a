package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/logger"
	"github.com/stylesift/trendcache/metrics"
	"github.com/stylesift/trendcache/types"
)

type stubConfigManager struct {
	cfg *types.ServiceConfig
}

func (s *stubConfigManager) Load() error                     { return nil }
func (s *stubConfigManager) GetConfig() *types.ServiceConfig { return s.cfg }
func (s *stubConfigManager) GetValue(path string, defaultValue interface{}) interface{} {
	return defaultValue
}
func (s *stubConfigManager) GetAs(path string, target interface{}) error { return nil }

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func newTestManager(t *testing.T, metricsManager types.MetricsManager) *Manager {
	t.Helper()

	config := &stubConfigManager{cfg: &types.ServiceConfig{
		Name:    "trendcache-test",
		Version: "0.0.0",
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
	}}

	manager, err := NewManager(context.Background(), config, testLogger(), metricsManager)
	require.NoError(t, err)

	m, ok := manager.(*Manager)
	require.True(t, ok)

	return m
}

func TestNewManager_Disabled(t *testing.T) {
	config := &stubConfigManager{cfg: &types.ServiceConfig{
		Name:    "trendcache-test",
		Version: "0.0.0",
	}}

	_, err := NewManager(context.Background(), config, testLogger(), nil)
	assert.True(t, types.IsError(err, types.ErrCronIsDisabled))
}

func TestNewManager_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	config := &stubConfigManager{cfg: &types.ServiceConfig{
		Name:    "trendcache-test",
		Version: "0.0.0",
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "Mars/Olympus_Mons",
		},
	}}

	manager, err := NewManager(context.Background(), config, testLogger(), nil)
	require.NoError(t, err)

	m := manager.(*Manager)
	assert.Equal(t, time.UTC, m.timezone)
}

func TestManager_AddValidation(t *testing.T) {
	m := newTestManager(t, nil)

	tests := []struct {
		name    string
		jobName string
		spec    string
		job     func()
		wantErr error
	}{
		{name: "empty job name", jobName: "", spec: "* * * * * *", job: func() {}, wantErr: types.ErrCronJobNameIsEmpty},
		{name: "empty spec", jobName: "job", spec: "", job: func() {}, wantErr: types.ErrCronExpressionInvalid},
		{name: "nil job", jobName: "job", spec: "* * * * * *", job: nil, wantErr: types.ErrCronJobIsNil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Add(tt.jobName, tt.spec, tt.job)
			assert.True(t, types.IsError(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
		})
	}

	err := m.Add("job", "not a cron spec", func() {})
	require.Error(t, err)

	require.NoError(t, m.Add("job", "* * * * * *", func() {}))
	err = m.Add("job", "* * * * * *", func() {})
	assert.True(t, types.IsError(err, types.ErrCronJobExists))
}

func TestManager_Remove(t *testing.T) {
	m := newTestManager(t, nil)

	err := m.Remove("absent")
	assert.True(t, types.IsError(err, types.ErrCronJobNotFound))

	require.NoError(t, m.Add("job", "* * * * * *", func() {}))
	require.NoError(t, m.Remove("job"))

	// The slot is free again.
	require.NoError(t, m.Add("job", "* * * * * *", func() {}))
}

func TestManager_JobExecution(t *testing.T) {
	metricsManager, err := metrics.NewMemoryMetrics(context.Background(), testLogger(),
		&types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)

	m := newTestManager(t, metricsManager)

	var runs atomic.Int64
	require.NoError(t, m.Add("tick", "@every 100ms", func() {
		runs.Add(1)
	}))

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.Equal(t, float64(1), metricsManager.Gauge("cron_scheduler_running", nil).Get())

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.Equal(t, float64(0), metricsManager.Gauge("cron_scheduler_running", nil).Get())

	executions := metricsManager.Counter("cron_job_executions_total",
		map[string]string{"job_name": "tick", "result": "success"})
	assert.GreaterOrEqual(t, executions.Get(), float64(2))

	// A stopped scheduler refuses new jobs.
	err = m.Add("late", "* * * * * *", func() {})
	assert.True(t, types.IsError(err, types.ErrCronSchedulerStopped))
}

func TestManager_JobPanicIsContained(t *testing.T) {
	metricsManager, err := metrics.NewMemoryMetrics(context.Background(), testLogger(),
		&types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)

	m := newTestManager(t, metricsManager)

	var healthyRuns atomic.Int64
	require.NoError(t, m.Add("panics", "@every 100ms", func() {
		panic("bad job")
	}))
	require.NoError(t, m.Add("healthy", "@every 100ms", func() {
		healthyRuns.Add(1)
	}))

	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	// The panicking job never takes the scheduler or its neighbors down.
	require.Eventually(t, func() bool {
		return healthyRuns.Load() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	panics := metricsManager.Counter("cron_job_executions_total",
		map[string]string{"job_name": "panics", "result": "panic"})
	assert.GreaterOrEqual(t, panics.Get(), float64(1))
}

func TestManager_StopIsIdempotentError(t *testing.T) {
	m := newTestManager(t, nil)

	err := m.Stop()
	assert.True(t, types.IsError(err, types.ErrNotRunning))

	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())

	err = m.Stop()
	assert.True(t, types.IsError(err, types.ErrNotRunning))
}
