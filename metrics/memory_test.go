package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/logger"
	"github.com/stylesift/trendcache/types"
	"github.com/stylesift/trendcache/utils"
)

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func newMemoryTestMetrics(t *testing.T) types.MetricsManager {
	t.Helper()

	manager, err := NewMemoryMetrics(context.Background(), testLogger(),
		&types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)

	return manager
}

func TestMemoryMetrics_CounterIdentity(t *testing.T) {
	m := newMemoryTestMetrics(t)

	labels := map[string]string{"operation": "get", "result": "hit"}

	// The same name and label set always resolves to the same instrument.
	m.Counter("cache_operations_total", labels).Inc()
	m.Counter("cache_operations_total", labels).Add(2)

	assert.Equal(t, float64(3), m.Counter("cache_operations_total", labels).Get())

	// A different label set is a different instrument.
	other := m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"})
	assert.Equal(t, float64(0), other.Get())
}

func TestMemoryMetrics_Gauge(t *testing.T) {
	m := newMemoryTestMetrics(t)

	g := m.Gauge("cache_entries", nil)
	g.Set(42)
	g.Inc()
	g.Dec()
	g.Dec()

	assert.Equal(t, float64(41), m.Gauge("cache_entries", nil).Get())
}

func TestMemoryMetrics_Histogram(t *testing.T) {
	m := newMemoryTestMetrics(t)

	h := m.Histogram("cache_operation_duration_seconds", []float64{0.001, 0.01}, nil)
	h.Observe(0.005)
	h.Observe(0.025)

	assert.Equal(t, uint64(2), h.GetCount())
	assert.InDelta(t, 0.03, h.GetSum(), 1e-9)

	h.ObserveDuration(time.Now())
	assert.Equal(t, uint64(3), h.GetCount())
}

func TestMemoryMetrics_ConcurrentCounter(t *testing.T) {
	m := newMemoryTestMetrics(t)

	const goroutines = 16
	const increments = 500

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				m.Counter("hot_counter", nil).Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(goroutines*increments), m.Counter("hot_counter", nil).Get())
}

func TestMemoryMetrics_Export(t *testing.T) {
	m := newMemoryTestMetrics(t)

	m.Counter("requests_total", map[string]string{"result": "ok"}).Inc()
	m.Gauge("entries", nil).Set(7)
	m.Histogram("latency_seconds", nil, nil).Observe(0.5)

	data, err := m.GetMetrics()
	require.NoError(t, err)

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal(data, &values))
	require.Len(t, values, 3)

	byName := make(map[string]types.MetricValue, len(values))
	for _, v := range values {
		byName[v.Name] = v
	}

	assert.Equal(t, float64(1), byName["trendcache_requests_total"].Value)
	assert.Equal(t, "COUNTER", byName["trendcache_requests_total"].Type)
	assert.Equal(t, float64(7), byName["trendcache_entries"].Value)
	assert.Equal(t, float64(0.5), byName["trendcache_latency_seconds"].Value)

	statsData, err := m.GetStats()
	require.NoError(t, err)

	var stats types.MetricsStats
	require.NoError(t, utils.Unmarshal(statsData, &stats))
	assert.Equal(t, 3, stats.TotalMetrics)
	assert.Equal(t, 1, stats.CounterMetrics)
}

func TestMemoryMetrics_Lifecycle(t *testing.T) {
	m := newMemoryTestMetrics(t)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	err := m.Start()
	assert.True(t, types.IsError(err, types.ErrAlreadyRunning))

	require.NoError(t, m.Stop())
	err = m.Stop()
	assert.True(t, types.IsError(err, types.ErrNotRunning))
}
