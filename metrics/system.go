package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/stylesift/trendcache/types"
)

type SystemState int32

const (
	SystemStateStopped SystemState = iota
	SystemStateStarting
	SystemStateRunning
	SystemStateStopping
)

// SystemMetricsCollector samples runtime statistics on a fixed interval
// and publishes them as gauges alongside the cache metrics.
type SystemMetricsCollector struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	metrics     types.MetricsManager
	state       atomic.Value
	startTime   time.Time
	lastGCCount uint32
	stopChan    chan struct{}
}

func NewSystemMetricsCollector(ctx context.Context, logger types.Logger, metricsManager types.MetricsManager) *SystemMetricsCollector {
	systemCtx, cancel := context.WithCancel(ctx)

	collector := &SystemMetricsCollector{
		ctx:      systemCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metricsManager,
		stopChan: make(chan struct{}),
	}

	collector.state.Store(SystemStateStopped)

	return collector
}

func (smc *SystemMetricsCollector) Start() error {
	if !smc.transitionState(SystemStateStopped, SystemStateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if smc.getState() == SystemStateStarting {
			smc.setState(SystemStateRunning)
		}
	}()

	smc.startTime = time.Now()
	go smc.collectLoop()

	smc.logger.Info("System metrics collection started")
	return nil
}

func (smc *SystemMetricsCollector) Stop() error {
	if !smc.transitionState(SystemStateRunning, SystemStateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		smc.setState(SystemStateStopped)
		smc.cancel()
	}()

	close(smc.stopChan)

	smc.logger.Info("System metrics collection stopped gracefully")
	return nil
}

func (smc *SystemMetricsCollector) IsRunning() bool {
	return smc.getState() == SystemStateRunning
}

func (smc *SystemMetricsCollector) collectLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	smc.collect()

	for {
		select {
		case <-ticker.C:
			if !smc.IsRunning() && smc.getState() != SystemStateStarting {
				return
			}
			smc.collect()
		case <-smc.stopChan:
			return
		case <-smc.ctx.Done():
			return
		}
	}
}

func (smc *SystemMetricsCollector) collect() {
	if smc.metrics == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.metrics.Gauge("system_memory_usage_bytes", map[string]string{"type": "heap_inuse"}).Set(float64(m.HeapInuse))
	smc.metrics.Gauge("system_memory_usage_bytes", map[string]string{"type": "heap_alloc"}).Set(float64(m.HeapAlloc))
	smc.metrics.Gauge("system_memory_usage_bytes", map[string]string{"type": "sys"}).Set(float64(m.Sys))
	smc.metrics.Gauge("system_memory_usage_bytes", map[string]string{"type": "stack_inuse"}).Set(float64(m.StackInuse))
	smc.metrics.Gauge("system_heap_objects_count", nil).Set(float64(m.HeapObjects))
	smc.metrics.Gauge("system_goroutines_count", nil).Set(float64(runtime.NumGoroutine()))
	smc.metrics.Gauge("system_uptime_seconds", nil).Set(time.Since(smc.startTime).Seconds())

	if m.NumGC != smc.lastGCCount {
		smc.metrics.Gauge("system_gc_cycles_total", nil).Set(float64(m.NumGC))
		smc.lastGCCount = m.NumGC

		if m.NumGC > 0 {
			smc.metrics.Gauge("system_last_gc_timestamp", nil).Set(float64(m.LastGC) / 1e9)

			lastPause := m.PauseNs[(m.NumGC+255)%256]
			if lastPause > 0 {
				smc.metrics.Histogram("system_gc_duration_seconds",
					[]float64{0.001, 0.01, 0.1, 1.0}, nil).Observe(float64(lastPause) / 1e9)
			}
		}
	}
}

func (smc *SystemMetricsCollector) getState() SystemState {
	return smc.state.Load().(SystemState)
}

func (smc *SystemMetricsCollector) setState(newState SystemState) bool {
	currentState := smc.getState()
	return smc.state.CompareAndSwap(currentState, newState)
}

func (smc *SystemMetricsCollector) transitionState(from, to SystemState) bool {
	return smc.state.CompareAndSwap(from, to)
}
