package metrics

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stylesift/trendcache/types"
	"github.com/stylesift/trendcache/utils"
)

// MemoryMetrics is a process-local backend with no exposition
// dependencies. It backs tests and deployments where a scrape endpoint
// is unwanted.
type MemoryMetrics struct {
	ctx        context.Context
	logger     types.Logger
	prefix     string
	counters   sync.Map
	gauges     sync.Map
	histograms sync.Map
	running    int32
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "trendcache"
	}

	return &MemoryMetrics{
		ctx:    ctx,
		logger: logger,
		prefix: prefix,
	}, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrAlreadyRunning
	}
	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrNotRunning
	}
	m.logger.Info("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := m.instrumentKey(name, labels)
	actual, _ := m.counters.LoadOrStore(key, &memoryCounter{name: name, labels: labels})
	return actual.(*memoryCounter)
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := m.instrumentKey(name, labels)
	actual, _ := m.gauges.LoadOrStore(key, &memoryGauge{name: name, labels: labels})
	return actual.(*memoryGauge)
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := m.instrumentKey(name, labels)
	actual, _ := m.histograms.LoadOrStore(key, &memoryHistogram{name: name, labels: labels})
	return actual.(*memoryHistogram)
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	var metrics []types.MetricValue
	now := time.Now()

	m.counters.Range(func(_, value interface{}) bool {
		counter := value.(*memoryCounter)
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + counter.name,
			Type:      "COUNTER",
			Value:     counter.Get(),
			Labels:    counter.labels,
			Timestamp: now,
		})
		return true
	})

	m.gauges.Range(func(_, value interface{}) bool {
		gauge := value.(*memoryGauge)
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + gauge.name,
			Type:      "GAUGE",
			Value:     gauge.Get(),
			Labels:    gauge.labels,
			Timestamp: now,
		})
		return true
	})

	m.histograms.Range(func(_, value interface{}) bool {
		histogram := value.(*memoryHistogram)
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + histogram.name,
			Type:      "HISTOGRAM",
			Value:     histogram.GetSum(),
			Labels:    histogram.labels,
			Timestamp: now,
		})
		return true
	})

	return utils.Marshal(metrics)
}

func (m *MemoryMetrics) GetStats() ([]byte, error) {
	stats := types.MetricsStats{LastUpdate: time.Now()}

	m.counters.Range(func(_, _ interface{}) bool {
		stats.CounterMetrics++
		return true
	})
	m.gauges.Range(func(_, _ interface{}) bool {
		stats.GaugeMetrics++
		return true
	})
	m.histograms.Range(func(_, _ interface{}) bool {
		stats.HistogramMetrics++
		return true
	})

	stats.TotalMetrics = stats.CounterMetrics + stats.GaugeMetrics + stats.HistogramMetrics
	return utils.Marshal(stats)
}

func (m *MemoryMetrics) instrumentKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

type memoryCounter struct {
	name   string
	labels map[string]string
	bits   uint64
}

func (c *memoryCounter) Inc() { c.Add(1) }

func (c *memoryCounter) Add(value float64) {
	for {
		oldBits := atomic.LoadUint64(&c.bits)
		newBits := math.Float64bits(math.Float64frombits(oldBits) + value)
		if atomic.CompareAndSwapUint64(&c.bits, oldBits, newBits) {
			return
		}
	}
}

func (c *memoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.bits))
}

type memoryGauge struct {
	name   string
	labels map[string]string
	bits   uint64
}

func (g *memoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(value))
}

func (g *memoryGauge) Inc() { g.add(1) }
func (g *memoryGauge) Dec() { g.add(-1) }

func (g *memoryGauge) add(value float64) {
	for {
		oldBits := atomic.LoadUint64(&g.bits)
		newBits := math.Float64bits(math.Float64frombits(oldBits) + value)
		if atomic.CompareAndSwapUint64(&g.bits, oldBits, newBits) {
			return
		}
	}
}

func (g *memoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

type memoryHistogram struct {
	name   string
	labels map[string]string
	mu     sync.Mutex
	count  uint64
	sum    float64
}

func (h *memoryHistogram) Observe(value float64) {
	h.mu.Lock()
	h.count++
	h.sum += value
	h.mu.Unlock()
}

func (h *memoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *memoryHistogram) GetCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) GetSum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}
