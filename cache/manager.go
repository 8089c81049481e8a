package cache

import (
	"context"
	"time"

	"github.com/stylesift/trendcache/types"
)

var customCacheCreators = make(map[string]types.CacheManagerCreator)

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	customCacheCreators[cacheManagerName] = creator
}

func NewCacheManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CacheManager, error) {
	cacheConfig := config.GetConfig().Cache

	if cacheConfig == nil || !cacheConfig.Enabled {
		return nil, types.ErrCacheIsDisabled
	}

	var impl types.CacheManager
	var err error

	switch cacheConfig.Type {
	case "memory":
		impl, err = NewMemoryCache(ctx, logger, cacheConfig)
	case "sqlite":
		impl, err = NewSQLiteCache(ctx, logger, cacheConfig)
	case "clover":
		impl, err = NewCloverCache(ctx, logger, cacheConfig)
	case "redis":
		impl, err = NewRedisCache(ctx, logger, cacheConfig)
	default:
		if creator, exists := customCacheCreators[cacheConfig.Type]; exists {
			impl, err = creator(cacheConfig)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedCacheManager(logger, metrics, impl), nil
}

type instrumentedCacheManager struct {
	impl    types.CacheManager
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedCacheManager(logger types.Logger, metrics types.MetricsManager, impl types.CacheManager) types.CacheManager {
	return &instrumentedCacheManager{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (icm *instrumentedCacheManager) Get(key string) (interface{}, bool, error) {
	start := time.Now()
	value, exists, err := icm.impl.Get(key)
	duration := time.Since(start)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case exists:
		result = "hit"
	}

	icm.recordMetric("get", result, duration)
	return value, exists, err
}

func (icm *instrumentedCacheManager) Put(key string, value interface{}, ttl time.Duration, category string, sizeBytes int64) error {
	start := time.Now()
	err := icm.impl.Put(key, value, ttl, category, sizeBytes)
	duration := time.Since(start)

	icm.recordMetric("put", resultOf(err), duration)
	return err
}

func (icm *instrumentedCacheManager) PutDefault(key string, value interface{}, category string) error {
	start := time.Now()
	err := icm.impl.PutDefault(key, value, category)
	duration := time.Since(start)

	icm.recordMetric("put", resultOf(err), duration)
	return err
}

func (icm *instrumentedCacheManager) Invalidate(key string) (bool, error) {
	start := time.Now()
	present, err := icm.impl.Invalidate(key)
	duration := time.Since(start)

	icm.recordMetric("invalidate", resultOf(err), duration)
	return present, err
}

func (icm *instrumentedCacheManager) InvalidateCategory(category string) (int, error) {
	start := time.Now()
	count, err := icm.impl.InvalidateCategory(category)
	duration := time.Since(start)

	icm.recordMetric("invalidate_category", resultOf(err), duration)
	return count, err
}

func (icm *instrumentedCacheManager) EvictExpired() (int, error) {
	start := time.Now()
	count, err := icm.impl.EvictExpired()
	duration := time.Since(start)

	icm.recordMetric("evict_expired", resultOf(err), duration)
	return count, err
}

func (icm *instrumentedCacheManager) Stats() types.CacheStats {
	stats := icm.impl.Stats()

	icm.metrics.Gauge("cache_entries", nil).Set(float64(stats.Entries))
	icm.metrics.Gauge("cache_total_bytes", nil).Set(float64(stats.TotalBytes))

	return stats
}

func (icm *instrumentedCacheManager) Start() error {
	start := time.Now()
	err := icm.impl.Start()
	icm.recordMetric("start", resultOf(err), time.Since(start))
	return err
}

func (icm *instrumentedCacheManager) Stop() error {
	return icm.impl.Stop()
}

func (icm *instrumentedCacheManager) IsRunning() bool {
	return icm.impl.IsRunning()
}

func (icm *instrumentedCacheManager) recordMetric(operation, result string, duration time.Duration) {
	opCounter := icm.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := icm.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
