package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylesift/trendcache/metrics"
	"github.com/stylesift/trendcache/types"
)

type stubConfigManager struct {
	cfg *types.ServiceConfig
}

func (s *stubConfigManager) Load() error                    { return nil }
func (s *stubConfigManager) GetConfig() *types.ServiceConfig { return s.cfg }
func (s *stubConfigManager) GetValue(path string, defaultValue interface{}) interface{} {
	return defaultValue
}
func (s *stubConfigManager) GetAs(path string, target interface{}) error { return nil }

func configWithCache(cacheConfig *types.CacheConfig) types.ConfigManager {
	return &stubConfigManager{cfg: &types.ServiceConfig{
		Name:    "trendcache-test",
		Version: "0.0.0",
		Cache:   cacheConfig,
	}}
}

func TestNewCacheManager_Disabled(t *testing.T) {
	_, err := NewCacheManager(context.Background(), configWithCache(nil), testLogger(), nil)
	assert.True(t, types.IsError(err, types.ErrCacheIsDisabled))

	_, err = NewCacheManager(context.Background(),
		configWithCache(&types.CacheConfig{Enabled: false, Type: "memory"}), testLogger(), nil)
	assert.True(t, types.IsError(err, types.ErrCacheIsDisabled))
}

func TestNewCacheManager_UnknownType(t *testing.T) {
	_, err := NewCacheManager(context.Background(),
		configWithCache(&types.CacheConfig{Enabled: true, Type: "memcached"}), testLogger(), nil)
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrCacheTypeUnknown))
}

func TestNewCacheManager_Memory(t *testing.T) {
	manager, err := NewCacheManager(context.Background(),
		configWithCache(&types.CacheConfig{Enabled: true, Type: "memory", MaxEntries: 10}),
		testLogger(), nil)
	require.NoError(t, err)

	_, ok := manager.(*MemoryCache)
	assert.True(t, ok, "without metrics the backend is returned directly")
}

func TestNewCacheManager_CustomCreator(t *testing.T) {
	RegisterCacheManager("fake", func(config interface{}) (types.CacheManager, error) {
		return NewMemoryCache(context.Background(), testLogger(), config.(*types.CacheConfig))
	})

	manager, err := NewCacheManager(context.Background(),
		configWithCache(&types.CacheConfig{Enabled: true, Type: "fake", MaxEntries: 10}),
		testLogger(), nil)
	require.NoError(t, err)
	require.NotNil(t, manager)

	require.NoError(t, manager.Put("k", "v", time.Minute, "", 0))
	_, exists, err := manager.Get("k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInstrumentedCacheManager_RecordsOperations(t *testing.T) {
	metricsManager, err := metrics.NewMemoryMetrics(context.Background(), testLogger(),
		&types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)

	manager, err := NewCacheManager(context.Background(),
		configWithCache(&types.CacheConfig{Enabled: true, Type: "memory", MaxEntries: 10}),
		testLogger(), metricsManager)
	require.NoError(t, err)

	require.NoError(t, manager.Put("k", "v", time.Minute, "", 0))

	_, exists, err := manager.Get("k")
	require.NoError(t, err)
	require.True(t, exists)

	_, exists, err = manager.Get("absent")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = manager.Invalidate("k")
	require.NoError(t, err)

	puts := metricsManager.Counter("cache_operations_total",
		map[string]string{"operation": "put", "result": "success"})
	assert.Equal(t, float64(1), puts.Get())

	hits := metricsManager.Counter("cache_operations_total",
		map[string]string{"operation": "get", "result": "hit"})
	assert.Equal(t, float64(1), hits.Get())

	misses := metricsManager.Counter("cache_operations_total",
		map[string]string{"operation": "get", "result": "miss"})
	assert.Equal(t, float64(1), misses.Get())

	invalidations := metricsManager.Counter("cache_operations_total",
		map[string]string{"operation": "invalidate", "result": "success"})
	assert.Equal(t, float64(1), invalidations.Get())

	stats := manager.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, float64(0), metricsManager.Gauge("cache_entries", nil).Get())
}
