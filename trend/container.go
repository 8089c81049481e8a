package trend

import (
	"sync/atomic"

	"github.com/stylesift/trendcache/cache"
	"github.com/stylesift/trendcache/logger"
	"github.com/stylesift/trendcache/metrics"
	"github.com/stylesift/trendcache/types"
)

// Container holds the wired managers behind atomic pointers so
// accessors stay safe during startup and config reloads.
type Container struct {
	Config  atomic.Pointer[types.ConfigManager]
	Logger  atomic.Pointer[types.LoggerManager]
	Cache   atomic.Pointer[types.CacheManager]
	Cron    atomic.Pointer[types.CronManager]
	Metrics atomic.Pointer[types.MetricsManager]
	Health  atomic.Pointer[types.HealthManager]
}

var globalContainer *Container

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer = container
}

func Config() types.ConfigManager {
	if ptr := globalContainer.Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func Logger() types.LoggerManager {
	if ptr := globalContainer.Logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func Cache() types.CacheManager {
	if ptr := globalContainer.Cache.Load(); ptr != nil {
		return *ptr
	}
	panic("CacheManager not initialized")
}

func Cron() types.CronManager {
	if ptr := globalContainer.Cron.Load(); ptr != nil {
		return *ptr
	}
	panic("CronManager not initialized")
}

func Metrics() types.MetricsManager {
	if ptr := globalContainer.Metrics.Load(); ptr != nil {
		return *ptr
	}
	panic("MetricsManager not initialized")
}

func Health() types.HealthManager {
	if ptr := globalContainer.Health.Load(); ptr != nil {
		return *ptr
	}
	panic("HealthManager not initialized")
}

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	cache.RegisterCacheManager(cacheManagerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func (c *Container) SetConfig(config types.ConfigManager) {
	c.Config.Store(&config)
}

func (c *Container) SetLogger(logger types.LoggerManager) {
	c.Logger.Store(&logger)
}

func (c *Container) SetCache(cache types.CacheManager) {
	c.Cache.Store(&cache)
}

func (c *Container) SetCron(cron types.CronManager) {
	c.Cron.Store(&cron)
}

func (c *Container) SetMetrics(metrics types.MetricsManager) {
	c.Metrics.Store(&metrics)
}

func (c *Container) SetHealth(health types.HealthManager) {
	c.Health.Store(&health)
}
