package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrCacheKeyEmpty           = errors.New("cache key empty")
	ErrCacheTTLInvalid         = errors.New("cache ttl must be positive")
	ErrCacheSizeNegative       = errors.New("cache entry size negative")
	ErrCacheStorageUnavailable = errors.New("cache storage unavailable")
	ErrCacheTypeUnknown        = errors.New("cache type unknown")
	ErrCacheIsDisabled         = errors.New("cache manager is disabled")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronIsDisabled        = errors.New("cron manager is disabled")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning  = errors.New("metrics manager is not running")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrHealthIsDisabled   = errors.New("health manager is disabled")
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
	ErrLoggerTypeUnknown  = errors.New("logger type unknown")
	ErrLoggerConfigIsNil  = errors.New("logger config is nil")
)

var (
	ErrNotRunning        = errors.New("component not running")
	ErrAlreadyRunning    = errors.New("component already running")
	ErrServiceIsRunning  = errors.New("service is running")
	ErrServiceNotRunning = errors.New("service is not running")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewError(message string) error {
	return errors.New(message)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// StorageError wraps a backend failure so callers can distinguish a real
// outage from an ordinary miss and degrade gracefully instead of failing
// the surrounding request.
func StorageError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrCacheStorageUnavailable, message, err)
}
