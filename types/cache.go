package types

import (
	"time"
)

// Entry categories used by the trend-discovery services. Callers may pass
// any tag, these are the ones the surrounding system actually emits.
const (
	CategoryAPIResponse  = "api_response"
	CategoryTrendData    = "trend_data"
	CategoryMLPrediction = "ml_prediction"
)

type CacheManager interface {
	LifecycleManager

	// Get returns the stored value for key. The second result reports a
	// hit; absence, expiry and invalidation are all misses, not errors.
	// A non-nil error is either ErrCacheKeyEmpty or a storage failure
	// wrapped in ErrCacheStorageUnavailable.
	Get(key string) (interface{}, bool, error)

	// Put inserts or overwrites an entry. ttl must be positive. An
	// overwrite replaces the value, restarts the TTL window and resets
	// the hit counter. sizeBytes <= 0 means "compute from the serialized
	// payload". Capacity is enforced atomically with the insert.
	Put(key string, value interface{}, ttl time.Duration, category string, sizeBytes int64) error

	// PutDefault is Put with the configured default TTL.
	PutDefault(key string, value interface{}, category string) error

	// Invalidate removes the entry and reports whether one was present.
	// Invalidating a missing key is a no-op.
	Invalidate(key string) (bool, error)

	// InvalidateCategory removes every live entry with the given
	// category tag and returns the number removed.
	InvalidateCategory(category string) (int, error)

	// EvictExpired physically removes entries past their deadline and
	// returns the count. Lazy expiry on Get keeps correctness independent
	// of how often this runs; it only reclaims memory sooner.
	EvictExpired() (int, error)

	Stats() CacheStats
}

type CacheManagerCreator func(config interface{}) (CacheManager, error)

// CacheEntry is the exported record shape. Backends keep their own
// internal representation and convert when an entry is exported for
// inspection or logging.
type CacheEntry struct {
	Key            string        `json:"key"`
	Category       string        `json:"category"`
	Value          interface{}   `json:"value"`
	SizeBytes      int64         `json:"size_bytes"`
	HitCount       int64         `json:"hit_count"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	TTL            time.Duration `json:"ttl"`
	IsValid        bool          `json:"is_valid"`
}

func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

type CacheStats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
	TotalBytes  int64  `json:"total_bytes"`
}
