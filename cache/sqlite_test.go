package cache

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylesift/trendcache/types"
)

func newSQLiteTestCache(t *testing.T, config *types.CacheConfig) *SQLiteCache {
	t.Helper()

	if config == nil {
		config = &types.CacheConfig{
			Enabled:    true,
			Type:       "sqlite",
			MaxEntries: 1000,
			DefaultTTL: time.Hour,
		}
	}
	config.Config = map[string]interface{}{
		"path": filepath.Join(t.TempDir(), "cache.db"),
	}

	manager, err := NewSQLiteCache(context.Background(), testLogger(), config)
	require.NoError(t, err)

	sc, ok := manager.(*SQLiteCache)
	require.True(t, ok)

	t.Cleanup(func() {
		_ = sc.db.Close()
	})

	return sc
}

func TestSQLiteCache_PutGet(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	err := sc.Put("trends:coats", map[string]interface{}{"score": 0.87, "label": "trench"}, time.Minute, types.CategoryTrendData, 0)
	require.NoError(t, err)

	value, exists, err := sc.Get("trends:coats")
	require.NoError(t, err)
	require.True(t, exists)

	payload, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.87, payload["score"])
	assert.Equal(t, "trench", payload["label"])

	_, exists, err = sc.Get("trends:unknown")
	require.NoError(t, err)
	assert.False(t, exists)

	stats := sc.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Greater(t, stats.TotalBytes, int64(0))
}

func TestSQLiteCache_Validation(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	err := sc.Put("", "v", time.Minute, "", 0)
	assert.True(t, types.IsError(err, types.ErrCacheKeyEmpty))

	err = sc.Put("k", "v", 0, "", 0)
	assert.True(t, types.IsError(err, types.ErrCacheTTLInvalid))

	err = sc.Put("k", "v", time.Minute, "", -5)
	assert.True(t, types.IsError(err, types.ErrCacheSizeNegative))

	_, _, err = sc.Get("")
	assert.True(t, types.IsError(err, types.ErrCacheKeyEmpty))

	_, err = sc.Invalidate("")
	assert.True(t, types.IsError(err, types.ErrCacheKeyEmpty))
}

func TestSQLiteCache_HitCountInSQL(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Put("k", "v", time.Minute, "", 0))

	for i := 0; i < 3; i++ {
		_, exists, err := sc.Get("k")
		require.NoError(t, err)
		require.True(t, exists)
	}

	var hitCount int64
	err := sc.db.QueryRow(`SELECT hit_count FROM cache_entries WHERE key = ?`, "k").Scan(&hitCount)
	require.NoError(t, err)
	assert.Equal(t, int64(3), hitCount)

	// An overwrite installs a fresh record, the counter starts over.
	require.NoError(t, sc.Put("k", "v2", time.Minute, "", 0))
	err = sc.db.QueryRow(`SELECT hit_count FROM cache_entries WHERE key = ?`, "k").Scan(&hitCount)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hitCount)
}

func TestSQLiteCache_Expiry(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Put("short", "v", 50*time.Millisecond, "", 0))

	time.Sleep(80 * time.Millisecond)

	_, exists, err := sc.Get("short")
	require.NoError(t, err)
	assert.False(t, exists)

	// The expired read reclaims the row.
	var rows int
	err = sc.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE key = ?`, "short").Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 0, rows)
}

func TestSQLiteCache_Invalidate(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Put("k", "v", time.Minute, "", 0))

	present, err := sc.Invalidate("k")
	require.NoError(t, err)
	assert.True(t, present)

	_, exists, err := sc.Get("k")
	require.NoError(t, err)
	assert.False(t, exists)

	present, err = sc.Invalidate("k")
	require.NoError(t, err)
	assert.False(t, present)

	// Soft delete keeps the row until the sweep.
	var valid int
	err = sc.db.QueryRow(`SELECT is_valid FROM cache_entries WHERE key = ?`, "k").Scan(&valid)
	require.NoError(t, err)
	assert.Equal(t, 0, valid)
}

func TestSQLiteCache_InvalidateCategory(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Put("trend:1", 1, time.Minute, types.CategoryTrendData, 0))
	require.NoError(t, sc.Put("trend:2", 2, time.Minute, types.CategoryTrendData, 0))
	require.NoError(t, sc.Put("resp:1", 3, time.Minute, types.CategoryAPIResponse, 0))

	count, err := sc.InvalidateCategory(types.CategoryTrendData)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = sc.InvalidateCategory(types.CategoryTrendData)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, exists, err := sc.Get("resp:1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLiteCache_EvictExpired(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Put("stale:1", 1, 50*time.Millisecond, "", 0))
	require.NoError(t, sc.Put("stale:2", 2, 50*time.Millisecond, "", 0))
	require.NoError(t, sc.Put("live", 3, time.Minute, "", 0))
	require.NoError(t, sc.Put("soft", 4, time.Minute, "", 0))

	_, err := sc.Invalidate("soft")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	// The sweep reclaims both expired and invalidated rows.
	removed, err := sc.EvictExpired()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	var rows int
	err = sc.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	_, exists, err := sc.Get("live")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLiteCache_LRUEvictionOrder(t *testing.T) {
	sc := newSQLiteTestCache(t, &types.CacheConfig{
		Enabled:    true,
		Type:       "sqlite",
		MaxEntries: 3,
	})

	require.NoError(t, sc.Put("a", 1, time.Minute, "", 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sc.Put("b", 2, time.Minute, "", 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, sc.Put("c", 3, time.Minute, "", 0))
	time.Sleep(5 * time.Millisecond)

	_, exists, err := sc.Get("a")
	require.NoError(t, err)
	require.True(t, exists)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, sc.Put("d", 4, time.Minute, "", 0))

	for _, key := range []string{"a", "c", "d"} {
		_, exists, err := sc.Get(key)
		require.NoError(t, err)
		assert.True(t, exists, "key %q must survive the eviction", key)
	}

	_, exists, err = sc.Get("b")
	require.NoError(t, err)
	assert.False(t, exists, "least recently accessed key must be evicted")

	assert.Equal(t, 3, sc.Stats().Entries)
}

func TestSQLiteCache_OverwriteAtCapacity(t *testing.T) {
	sc := newSQLiteTestCache(t, &types.CacheConfig{
		Enabled:    true,
		Type:       "sqlite",
		MaxEntries: 2,
	})

	require.NoError(t, sc.Put("a", 1, time.Minute, "", 0))
	require.NoError(t, sc.Put("b", 2, time.Minute, "", 0))

	// Overwriting an existing key is not an insert and must not evict.
	require.NoError(t, sc.Put("a", 10, time.Minute, "", 0))

	value, exists, err := sc.Get("a")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, float64(10), value)

	_, exists, err = sc.Get("b")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLiteCache_CompressedRoundTrip(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	big := strings.Repeat("velvet blazers are back ", 200)
	require.NoError(t, sc.Put("big", big, time.Minute, "", 0))

	var compressed int
	err := sc.db.QueryRow(`SELECT compressed FROM cache_entries WHERE key = ?`, "big").Scan(&compressed)
	require.NoError(t, err)
	assert.Equal(t, 1, compressed)

	value, exists, err := sc.Get("big")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, big, value)
}

// A backend outage must surface as ErrCacheStorageUnavailable, never as
// an ordinary miss the caller would silently repopulate around.
func TestSQLiteCache_StorageFailureIsNotAMiss(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Put("trends:knits", "cable", time.Minute, types.CategoryTrendData, 0))
	require.NoError(t, sc.db.Close())

	value, exists, err := sc.Get("trends:knits")
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrCacheStorageUnavailable))
	assert.False(t, exists)
	assert.Nil(t, value)

	err = sc.Put("trends:knits", "aran", time.Minute, types.CategoryTrendData, 0)
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrCacheStorageUnavailable))
}

func TestSQLiteCache_Lifecycle(t *testing.T) {
	sc := newSQLiteTestCache(t, nil)

	require.NoError(t, sc.Start())
	assert.True(t, sc.IsRunning())

	err := sc.Start()
	assert.True(t, types.IsError(err, types.ErrAlreadyRunning))

	require.NoError(t, sc.Stop())
	assert.False(t, sc.IsRunning())

	err = sc.Stop()
	assert.True(t, types.IsError(err, types.ErrNotRunning))
}
