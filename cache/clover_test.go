package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylesift/trendcache/types"
)

func newCloverTestCache(t *testing.T, config *types.CacheConfig) *CloverCache {
	t.Helper()

	if config == nil {
		config = &types.CacheConfig{
			Enabled:    true,
			Type:       "clover",
			MaxEntries: 1000,
			DefaultTTL: time.Hour,
		}
	}
	config.Config = map[string]interface{}{
		"path": t.TempDir(),
	}

	manager, err := NewCloverCache(context.Background(), testLogger(), config)
	require.NoError(t, err)

	cc, ok := manager.(*CloverCache)
	require.True(t, ok)

	t.Cleanup(func() {
		_ = cc.db.Close()
	})

	return cc
}

func TestCloverCache_PutGet(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	err := cc.Put("trends:denim", map[string]interface{}{"score": 0.71}, time.Minute, types.CategoryTrendData, 0)
	require.NoError(t, err)

	value, exists, err := cc.Get("trends:denim")
	require.NoError(t, err)
	require.True(t, exists)

	payload, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.71, payload["score"])

	_, exists, err = cc.Get("trends:unknown")
	require.NoError(t, err)
	assert.False(t, exists)

	stats := cc.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCloverCache_Expiry(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	require.NoError(t, cc.Put("short", "v", 50*time.Millisecond, "", 0))

	time.Sleep(80 * time.Millisecond)

	_, exists, err := cc.Get("short")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, 0, cc.Stats().Entries)
}

func TestCloverCache_Invalidate(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	require.NoError(t, cc.Put("k", "v", time.Minute, "", 0))

	present, err := cc.Invalidate("k")
	require.NoError(t, err)
	assert.True(t, present)

	_, exists, err := cc.Get("k")
	require.NoError(t, err)
	assert.False(t, exists)

	present, err = cc.Invalidate("k")
	require.NoError(t, err)
	assert.False(t, present)

	present, err = cc.Invalidate("absent")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestCloverCache_InvalidateCategory(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	require.NoError(t, cc.Put("trend:1", 1, time.Minute, types.CategoryTrendData, 0))
	require.NoError(t, cc.Put("trend:2", 2, time.Minute, types.CategoryTrendData, 0))
	require.NoError(t, cc.Put("resp:1", 3, time.Minute, types.CategoryAPIResponse, 0))

	count, err := cc.InvalidateCategory(types.CategoryTrendData)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = cc.InvalidateCategory(types.CategoryTrendData)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, exists, err := cc.Get("resp:1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCloverCache_EvictExpired(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	require.NoError(t, cc.Put("stale", 1, 50*time.Millisecond, "", 0))
	require.NoError(t, cc.Put("live", 2, time.Minute, "", 0))
	require.NoError(t, cc.Put("soft", 3, time.Minute, "", 0))

	_, err := cc.Invalidate("soft")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	removed, err := cc.EvictExpired()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = cc.EvictExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, exists, err := cc.Get("live")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCloverCache_LRUEvictionOrder(t *testing.T) {
	cc := newCloverTestCache(t, &types.CacheConfig{
		Enabled:    true,
		Type:       "clover",
		MaxEntries: 3,
	})

	require.NoError(t, cc.Put("a", 1, time.Minute, "", 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cc.Put("b", 2, time.Minute, "", 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cc.Put("c", 3, time.Minute, "", 0))
	time.Sleep(5 * time.Millisecond)

	_, exists, err := cc.Get("a")
	require.NoError(t, err)
	require.True(t, exists)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, cc.Put("d", 4, time.Minute, "", 0))

	for _, key := range []string{"a", "c", "d"} {
		_, exists, err := cc.Get(key)
		require.NoError(t, err)
		assert.True(t, exists, "key %q must survive the eviction", key)
	}

	_, exists, err = cc.Get("b")
	require.NoError(t, err)
	assert.False(t, exists, "least recently accessed key must be evicted")
}

func TestCloverCache_OverwriteResetsHitCount(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	require.NoError(t, cc.Put("k", "v", time.Minute, "", 0))

	_, _, err := cc.Get("k")
	require.NoError(t, err)

	require.NoError(t, cc.Put("k", "v2", time.Minute, "", 0))

	doc, err := cc.db.Query(cloverCollection).
		FindFirst()
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(0), asInt64(doc.Get("hit_count")))

	value, exists, err := cc.Get("k")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "v2", value)
}

func TestCloverCache_CompressedRoundTrip(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	big := strings.Repeat("chunky loafers trend report ", 200)
	require.NoError(t, cc.Put("big", big, time.Minute, "", 0))

	doc, err := cc.db.Query(cloverCollection).FindFirst()
	require.NoError(t, err)
	require.NotNil(t, doc)
	compressed, _ := doc.Get("compressed").(bool)
	assert.True(t, compressed)

	value, exists, err := cc.Get("big")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, big, value)
}

func TestCloverCache_Lifecycle(t *testing.T) {
	cc := newCloverTestCache(t, nil)

	require.NoError(t, cc.Start())
	assert.True(t, cc.IsRunning())

	err := cc.Start()
	assert.True(t, types.IsError(err, types.ErrAlreadyRunning))

	require.NoError(t, cc.Stop())
	assert.False(t, cc.IsRunning())

	err = cc.Stop()
	assert.True(t, types.IsError(err, types.ErrNotRunning))
}
