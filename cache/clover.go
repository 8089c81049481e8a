package cache

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/types"
	"github.com/stylesift/trendcache/utils"
)

const cloverCollection = "cache_entries"

type CloverConfig struct {
	Path string `json:"path"`
}

// CloverCache keeps entries as documents in an embedded CloverDB
// collection. Document counters are not atomic on their own, so every
// mutation including hit accounting runs under the cache mutex.
type CloverCache struct {
	ctx    context.Context
	logger types.Logger
	config *types.CacheConfig
	db     *clover.DB
	mu     sync.Mutex
	hits   uint64
	misses uint64
	state  atomic.Value
}

func NewCloverCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	cloverConfig := &CloverConfig{}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, cloverConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover cache config")
		}
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.StorageError(err, "failed to open CloverDB")
	}

	exists, err := db.HasCollection(cloverCollection)
	if err != nil {
		_ = db.Close()
		return nil, types.StorageError(err, "failed to check cache collection")
	}

	if !exists {
		if err := db.CreateCollection(cloverCollection); err != nil {
			_ = db.Close()
			return nil, types.StorageError(err, "failed to create cache collection")
		}
	}

	cache := &CloverCache{
		ctx:    ctx,
		logger: logger,
		config: config,
		db:     db,
	}

	cache.state.Store(StateStopped)
	return cache, nil
}

func (c *CloverCache) Get(key string) (interface{}, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()

	doc, err := c.db.Query(cloverCollection).
		Where(clover.Field("key").Eq(key).And(clover.Field("is_valid").Eq(true))).
		FindFirst()
	if err != nil {
		return nil, false, types.StorageError(err, "failed to read cache entry")
	}

	if doc == nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false, nil
	}

	if asInt64(doc.Get("expires_at")) <= now {
		err = c.db.Query(cloverCollection).
			Where(clover.Field("key").Eq(key).And(clover.Field("expires_at").LtEq(now))).
			Delete()
		if err != nil {
			c.logger.Error("Failed to reclaim expired cache entry",
				zap.String("key", key), zap.Error(err))
		}
		atomic.AddUint64(&c.misses, 1)
		return nil, false, nil
	}

	err = c.db.Query(cloverCollection).
		Where(clover.Field("key").Eq(key)).
		Update(map[string]interface{}{
			"hit_count":        asInt64(doc.Get("hit_count")) + 1,
			"last_accessed_at": now,
		})
	if err != nil {
		return nil, false, types.StorageError(err, "failed to record cache hit")
	}

	value, err := decodeDocumentValue(doc)
	if err != nil {
		return nil, false, types.WrapError(err, "failed to decode cache entry")
	}

	atomic.AddUint64(&c.hits, 1)
	return value, true, nil
}

func (c *CloverCache) Put(key string, value interface{}, ttl time.Duration, category string, sizeBytes int64) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if ttl <= 0 {
		return types.Errorf(types.ErrCacheTTLInvalid, "got %s", ttl)
	}
	if sizeBytes < 0 {
		return types.Errorf(types.ErrCacheSizeNegative, "got %d", sizeBytes)
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	payload, err := utils.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to serialize cache value")
	}
	if sizeBytes == 0 {
		sizeBytes = int64(len(payload))
	}

	compressed := false
	encoded := string(payload)
	if len(payload) > utils.CompressionThreshold {
		if packed, cErr := utils.Compress(payload); cErr == nil && len(packed) < len(payload) {
			encoded = base64.StdEncoding.EncodeToString(packed)
			compressed = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if err := c.enforceCapacityLocked(key, now); err != nil {
		return err
	}

	// Overwrite is delete-and-insert; the mutex keeps it atomic per key.
	err = c.db.Query(cloverCollection).
		Where(clover.Field("key").Eq(key)).
		Delete()
	if err != nil {
		return types.StorageError(err, "failed to replace cache entry")
	}

	doc := clover.NewDocument()
	doc.Set("internal_id", uuid.New().String())
	doc.Set("key", key)
	doc.Set("category", category)
	doc.Set("value", encoded)
	doc.Set("compressed", compressed)
	doc.Set("size_bytes", sizeBytes)
	doc.Set("hit_count", int64(0))
	doc.Set("last_accessed_at", now.UnixNano())
	doc.Set("created_at", now.UnixNano())
	doc.Set("expires_at", now.Add(ttl).UnixNano())
	doc.Set("ttl_seconds", int64(ttl.Seconds()))
	doc.Set("is_valid", true)

	if err := c.db.Insert(cloverCollection, doc); err != nil {
		return types.StorageError(err, "failed to insert cache entry")
	}

	return nil
}

func (c *CloverCache) enforceCapacityLocked(key string, now time.Time) error {
	maxEntries := c.config.MaxEntries
	if maxEntries <= 0 {
		return nil
	}

	nowNano := now.UnixNano()

	exists, err := c.db.Query(cloverCollection).
		Where(clover.Field("key").Eq(key)).
		Count()
	if err != nil {
		return types.StorageError(err, "failed to probe cache key")
	}
	if exists > 0 {
		return nil
	}

	live, err := c.db.Query(cloverCollection).
		Where(clover.Field("is_valid").Eq(true).And(clover.Field("expires_at").Gt(nowNano))).
		Count()
	if err != nil {
		return types.StorageError(err, "failed to count cache entries")
	}

	if live < maxEntries {
		return nil
	}

	// Reclaim expired and invalidated documents before touching live
	// ones.
	err = c.db.Query(cloverCollection).
		Where(clover.Field("expires_at").LtEq(nowNano).Or(clover.Field("is_valid").Eq(false))).
		Delete()
	if err != nil {
		return types.StorageError(err, "failed to reclaim expired entries")
	}

	total, err := c.db.Query(cloverCollection).Count()
	if err != nil {
		return types.StorageError(err, "failed to recount cache entries")
	}

	overflow := total - maxEntries + 1
	if overflow <= 0 {
		return nil
	}

	victims, err := c.db.Query(cloverCollection).
		Sort(clover.SortOption{Field: "last_accessed_at", Direction: 1},
			clover.SortOption{Field: "created_at", Direction: 1}).
		Limit(overflow).
		FindAll()
	if err != nil {
		return types.StorageError(err, "failed to select eviction victims")
	}

	for _, victim := range victims {
		err = c.db.Query(cloverCollection).
			Where(clover.Field("key").Eq(victim.Get("key"))).
			Delete()
		if err != nil {
			return types.StorageError(err, "failed to evict cache entry")
		}
	}

	return nil
}

func (c *CloverCache) PutDefault(key string, value interface{}, category string) error {
	ttl := c.config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return c.Put(key, value, ttl, category, 0)
}

func (c *CloverCache) Invalidate(key string) (bool, error) {
	if key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()

	query := c.db.Query(cloverCollection).
		Where(clover.Field("key").Eq(key).
			And(clover.Field("is_valid").Eq(true)).
			And(clover.Field("expires_at").Gt(now)))

	count, err := query.Count()
	if err != nil {
		return false, types.StorageError(err, "failed to probe cache entry")
	}
	if count == 0 {
		return false, nil
	}

	if err := query.Update(map[string]interface{}{"is_valid": false}); err != nil {
		return false, types.StorageError(err, "failed to invalidate cache entry")
	}

	return true, nil
}

func (c *CloverCache) InvalidateCategory(category string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()

	query := c.db.Query(cloverCollection).
		Where(clover.Field("category").Eq(category).
			And(clover.Field("is_valid").Eq(true)).
			And(clover.Field("expires_at").Gt(now)))

	count, err := query.Count()
	if err != nil {
		return 0, types.StorageError(err, "failed to count category entries")
	}
	if count == 0 {
		return 0, nil
	}

	if err := query.Update(map[string]interface{}{"is_valid": false}); err != nil {
		return 0, types.StorageError(err, "failed to invalidate cache category")
	}

	return count, nil
}

func (c *CloverCache) EvictExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()

	query := c.db.Query(cloverCollection).
		Where(clover.Field("expires_at").LtEq(now).Or(clover.Field("is_valid").Eq(false)))

	count, err := query.Count()
	if err != nil {
		return 0, types.StorageError(err, "failed to count expired entries")
	}
	if count == 0 {
		return 0, nil
	}

	if err := query.Delete(); err != nil {
		return 0, types.StorageError(err, "failed to sweep expired entries")
	}

	return count, nil
}

func (c *CloverCache) Stats() types.CacheStats {
	stats := types.CacheStats{
		Hits:   atomic.LoadUint64(&c.hits),
		Misses: atomic.LoadUint64(&c.misses),
	}

	now := time.Now().UnixNano()

	docs, err := c.db.Query(cloverCollection).
		Where(clover.Field("is_valid").Eq(true).And(clover.Field("expires_at").Gt(now))).
		FindAll()
	if err != nil {
		c.logger.Error("Failed to read cache stats", zap.Error(err))
		return stats
	}

	stats.Entries = len(docs)
	for _, doc := range docs {
		stats.TotalBytes += asInt64(doc.Get("size_bytes"))
	}

	return stats
}

func (c *CloverCache) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("Clover cache started")
	return nil
}

func (c *CloverCache) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.StorageError(err, "failed to close CloverDB")
	}

	c.logger.Info("Clover cache stopped gracefully")
	return nil
}

func (c *CloverCache) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverCache) getState() CacheState {
	return c.state.Load().(CacheState)
}

func (c *CloverCache) setState(newState CacheState) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverCache) transitionState(from, to CacheState) bool {
	return c.state.CompareAndSwap(from, to)
}

func decodeDocumentValue(doc *clover.Document) (interface{}, error) {
	encoded, _ := doc.Get("value").(string)
	payload := []byte(encoded)

	if compressed, _ := doc.Get("compressed").(bool); compressed {
		packed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		payload, err = utils.Decompress(packed)
		if err != nil {
			return nil, err
		}
	}

	var value interface{}
	if err := utils.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Clover round-trips integers as int64 or float64 depending on the
// document origin.
func asInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case uint64:
		return int64(val)
	}
	return 0
}
