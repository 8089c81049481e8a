package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/types"
	"github.com/stylesift/trendcache/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

type redisEnvelope struct {
	Value     interface{} `json:"value"`
	Category  string      `json:"category"`
	SizeBytes int64       `json:"size_bytes"`
	CreatedAt int64       `json:"created_at"`
}

// RedisCache maps entries onto native redis TTLs: the server expires
// keys on its own, hit counters live in companion keys incremented with
// INCR, and category membership is tracked in sets so bulk invalidation
// stays one round trip. The entry count bound is delegated to the redis
// maxmemory policy; EvictExpired prunes category sets of members whose
// entry key already expired server-side.
type RedisCache struct {
	ctx     context.Context
	logger  types.Logger
	config  *types.CacheConfig
	redis   *RedisConfig
	client  *redis.Client
	hits    uint64
	misses  uint64
	started int32
}

func NewRedisCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		Password:           "",
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "trendcache",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	cache := &RedisCache{
		ctx:    ctx,
		logger: logger,
		config: config,
		redis:  redisConfig,
	}

	cache.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	if err := cache.ping(); err != nil {
		return nil, types.StorageError(err, "failed to connect to redis")
	}

	return cache, nil
}

func (r *RedisCache) Get(key string) (interface{}, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	result, err := r.client.Get(r.ctx, r.entryKey(key)).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			atomic.AddUint64(&r.misses, 1)
			return nil, false, nil
		}
		return nil, false, types.StorageError(err, "failed to read cache entry")
	}

	var envelope redisEnvelope
	if err := utils.Unmarshal([]byte(result), &envelope); err != nil {
		// A corrupt envelope is unreadable forever, drop it.
		r.client.Del(r.ctx, r.entryKey(key), r.hitsKey(key))
		atomic.AddUint64(&r.misses, 1)
		r.logger.Error("Dropped corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}

	// INCR is atomic server-side, concurrent readers never lose a hit.
	if err := r.client.Incr(r.ctx, r.hitsKey(key)).Err(); err != nil {
		r.logger.Warn("Failed to record cache hit", zap.String("key", key), zap.Error(err))
	}

	atomic.AddUint64(&r.hits, 1)
	return envelope.Value, true, nil
}

func (r *RedisCache) Put(key string, value interface{}, ttl time.Duration, category string, sizeBytes int64) error {
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

	if sizeBytes == 0 {
		computed, err := utils.SerializedSize(value)
		if err != nil {
			return types.WrapError(err, "failed to size cache value")
		}
		sizeBytes = computed
	}

	envelope := &redisEnvelope{
		Value:     value,
		Category:  category,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now().UnixNano(),
	}

	data, err := utils.Marshal(envelope)
	if err != nil {
		return types.WrapError(err, "failed to serialize cache entry")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(r.ctx, r.entryKey(key), data, ttl)
	pipe.Set(r.ctx, r.hitsKey(key), 0, ttl)
	if category != "" {
		pipe.SAdd(r.ctx, r.categoryKey(category), key)
	}

	if _, err := pipe.Exec(r.ctx); err != nil {
		return types.StorageError(err, "failed to write cache entry")
	}

	return nil
}

func (r *RedisCache) PutDefault(key string, value interface{}, category string) error {
	ttl := r.config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return r.Put(key, value, ttl, category, 0)
}

func (r *RedisCache) Invalidate(key string) (bool, error) {
	if key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	result, err := r.client.GetDel(r.ctx, r.entryKey(key)).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return false, nil
		}
		return false, types.StorageError(err, "failed to invalidate cache entry")
	}

	r.client.Del(r.ctx, r.hitsKey(key))

	var envelope redisEnvelope
	if err := utils.Unmarshal([]byte(result), &envelope); err == nil && envelope.Category != "" {
		r.client.SRem(r.ctx, r.categoryKey(envelope.Category), key)
	}

	return true, nil
}

func (r *RedisCache) InvalidateCategory(category string) (int, error) {
	members, err := r.client.SMembers(r.ctx, r.categoryKey(category)).Result()
	if err != nil {
		return 0, types.StorageError(err, "failed to read cache category")
	}
	if len(members) == 0 {
		return 0, nil
	}

	removed := 0
	const batchSize = 100

	for i := 0; i < len(members); i += batchSize {
		batch := members[i:min(i+batchSize, len(members))]

		keys := make([]string, 0, len(batch)*2)
		for _, member := range batch {
			keys = append(keys, r.entryKey(member), r.hitsKey(member))
		}

		deleted, err := r.client.Del(r.ctx, keys...).Result()
		if err != nil {
			return removed, types.StorageError(err, "failed to invalidate cache category")
		}
		// Each member owns an entry key and a hits key.
		removed += int(deleted) / 2
	}

	if err := r.client.Del(r.ctx, r.categoryKey(category)).Err(); err != nil {
		return removed, types.StorageError(err, "failed to drop cache category set")
	}

	return removed, nil
}

// EvictExpired removes category-set members whose entry key the server
// already expired. Existence checks run in batches so a large category
// never pins the connection.
func (r *RedisCache) EvictExpired() (int, error) {
	categories, err := r.scanKeys(r.redis.KeyPrefix + ":cat:*")
	if err != nil {
		return 0, types.StorageError(err, "failed to scan cache categories")
	}

	pruned := 0
	const batchSize = 100

	for _, categoryKey := range categories {
		members, err := r.client.SMembers(r.ctx, categoryKey).Result()
		if err != nil {
			return pruned, types.StorageError(err, "failed to read cache category")
		}

		for i := 0; i < len(members); i += batchSize {
			select {
			case <-r.ctx.Done():
				return pruned, nil
			default:
			}

			batch := members[i:min(i+batchSize, len(members))]

			entryKeys := make([]string, len(batch))
			for j, member := range batch {
				entryKeys[j] = r.entryKey(member)
			}

			ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
			alive, err := r.client.Exists(ctx, entryKeys...).Result()
			cancel()
			if err != nil {
				r.logger.Error("Failed to check entry existence during sweep",
					zap.Error(err), zap.Int("batch_size", len(batch)))
				continue
			}

			if alive == int64(len(batch)) {
				continue
			}

			for _, member := range batch {
				exists, err := r.client.Exists(r.ctx, r.entryKey(member)).Result()
				if err != nil {
					r.logger.Warn("Failed to check entry existence",
						zap.String("key", member), zap.Error(err))
					continue
				}
				if exists == 0 {
					if err := r.client.SRem(r.ctx, categoryKey, member).Err(); err == nil {
						pruned++
					}
				}
			}
		}
	}

	return pruned, nil
}

func (r *RedisCache) Stats() types.CacheStats {
	stats := types.CacheStats{
		Hits:   atomic.LoadUint64(&r.hits),
		Misses: atomic.LoadUint64(&r.misses),
	}

	entries, err := r.scanKeys(r.redis.KeyPrefix + ":entry:*")
	if err != nil {
		r.logger.Error("Failed to scan cache entries for stats", zap.Error(err))
		return stats
	}

	stats.Entries = len(entries)
	return stats
}

func (r *RedisCache) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrAlreadyRunning
	}

	if err := r.ping(); err != nil {
		atomic.StoreInt32(&r.started, 0)
		return types.StorageError(err, "redis ping failed")
	}

	r.logger.Info("Redis cache started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.redis.Host, r.redis.Port)))
	return nil
}

func (r *RedisCache) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.StorageError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache stopped gracefully")
	return nil
}

func (r *RedisCache) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisCache) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) scanKeys(pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := r.client.Scan(r.ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *RedisCache) entryKey(key string) string {
	return r.redis.KeyPrefix + ":entry:" + key
}

func (r *RedisCache) hitsKey(key string) string {
	return r.redis.KeyPrefix + ":hits:" + key
}

func (r *RedisCache) categoryKey(category string) string {
	return r.redis.KeyPrefix + ":cat:" + category
}
