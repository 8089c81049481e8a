package cache

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/types"
	"github.com/stylesift/trendcache/utils"
)

type SQLiteConfig struct {
	Path          string `json:"path"`
	BusyTimeoutMS int    `json:"busy_timeout_ms"`
}

// SQLiteCache persists entries in a relational table mirroring the
// cache_entries schema of the trend backend: unique key, category and
// validity indexes tuned for bulk invalidation and expiry sweeps.
// Invalidation is a soft delete (is_valid = 0); the sweep reclaims both
// invalidated and expired rows.
type SQLiteCache struct {
	ctx    context.Context
	logger types.Logger
	config *types.CacheConfig
	db     *sql.DB
	mu     sync.Mutex
	hits   uint64
	misses uint64
	state  atomic.Value
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id               TEXT PRIMARY KEY,
	key              TEXT NOT NULL UNIQUE,
	category         TEXT NOT NULL DEFAULT '',
	value            BLOB NOT NULL,
	compressed       INTEGER NOT NULL DEFAULT 0,
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	hit_count        INTEGER NOT NULL DEFAULT 0,
	last_accessed_at INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	ttl_seconds      INTEGER NOT NULL,
	is_valid         INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_cache_category_expires ON cache_entries(category, expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_valid_expires ON cache_entries(is_valid, expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed_at);
`

func NewSQLiteCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	sqliteConfig := &SQLiteConfig{
		Path:          "",
		BusyTimeoutMS: 5000,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, sqliteConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite cache config")
		}
	}

	db, err := sql.Open("sqlite3", dsnWithBusyTimeout(sqliteConfig))
	if err != nil {
		return nil, types.StorageError(err, "failed to open sqlite database")
	}

	// A single writer connection sidesteps SQLITE_BUSY on concurrent
	// transactions; reads still interleave through the shared cache.
	db.SetMaxOpenConns(1)

	cache := &SQLiteCache{
		ctx:    ctx,
		logger: logger,
		config: config,
		db:     db,
	}

	if err := cache.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	cache.state.Store(StateStopped)
	return cache, nil
}

func dsnWithBusyTimeout(cfg *SQLiteConfig) string {
	if cfg.Path == "" {
		return "file::memory:?cache=shared&_busy_timeout=" + itoa(cfg.BusyTimeoutMS)
	}
	return "file:" + cfg.Path + "?_journal_mode=WAL&_busy_timeout=" + itoa(cfg.BusyTimeoutMS)
}

func (s *SQLiteCache) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return types.StorageError(err, "failed to create cache schema")
	}
	return nil
}

func (s *SQLiteCache) Get(key string) (interface{}, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	now := time.Now()

	var payload []byte
	var compressed int
	var expiresAt int64
	err := s.db.QueryRowContext(s.ctx,
		`SELECT value, compressed, expires_at FROM cache_entries WHERE key = ? AND is_valid = 1`,
		key).Scan(&payload, &compressed, &expiresAt)
	if err == sql.ErrNoRows {
		atomic.AddUint64(&s.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.StorageError(err, "failed to read cache entry")
	}

	if now.UnixNano() > expiresAt {
		// Lazy expiry. The deadline is re-checked in the predicate, a
		// concurrent overwrite with a fresh deadline survives.
		_, delErr := s.db.ExecContext(s.ctx,
			`DELETE FROM cache_entries WHERE key = ? AND expires_at <= ?`, key, now.UnixNano())
		if delErr != nil {
			s.logger.Error("Failed to reclaim expired cache entry",
				zap.String("key", key), zap.Error(delErr))
		}
		atomic.AddUint64(&s.misses, 1)
		return nil, false, nil
	}

	// Hit accounting happens in SQL so concurrent readers never lose an
	// increment.
	_, err = s.db.ExecContext(s.ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed_at = ?
		 WHERE key = ? AND is_valid = 1 AND expires_at > ?`,
		now.UnixNano(), key, now.UnixNano())
	if err != nil {
		return nil, false, types.StorageError(err, "failed to record cache hit")
	}

	value, err := decodePayload(payload, compressed != 0)
	if err != nil {
		return nil, false, types.WrapError(err, "failed to decode cache entry")
	}

	atomic.AddUint64(&s.hits, 1)
	return value, true, nil
}

func (s *SQLiteCache) Put(key string, value interface{}, ttl time.Duration, category string, sizeBytes int64) error {
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

	compressed := 0
	if len(payload) > utils.CompressionThreshold {
		if packed, cErr := utils.Compress(payload); cErr == nil && len(packed) < len(payload) {
			payload = packed
			compressed = 1
		}
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return types.StorageError(err, "failed to begin cache transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.enforceCapacityTx(tx, key, now, sizeBytes); err != nil {
		return err
	}

	_, err = tx.ExecContext(s.ctx,
		`INSERT INTO cache_entries
			(id, key, category, value, compressed, size_bytes, hit_count,
			 last_accessed_at, created_at, expires_at, ttl_seconds, is_valid)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, 1)
		 ON CONFLICT(key) DO UPDATE SET
			category = excluded.category,
			value = excluded.value,
			compressed = excluded.compressed,
			size_bytes = excluded.size_bytes,
			hit_count = 0,
			last_accessed_at = excluded.last_accessed_at,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			ttl_seconds = excluded.ttl_seconds,
			is_valid = 1`,
		uuid.New().String(), key, category, payload, compressed, sizeBytes,
		now.UnixNano(), now.UnixNano(), now.Add(ttl).UnixNano(), int64(ttl.Seconds()))
	if err != nil {
		return types.StorageError(err, "failed to write cache entry")
	}

	if err := tx.Commit(); err != nil {
		return types.StorageError(err, "failed to commit cache entry")
	}

	return nil
}

// enforceCapacityTx frees slots inside the same transaction as the
// insert: expired and invalidated rows first, then LRU among live rows.
func (s *SQLiteCache) enforceCapacityTx(tx *sql.Tx, key string, now time.Time, sizeBytes int64) error {
	maxEntries := s.config.MaxEntries
	if maxEntries <= 0 && s.config.MaxTotalBytes <= 0 {
		return nil
	}

	var exists int
	err := tx.QueryRowContext(s.ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE key = ?`, key).Scan(&exists)
	if err != nil {
		return types.StorageError(err, "failed to probe cache key")
	}

	if maxEntries > 0 && exists == 0 {
		var live int
		err = tx.QueryRowContext(s.ctx,
			`SELECT COUNT(*) FROM cache_entries WHERE is_valid = 1 AND expires_at > ?`,
			now.UnixNano()).Scan(&live)
		if err != nil {
			return types.StorageError(err, "failed to count cache entries")
		}

		if live >= maxEntries {
			if _, err = tx.ExecContext(s.ctx,
				`DELETE FROM cache_entries WHERE expires_at <= ? OR is_valid = 0`,
				now.UnixNano()); err != nil {
				return types.StorageError(err, "failed to reclaim expired entries")
			}

			err = tx.QueryRowContext(s.ctx,
				`SELECT COUNT(*) FROM cache_entries`).Scan(&live)
			if err != nil {
				return types.StorageError(err, "failed to recount cache entries")
			}

			if overflow := live - maxEntries + 1; overflow > 0 {
				if _, err = tx.ExecContext(s.ctx,
					`DELETE FROM cache_entries WHERE key IN (
						SELECT key FROM cache_entries
						ORDER BY last_accessed_at ASC, created_at ASC LIMIT ?)`,
					overflow); err != nil {
					return types.StorageError(err, "failed to evict cache entries")
				}
			}
		}
	}

	if s.config.MaxTotalBytes > 0 {
		for {
			var total sql.NullInt64
			err = tx.QueryRowContext(s.ctx,
				`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE key != ?`,
				key).Scan(&total)
			if err != nil {
				return types.StorageError(err, "failed to sum cache entry sizes")
			}
			if total.Int64+sizeBytes <= s.config.MaxTotalBytes || total.Int64 == 0 {
				return nil
			}

			res, err := tx.ExecContext(s.ctx,
				`DELETE FROM cache_entries WHERE key IN (
					SELECT key FROM cache_entries WHERE key != ?
					ORDER BY last_accessed_at ASC, created_at ASC LIMIT 1)`,
				key)
			if err != nil {
				return types.StorageError(err, "failed to evict cache entries by size")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
		}
	}

	return nil
}

func (s *SQLiteCache) PutDefault(key string, value interface{}, category string) error {
	ttl := s.config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.Put(key, value, ttl, category, 0)
}

func (s *SQLiteCache) Invalidate(key string) (bool, error) {
	if key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	res, err := s.db.ExecContext(s.ctx,
		`UPDATE cache_entries SET is_valid = 0
		 WHERE key = ? AND is_valid = 1 AND expires_at > ?`,
		key, time.Now().UnixNano())
	if err != nil {
		return false, types.StorageError(err, "failed to invalidate cache entry")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, types.StorageError(err, "failed to read invalidation result")
	}

	return affected > 0, nil
}

func (s *SQLiteCache) InvalidateCategory(category string) (int, error) {
	res, err := s.db.ExecContext(s.ctx,
		`UPDATE cache_entries SET is_valid = 0
		 WHERE category = ? AND is_valid = 1 AND expires_at > ?`,
		category, time.Now().UnixNano())
	if err != nil {
		return 0, types.StorageError(err, "failed to invalidate cache category")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, types.StorageError(err, "failed to read invalidation result")
	}

	return int(affected), nil
}

func (s *SQLiteCache) EvictExpired() (int, error) {
	res, err := s.db.ExecContext(s.ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ? OR is_valid = 0`,
		time.Now().UnixNano())
	if err != nil {
		return 0, types.StorageError(err, "failed to sweep expired entries")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, types.StorageError(err, "failed to read sweep result")
	}

	return int(affected), nil
}

func (s *SQLiteCache) Stats() types.CacheStats {
	stats := types.CacheStats{
		Hits:   atomic.LoadUint64(&s.hits),
		Misses: atomic.LoadUint64(&s.misses),
	}

	var entries int
	var totalBytes sql.NullInt64
	err := s.db.QueryRowContext(s.ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries
		 WHERE is_valid = 1 AND expires_at > ?`,
		time.Now().UnixNano()).Scan(&entries, &totalBytes)
	if err != nil {
		s.logger.Error("Failed to read cache stats", zap.Error(err))
		return stats
	}

	stats.Entries = entries
	stats.TotalBytes = totalBytes.Int64
	return stats
}

func (s *SQLiteCache) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	if err := s.db.PingContext(s.ctx); err != nil {
		s.setState(StateStopped)
		return types.StorageError(err, "sqlite ping failed")
	}

	s.logger.Info("SQLite cache started")
	return nil
}

func (s *SQLiteCache) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		s.setState(StateStopped)
	}()

	if err := s.db.Close(); err != nil {
		return types.StorageError(err, "failed to close sqlite database")
	}

	s.logger.Info("SQLite cache stopped gracefully")
	return nil
}

func (s *SQLiteCache) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *SQLiteCache) getState() CacheState {
	return s.state.Load().(CacheState)
}

func (s *SQLiteCache) setState(newState CacheState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *SQLiteCache) transitionState(from, to CacheState) bool {
	return s.state.CompareAndSwap(from, to)
}

func decodePayload(payload []byte, compressed bool) (interface{}, error) {
	if compressed {
		raw, err := utils.Decompress(payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	}

	var value interface{}
	if err := utils.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func itoa(v int) string {
	if v <= 0 {
		return "5000"
	}
	return strconv.Itoa(v)
}
