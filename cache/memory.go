package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stylesift/trendcache/types"
	"github.com/stylesift/trendcache/utils"
)

type CacheState int32

const (
	StateStopped CacheState = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour

	// sweepBatchSize bounds how many removals happen under one write-lock
	// acquisition during a sweep, so point lookups never stall behind a
	// full scan.
	sweepBatchSize = 256
)

type MemoryConfig struct {
	CleanupInterval string `json:"cleanup_interval"`
}

// entry is the in-memory record. value, category and the timestamps are
// immutable after construction; an overwrite installs a fresh entry, so a
// concurrent reader sees either the old record or the new one, never a
// mix. Hit accounting uses atomics so readers holding only the read lock
// never lose an update.
type entry struct {
	key        string
	category   string
	value      interface{}
	sizeBytes  int64
	ttl        time.Duration
	createdAt  time.Time
	expiresAt  time.Time
	hits       atomic.Int64
	lastAccess atomic.Int64
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

type MemoryCache struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *types.CacheConfig
	memConfig   *MemoryConfig
	logger      types.Logger
	data        map[string]*entry
	categories  map[string]map[string]struct{}
	totalBytes  int64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	mu          sync.RWMutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	now         func() time.Time
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	memConfig := &MemoryConfig{
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	cache := &MemoryCache{
		ctx:         cacheCtx,
		cancel:      cancel,
		config:      config,
		memConfig:   memConfig,
		logger:      logger,
		data:        make(map[string]*entry),
		categories:  make(map[string]map[string]struct{}),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		now:         time.Now,
	}

	cache.state.Store(StateStopped)

	return cache, nil
}

func (m *MemoryCache) Get(key string) (interface{}, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	now := m.now()

	m.mu.RLock()
	e, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false, nil
	}

	if e.expired(now) {
		m.mu.RUnlock()

		// Reclaim the slot eagerly, re-checking under the write lock in
		// case a concurrent Put refreshed the key in the meantime.
		m.mu.Lock()
		if cur, ok := m.data[key]; ok && cur.expired(m.now()) {
			m.removeEntryUnsafe(cur)
			atomic.AddUint64(&m.expirations, 1)
		}
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false, nil
	}

	value := e.value
	e.hits.Add(1)
	e.lastAccess.Store(now.UnixNano())
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)
	return value, true, nil
}

func (m *MemoryCache) Put(key string, value interface{}, ttl time.Duration, category string, sizeBytes int64) error {
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
		n, err := utils.SerializedSize(value)
		if err != nil {
			m.logger.Debug("Cache value not serializable, size accounting skipped",
				zap.String("key", key), zap.Error(err))
		} else {
			sizeBytes = n
		}
	}

	now := m.now()
	e := &entry{
		key:       key,
		category:  category,
		value:     value,
		sizeBytes: sizeBytes,
		ttl:       ttl,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	e.lastAccess.Store(now.UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.data[key]

	// The capacity check, eviction and insert share one critical section
	// so concurrent Puts can never push the store past the bound.
	if !exists && m.config.MaxEntries > 0 && len(m.data) >= m.config.MaxEntries {
		m.evictOneUnsafe(now, "")
	}

	if exists {
		m.removeEntryUnsafe(old)
	}
	m.insertEntryUnsafe(e)

	if m.config.MaxTotalBytes > 0 {
		for m.totalBytes > m.config.MaxTotalBytes && len(m.data) > 1 {
			if !m.evictOneUnsafe(now, key) {
				break
			}
		}
	}

	return nil
}

func (m *MemoryCache) PutDefault(key string, value interface{}, category string) error {
	ttl := m.config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.Put(key, value, ttl, category, 0)
}

func (m *MemoryCache) Invalidate(key string) (bool, error) {
	if key == "" {
		return false, types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.data[key]
	if !exists {
		return false, nil
	}

	// An expired entry is logically absent, reclaim it but report false.
	if e.expired(m.now()) {
		m.removeEntryUnsafe(e)
		atomic.AddUint64(&m.expirations, 1)
		return false, nil
	}

	m.removeEntryUnsafe(e)
	return true, nil
}

func (m *MemoryCache) InvalidateCategory(category string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.categories[category]
	if len(keys) == 0 {
		return 0, nil
	}

	now := m.now()
	count := 0
	for key := range keys {
		e := m.data[key]
		if e == nil {
			continue
		}
		if e.expired(now) {
			m.removeEntryUnsafe(e)
			atomic.AddUint64(&m.expirations, 1)
			continue
		}
		m.removeEntryUnsafe(e)
		count++
	}

	return count, nil
}

func (m *MemoryCache) EvictExpired() (int, error) {
	now := m.now()

	m.mu.RLock()
	candidates := make([]string, 0, 64)
	for key, e := range m.data {
		if e.expired(now) {
			candidates = append(candidates, key)
		}
	}
	m.mu.RUnlock()

	// Removal is batched and re-checks the deadline under the write lock:
	// a key refreshed by Put after the scan must survive the sweep.
	removed := 0
	for start := 0; start < len(candidates); start += sweepBatchSize {
		end := min(start+sweepBatchSize, len(candidates))

		m.mu.Lock()
		for _, key := range candidates[start:end] {
			if e, ok := m.data[key]; ok && e.expired(m.now()) {
				m.removeEntryUnsafe(e)
				removed++
			}
		}
		m.mu.Unlock()
	}

	if removed > 0 {
		atomic.AddUint64(&m.expirations, uint64(removed))
		m.logger.Debug("Expiry sweep completed", zap.Int("removed", removed))
	}

	return removed, nil
}

func (m *MemoryCache) Stats() types.CacheStats {
	m.mu.RLock()
	entries := len(m.data)
	totalBytes := m.totalBytes
	m.mu.RUnlock()

	return types.CacheStats{
		Hits:        atomic.LoadUint64(&m.hits),
		Misses:      atomic.LoadUint64(&m.misses),
		Evictions:   atomic.LoadUint64(&m.evictions),
		Expirations: atomic.LoadUint64(&m.expirations),
		Entries:     entries,
		TotalBytes:  totalBytes,
	}
}

// Snapshot exports the current record for key as a CacheEntry, or false
// if the key is absent or expired. The copy is detached: hit and access
// counters keep moving in the live entry afterwards.
func (m *MemoryCache) Snapshot(key string) (*types.CacheEntry, bool) {
	m.mu.RLock()
	e, exists := m.data[key]
	m.mu.RUnlock()

	if !exists || e.expired(m.now()) {
		return nil, false
	}

	return &types.CacheEntry{
		Key:            e.key,
		Category:       e.category,
		Value:          e.value,
		SizeBytes:      e.sizeBytes,
		HitCount:       e.hits.Load(),
		LastAccessedAt: time.Unix(0, e.lastAccess.Load()),
		CreatedAt:      e.createdAt,
		ExpiresAt:      e.expiresAt,
		TTL:            e.ttl,
		IsValid:        true,
	}, true
}

func (m *MemoryCache) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		m.logger.Warn("Memory cache is already running")
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	if m.memConfig.CleanupInterval != "" {
		go m.startCleanupRoutine()
	} else {
		close(m.cleanupDone)
	}

	m.logger.Info("Memory cache started",
		zap.Int("max_entries", m.config.MaxEntries),
		zap.Int64("max_total_bytes", m.config.MaxTotalBytes))
	return nil
}

func (m *MemoryCache) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		m.logger.Warn("Memory cache is not running")
		return types.ErrNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.cancel()

	select {
	case m.stopCleanup <- struct{}{}:
	case <-time.After(time.Second):
	}

	select {
	case <-m.cleanupDone:
		m.logger.Debug("Cleanup routine stopped")
	case <-time.After(5 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.mu.Lock()
	cleared := len(m.data)
	m.data = make(map[string]*entry)
	m.categories = make(map[string]map[string]struct{})
	m.totalBytes = 0
	m.mu.Unlock()

	m.logger.Info("Memory cache stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryCache) getState() CacheState {
	return m.state.Load().(CacheState)
}

func (m *MemoryCache) setState(newState CacheState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryCache) transitionState(from, to CacheState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryCache) startCleanupRoutine() {
	defer close(m.cleanupDone)

	cleanupInterval, err := time.ParseDuration(m.memConfig.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 5m",
			zap.String("interval", m.memConfig.CleanupInterval),
			zap.Error(err))
		cleanupInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-m.stopCleanup:
			m.logger.Debug("Cleanup routine stopped by signal")
			return
		case <-ticker.C:
			if _, err := m.EvictExpired(); err != nil {
				m.logger.ErrorWithErrStack("Expiry sweep failed", err)
			}
		}
	}
}

func (m *MemoryCache) insertEntryUnsafe(e *entry) {
	m.data[e.key] = e
	keys := m.categories[e.category]
	if keys == nil {
		keys = make(map[string]struct{})
		m.categories[e.category] = keys
	}
	keys[e.key] = struct{}{}
	m.totalBytes += e.sizeBytes
}

func (m *MemoryCache) removeEntryUnsafe(e *entry) {
	delete(m.data, e.key)
	if keys, ok := m.categories[e.category]; ok {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(m.categories, e.category)
		}
	}
	m.totalBytes -= e.sizeBytes
}

// evictOneUnsafe removes one entry chosen by policy: anything already past
// its deadline goes first, then the least recently accessed live entry,
// oldest created_at breaking ties. skip protects the key currently being
// inserted from byte-budget eviction.
func (m *MemoryCache) evictOneUnsafe(now time.Time, skip string) bool {
	victim := m.findVictimUnsafe(now, skip)
	if victim == nil {
		return false
	}

	m.removeEntryUnsafe(victim)
	atomic.AddUint64(&m.evictions, 1)
	return true
}

func (m *MemoryCache) findVictimUnsafe(now time.Time, skip string) *entry {
	var victim *entry
	var victimExpired bool
	var victimAccess int64

	for key, e := range m.data {
		if key == skip {
			continue
		}

		expired := e.expired(now)
		access := e.lastAccess.Load()

		if victim == nil {
			victim, victimExpired, victimAccess = e, expired, access
			continue
		}

		if expired != victimExpired {
			if expired {
				victim, victimExpired, victimAccess = e, true, access
			}
			continue
		}

		if access < victimAccess ||
			(access == victimAccess && e.createdAt.Before(victim.createdAt)) {
			victim, victimExpired, victimAccess = e, expired, access
		}
	}

	return victim
}
