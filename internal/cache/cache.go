// Package cache implements named, TTL-bound caches backed by the KV store,
// with an in-process LRU index, lazily-expired reads, batched access-stat
// writeback, and bulk operations for startup sync.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/ctrlplane/gpu-fleet/internal/observability"
)

// Metrics mirrors the in-process counters a cache reports alongside its
// Prometheus series.
type Metrics struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	TotalSize int64
}

// HitRatio returns hits/(hits+misses), or 0 when there have been no reads.
func (m Metrics) HitRatio() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

type record struct {
	Data           json.RawMessage `json:"data"`
	CreatedAt      int64           `json:"createdAt"`
	TTLMs          int64           `json:"ttlMs"`
	AccessCount    int64           `json:"accessCount"`
	LastAccessedAt int64           `json:"lastAccessedAt"`
}

func (r record) expired(now time.Time) bool {
	if r.TTLMs <= 0 {
		return false
	}
	createdAt := time.UnixMilli(r.CreatedAt)
	return now.Sub(createdAt) > time.Duration(r.TTLMs)*time.Millisecond
}

type accessUpdate struct {
	count int64
}

// Cache is one named cache domain (instances, products, templates,
// migration-times, …), durable in the KV store with an in-process LRU index
// used only to decide eviction order.
type Cache struct {
	name    string
	kv      *kvstore.Client
	maxSize int

	mu          sync.Mutex
	lru         *list.List
	index       map[string]*list.Element
	pending     map[string]accessUpdate
	setsSinceSz int
	cachedSize  int64
	cachedAt    time.Time

	statsFlushInterval  time.Duration
	sizeRefreshInterval time.Duration
	cleanupInterval     time.Duration
	scanBatchSize       int64

	metrics Metrics

	log *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures the background cadences for a Cache; zero values fall
// back to spec defaults.
type Options struct {
	MaxSize             int
	StatsFlushInterval  time.Duration
	SizeRefreshInterval time.Duration
	CleanupInterval     time.Duration
	ScanBatchSize       int64
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = 1000
	}
	if o.StatsFlushInterval <= 0 {
		o.StatsFlushInterval = 5 * time.Second
	}
	if o.SizeRefreshInterval <= 0 {
		o.SizeRefreshInterval = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Minute
	}
	if o.ScanBatchSize <= 0 {
		o.ScanBatchSize = 100
	}
	return o
}

// New constructs a named cache over kv.
func New(name string, kv *kvstore.Client, log *slog.Logger, opts Options) *Cache {
	opts = opts.withDefaults()
	return &Cache{
		name:                name,
		kv:                  kv,
		maxSize:             opts.MaxSize,
		lru:                 list.New(),
		index:               make(map[string]*list.Element),
		pending:             make(map[string]accessUpdate),
		statsFlushInterval:  opts.StatsFlushInterval,
		sizeRefreshInterval: opts.SizeRefreshInterval,
		cleanupInterval:     opts.CleanupInterval,
		scanBatchSize:       opts.ScanBatchSize,
		log:                 log,
		stopCh:              make(chan struct{}),
	}
}

// Name returns the cache's domain name.
func (c *Cache) Name() string { return c.name }

func (c *Cache) fullKey(key string) string {
	return fmt.Sprintf("cache:%s:%s", c.name, key)
}

// Start launches the background access-stat flusher, periodic cleanup
// sweep, and periodic size refresh. Callers stop it via Stop when shutting
// down.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(3)
	go c.flushLoop(ctx)
	go c.cleanupLoop(ctx)
	go c.sizeRefreshLoop(ctx)
}

// Stop terminates the background loops.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache) flushLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.statsFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.flushAccessStats(ctx)
		}
	}
}

func (c *Cache) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.cleanupExpired(ctx); err != nil {
				c.log.Warn("cache cleanup sweep failed", slog.String("cache", c.name), slog.Any("error", err))
			}
		}
	}
}

// sizeRefreshLoop keeps the TotalSize metric fresh on a wall-clock cadence
// even when a cache domain sees only Delete/eviction traffic between Sets.
func (c *Cache) sizeRefreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sizeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshSize(ctx)
		}
	}
}

// Get returns the stored value for key, or ok=false if absent or expired.
// Expired reads fire a fire-and-forget delete and are counted as a miss.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := c.kv.Get(ctx, c.fullKey(key))
	if err == kvstore.ErrNotFound {
		c.recordMiss(key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache %s: get %s: %w", c.name, key, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("cache %s: decoding entry %s: %w", c.name, key, err)
	}

	if rec.expired(time.Now()) {
		go func() {
			_, _ = c.kv.Del(context.Background(), c.fullKey(key))
		}()
		c.recordMiss(key)
		c.untrack(key)
		return nil, false, nil
	}

	c.recordHit(key)
	c.touch(key)
	return rec.Data, true, nil
}

// Set stores data under key with the given ttl (zero means no expiry),
// evicting the least-recently-used entry first if this is a new key and the
// cache is at capacity.
func (c *Cache) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	c.mu.Lock()
	_, existing := c.index[key]
	if !existing && len(c.index) >= c.maxSize {
		c.evictOldestLocked(ctx)
	}
	c.touchLocked(key)
	c.setsSinceSz++
	refreshSize := c.setsSinceSz >= 10 || time.Since(c.cachedAt) >= c.sizeRefreshInterval
	if refreshSize {
		c.setsSinceSz = 0
	}
	c.mu.Unlock()

	now := time.Now()
	rec := record{Data: data, CreatedAt: now.UnixMilli(), TTLMs: ttl.Milliseconds(), LastAccessedAt: now.UnixMilli()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache %s: encoding entry %s: %w", c.name, key, err)
	}
	if err := c.kv.Set(ctx, c.fullKey(key), raw, ttl); err != nil {
		return fmt.Errorf("cache %s: set %s: %w", c.name, key, err)
	}

	atomic.AddInt64(&c.metrics.Sets, 1)
	if refreshSize {
		c.refreshSize(ctx)
	}
	return nil
}

// Delete removes key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.kv.Del(ctx, c.fullKey(key)); err != nil {
		return fmt.Errorf("cache %s: delete %s: %w", c.name, key, err)
	}
	c.untrack(key)
	atomic.AddInt64(&c.metrics.Deletes, 1)
	return nil
}

// Keys returns every key currently stored in this cache domain (its
// namespace prefix stripped), used by AutoStopCheck's enumeration and by
// startup sync's cache/provider reconciliation (spec.md §4.E, §4.F).
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("cache:%s:", c.name)
	pattern := prefix + "*"
	nsPrefix := c.kv.Key(prefix)
	var keys []string
	var cursor uint64
	for {
		res, err := c.kv.Scan(ctx, cursor, pattern, c.scanBatchSize)
		if err != nil {
			return nil, fmt.Errorf("cache %s: listing keys: %w", c.name, err)
		}
		for _, fullKey := range res.Keys {
			if strings.HasPrefix(fullKey, nsPrefix) {
				keys = append(keys, strings.TrimPrefix(fullKey, nsPrefix))
			}
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Exists reports whether key is present (and, if expired, behaves as absent
// without triggering a delete — callers wanting lazy-expiry semantics should
// use Get).
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := c.kv.Exists(ctx, c.fullKey(key))
	if err != nil {
		return false, fmt.Errorf("cache %s: exists %s: %w", c.name, key, err)
	}
	return ok, nil
}

// Metrics returns a snapshot of the cache's counters, including the cached
// size measurement.
func (c *Cache) Metrics() Metrics {
	return Metrics{
		Hits:      atomic.LoadInt64(&c.metrics.Hits),
		Misses:    atomic.LoadInt64(&c.metrics.Misses),
		Sets:      atomic.LoadInt64(&c.metrics.Sets),
		Deletes:   atomic.LoadInt64(&c.metrics.Deletes),
		Evictions: atomic.LoadInt64(&c.metrics.Evictions),
		TotalSize: atomic.LoadInt64(&c.cachedSize),
	}
}

func (c *Cache) recordHit(key string) {
	atomic.AddInt64(&c.metrics.Hits, 1)
	observability.CacheHitsTotal.WithLabelValues(c.name).Inc()
	c.mu.Lock()
	u := c.pending[key]
	u.count++
	c.pending[key] = u
	c.mu.Unlock()
}

func (c *Cache) recordMiss(key string) {
	atomic.AddInt64(&c.metrics.Misses, 1)
	observability.CacheMissesTotal.WithLabelValues(c.name).Inc()
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked(key)
}

func (c *Cache) touchLocked(key string) {
	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(key)
	c.index[key] = el
}

func (c *Cache) untrack(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.lru.Remove(el)
		delete(c.index, key)
	}
	delete(c.pending, key)
}

// evictOldestLocked removes the least-recently-used tracked key. Caller must
// hold c.mu.
func (c *Cache) evictOldestLocked(ctx context.Context) {
	el := c.lru.Back()
	if el == nil {
		return
	}
	key := el.Value.(string)
	c.lru.Remove(el)
	delete(c.index, key)
	delete(c.pending, key)
	go func() {
		_, _ = c.kv.Del(ctx, c.fullKey(key))
	}()
	atomic.AddInt64(&c.metrics.Evictions, 1)
	observability.CacheEvictionsTotal.WithLabelValues(c.name, "lru").Inc()
}

// flushAccessStats pipelines the batched access-count/lastAccessedAt updates
// back to the KV store, preserving each entry's remaining TTL.
func (c *Cache) flushAccessStats(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]accessUpdate)
	c.mu.Unlock()

	now := time.Now()
	for key, upd := range batch {
		raw, err := c.kv.Get(ctx, c.fullKey(key))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		rec.AccessCount += upd.count
		rec.LastAccessedAt = now.UnixMilli()

		ttl := time.Duration(0)
		if rec.TTLMs > 0 {
			remaining, err := c.kv.TTL(ctx, c.fullKey(key))
			if err == nil && remaining > 0 {
				ttl = remaining
			}
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := c.kv.Set(ctx, c.fullKey(key), encoded, ttl); err != nil {
			c.log.Warn("cache access-stat writeback failed", slog.String("cache", c.name), slog.String("key", key), slog.Any("error", err))
		}
	}
}

// cleanupExpired scans the cache's namespace in batches and deletes expired
// entries, defending against SCAN returning keys outside this cache's
// namespace (should not happen given the match pattern, but the contract
// demands it).
func (c *Cache) cleanupExpired(ctx context.Context) error {
	prefix := fmt.Sprintf("cache:%s:", c.name)
	pattern := prefix + "*"
	nsPrefix := c.kv.Key(prefix)
	now := time.Now()
	var cursor uint64
	for {
		res, err := c.kv.Scan(ctx, cursor, pattern, c.scanBatchSize)
		if err != nil {
			return fmt.Errorf("cache %s: cleanup scan: %w", c.name, err)
		}
		for _, fullKey := range res.Keys {
			if !strings.HasPrefix(fullKey, nsPrefix) {
				continue
			}
			raw, err := c.rawGetFullKey(ctx, fullKey)
			if err != nil {
				continue
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if rec.expired(now) {
				_, _ = c.delFullKey(ctx, fullKey)
			}
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	return nil
}

// rawGetFullKey/delFullKey bypass the keyPrefix+name wrapping that Get/Delete
// apply, since cleanupExpired already has the kvstore-relative full key from
// Scan.
func (c *Cache) rawGetFullKey(ctx context.Context, fullKey string) ([]byte, error) {
	return c.kv.GetRaw(ctx, fullKey)
}

func (c *Cache) delFullKey(ctx context.Context, fullKey string) (bool, error) {
	return c.kv.DelRaw(ctx, fullKey)
}

// refreshSize recomputes the cached size measurement via a namespace scan.
func (c *Cache) refreshSize(ctx context.Context) {
	pattern := fmt.Sprintf("cache:%s:*", c.name)
	var cursor uint64
	var count int64
	for {
		res, err := c.kv.Scan(ctx, cursor, pattern, c.scanBatchSize)
		if err != nil {
			return
		}
		count += int64(len(res.Keys))
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	atomic.StoreInt64(&c.cachedSize, count)
	c.cachedAt = time.Now()
	observability.CacheSize.WithLabelValues(c.name).Set(float64(count))
}
