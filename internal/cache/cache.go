// Package cache holds classification results keyed by fingerprint. The
// whole cache expires at once after its TTL.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/pbaille/toxfilter/internal/ratelimit"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultPersistDelay = 5 * time.Second
)

// Persister loads and stores the whole cache
type Persister interface {
	LoadCache(ctx context.Context) (map[domain.Fingerprint]domain.ClassificationResult, time.Time, bool, error)
	SaveCache(ctx context.Context, entries map[domain.Fingerprint]domain.ClassificationResult, createdAt time.Time) error
}

// Options tune a Cache
type Options struct {
	TTL          time.Duration
	PersistDelay time.Duration
	Logger       *slog.Logger
}

// Stats describes the cache contents
type Stats struct {
	Items     int       `json:"items"`
	CreatedAt time.Time `json:"created_at"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
}

// Cache maps fingerprints to classification results
type Cache struct {
	mu        sync.RWMutex
	entries   map[domain.Fingerprint]domain.CacheEntry
	createdAt time.Time
	hits      int64
	misses    int64

	ttl     time.Duration
	store   Persister
	persist *ratelimit.Debouncer
	log     *slog.Logger
	now     func() time.Time
}

// New creates an empty cache. store may be nil for a memory-only cache.
func New(store Persister, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PersistDelay <= 0 {
		opts.PersistDelay = DefaultPersistDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Cache{
		entries:   make(map[domain.Fingerprint]domain.CacheEntry),
		createdAt: time.Now(),
		ttl:       opts.TTL,
		store:     store,
		log:       opts.Logger.With("component", "cache"),
		now:       time.Now,
	}
	c.persist = ratelimit.NewDebouncer(opts.PersistDelay, func() {
		c.writeBack(context.Background())
	})
	return c
}

// Get returns the cached result for fp
func (c *Cache) Get(fp domain.Fingerprint) (domain.ClassificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		c.misses++
		return domain.ClassificationResult{}, false
	}
	c.hits++
	return entry.Result, true
}

// Put stores result under fp and schedules a write-back
func (c *Cache) Put(fp domain.Fingerprint, result domain.ClassificationResult) {
	c.mu.Lock()
	c.entries[fp] = domain.CacheEntry{
		Fingerprint: fp,
		Result:      result,
		InsertedAt:  c.now(),
	}
	c.mu.Unlock()

	c.SchedulePersist()
}

// SchedulePersist requests a coalesced write-back
func (c *Cache) SchedulePersist() {
	if c.store == nil {
		return
	}
	c.persist.Trigger()
}

// Load merges the persisted cache into memory. It reports whether an
// unexpired cache was found. Expired or missing caches are replaced by an
// empty one with a fresh timestamp.
func (c *Cache) Load(ctx context.Context) bool {
	if c.store == nil {
		return false
	}

	stored, ts, found, err := c.store.LoadCache(ctx)
	if err != nil {
		c.log.Warn("load cache failed, starting empty", "error", err)
		return false
	}

	now := c.now()
	if !found || now.Sub(ts) >= c.ttl {
		if found {
			c.log.Info("cache expired, creating new cache", "age", now.Sub(ts))
		} else {
			c.log.Info("no cache found, creating new cache")
		}
		c.reset(now)
		c.writeBack(ctx)
		return false
	}

	c.mu.Lock()
	for fp, result := range stored {
		c.entries[fp] = domain.CacheEntry{Fingerprint: fp, Result: result, InsertedAt: ts}
	}
	c.createdAt = ts
	n := len(c.entries)
	c.mu.Unlock()

	c.log.Info("loaded cache", "items", n)
	return true
}

// ExpireIfStale resets the cache when it has outlived its TTL
func (c *Cache) ExpireIfStale(ctx context.Context) bool {
	c.mu.RLock()
	age := c.now().Sub(c.createdAt)
	c.mu.RUnlock()

	if age < c.ttl {
		return false
	}
	c.log.Info("cache expired", "age", age)
	c.Clear(ctx)
	return true
}

// Clear empties the cache and persists the empty state immediately
func (c *Cache) Clear(ctx context.Context) {
	c.reset(c.now())
	c.writeBack(ctx)
}

// Flush performs any pending write-back now
func (c *Cache) Flush() {
	c.persist.Flush()
}

// Close flushes pending writes and stops further write-backs
func (c *Cache) Close() {
	c.persist.Flush()
	c.persist.Stop()
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Items:     len(c.entries),
		CreatedAt: c.createdAt,
		Hits:      c.hits,
		Misses:    c.misses,
	}
}

func (c *Cache) reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[domain.Fingerprint]domain.CacheEntry)
	c.createdAt = now
}

func (c *Cache) writeBack(ctx context.Context) {
	if c.store == nil {
		return
	}

	c.mu.RLock()
	snapshot := make(map[domain.Fingerprint]domain.ClassificationResult, len(c.entries))
	for fp, entry := range c.entries {
		snapshot[fp] = entry.Result
	}
	createdAt := c.createdAt
	c.mu.RUnlock()

	if err := c.store.SaveCache(ctx, snapshot, createdAt); err != nil {
		c.log.Warn("persist cache failed", "error", err)
		return
	}
	c.log.Debug("persisted cache", "items", len(snapshot))
}
