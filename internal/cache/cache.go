package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"chartfeed/internal/metrics"
	"chartfeed/logger"
	"chartfeed/models"
	"chartfeed/writer"
)

// DefaultCapacity is the number of series kept in memory when none is given.
const DefaultCapacity = 10

// Cache is the two-tier bar cache: a bounded LRU memory tier in front of a
// persistent writer.Store. Entries handed out are never mutated afterwards;
// every Merge installs a fresh entry.
//
// Persistent failures are logged and swallowed. The memory tier stays
// authoritative for the lifetime of the process.
type Cache struct {
	mu       sync.Mutex
	mem      *lru.Cache[models.SeriesKey, *models.CacheEntry]
	purging  bool
	seq      uint64
	versions map[models.SeriesKey]uint64

	// persistMu orders persistent writes and lets ClearAll wait for them.
	persistMu sync.Mutex

	store writer.Store
	clock clock.Clock
	log   *logger.Log
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock used for LastWrittenAt.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// New builds a cache holding at most capacity series in memory. A nil store
// disables the persistent tier.
func New(capacity int, store writer.Store, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if store == nil {
		store = writer.NoopStore{}
	}

	c := &Cache{
		versions: make(map[models.SeriesKey]uint64),
		store:    store,
		clock:    clock.New(),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	mem, err := lru.NewWithEvict[models.SeriesKey, *models.CacheEntry](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}
	c.mem = mem
	return c, nil
}

// onEvict runs synchronously inside mem.Add/Purge, always with c.mu held.
func (c *Cache) onEvict(key models.SeriesKey, entry *models.CacheEntry) {
	if c.purging {
		return
	}
	metrics.IncCacheEviction()
	c.log.WithComponent("cache").WithFields(logger.Fields{
		"series": key.String(),
		"bars":   len(entry.Bars),
	}).Debug("series evicted from memory tier")
}

// Get returns the entry for key from memory, falling back to the persistent
// tier. A persistent hit is installed in memory as most recently used.
func (c *Cache) Get(ctx context.Context, key models.SeriesKey) (*models.CacheEntry, bool) {
	c.mu.Lock()
	entry, ok := c.mem.Get(key)
	c.mu.Unlock()
	if ok {
		metrics.IncCacheLookup("memory", "hit")
		return entry, true
	}
	metrics.IncCacheLookup("memory", "miss")

	persisted := c.loadPersistent(ctx, key)
	if persisted == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a Merge may have landed while the store was read; it wins
	if current, ok := c.mem.Get(key); ok {
		return current, true
	}
	c.mem.Add(key, persisted)
	return persisted, true
}

func (c *Cache) loadPersistent(ctx context.Context, key models.SeriesKey) *models.CacheEntry {
	entry, err := c.store.Get(ctx, key)
	switch {
	case errors.Is(err, writer.ErrNotFound):
		metrics.IncCacheLookup("persistent", "miss")
		return nil
	case err != nil:
		metrics.IncCacheLookup("persistent", "miss")
		c.log.WithComponent("cache").WithSeries(key).WithError(err).Warn("persistent read failed")
		return nil
	case entry == nil || len(entry.Bars) == 0:
		metrics.IncCacheLookup("persistent", "miss")
		return nil
	}
	metrics.IncCacheLookup("persistent", "hit")
	entry.Key = key
	return entry
}

// Merge folds bars into the entry for key and writes the result to both
// tiers. It returns the merged entry.
func (c *Cache) Merge(ctx context.Context, key models.SeriesKey, bars []models.Bar) *models.CacheEntry {
	c.mu.Lock()
	_, inMemory := c.mem.Peek(key)
	c.mu.Unlock()

	var persisted *models.CacheEntry
	if !inMemory {
		persisted = c.loadPersistent(ctx, key)
	}

	c.mu.Lock()
	base := persisted
	if current, ok := c.mem.Get(key); ok {
		base = current
	}
	var existing []models.Bar
	if base != nil {
		existing = base.Bars
	}
	entry := &models.CacheEntry{
		Key:           key,
		Bars:          MergeBars(existing, bars),
		LastWrittenAt: c.clock.Now().UTC(),
	}
	c.mem.Add(key, entry)
	c.seq++
	version := c.seq
	c.versions[key] = version
	c.mu.Unlock()

	c.persist(ctx, key, entry, version)
	return entry
}

// persist writes entry unless a newer Merge or a ClearAll superseded it.
func (c *Cache) persist(ctx context.Context, key models.SeriesKey, entry *models.CacheEntry, version uint64) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	current := c.versions[key]
	c.mu.Unlock()
	if current != version {
		return
	}

	if err := c.store.Put(ctx, key, entry); err != nil {
		c.log.WithComponent("cache").WithSeries(key).WithError(err).Warn("persistent write failed")
	}
}

// Tail returns up to limit of the most recent bars for key.
func (c *Cache) Tail(ctx context.Context, key models.SeriesKey, limit int) []models.Bar {
	entry, ok := c.Get(ctx, key)
	if !ok || limit <= 0 {
		return nil
	}
	start := len(entry.Bars) - limit
	if start < 0 {
		start = 0
	}
	return append([]models.Bar(nil), entry.Bars[start:]...)
}

// Older returns up to limit cached bars strictly before ts, ascending.
func (c *Cache) Older(ctx context.Context, key models.SeriesKey, ts models.Timestamp, limit int) []models.Bar {
	entry, ok := c.Get(ctx, key)
	if !ok || limit <= 0 {
		return nil
	}
	return before(entry.Bars, ts, limit)
}

// Newer returns up to limit cached bars strictly after ts, ascending.
func (c *Cache) Newer(ctx context.Context, key models.SeriesKey, ts models.Timestamp, limit int) []models.Bar {
	entry, ok := c.Get(ctx, key)
	if !ok || limit <= 0 {
		return nil
	}
	return after(entry.Bars, ts, limit)
}

// ClearAll empties both tiers. It is only reachable from the operator
// endpoint.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	n := c.mem.Len()
	c.purging = true
	c.mem.Purge()
	c.purging = false
	c.versions = make(map[models.SeriesKey]uint64)
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		c.log.WithComponent("cache").WithError(err).Error("failed to clear persistent tier")
		return fmt.Errorf("failed to clear persistent tier: %w", err)
	}

	c.log.WithComponent("cache").WithFields(logger.Fields{
		"memory_entries": n,
		"backend":        c.store.Backend(),
	}).Info("cache cleared")
	return nil
}

// Len is the number of series held in memory.
func (c *Cache) Len() int {
	return c.mem.Len()
}

// Keys lists the in-memory series from least to most recently used.
func (c *Cache) Keys() []models.SeriesKey {
	return c.mem.Keys()
}

// Contains reports whether key is in the memory tier without touching its
// recency.
func (c *Cache) Contains(key models.SeriesKey) bool {
	return c.mem.Contains(key)
}
