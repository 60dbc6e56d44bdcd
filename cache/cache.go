// Package cache provides a bounded in-process store for fetched objects,
// with per-entry TTL expiry and capacity-triggered eviction.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/rawproxy"
	"github.com/wolfeidau/rawproxy/telemetry"
)

const (
	// DefaultTTL is the default time-to-live for cached objects.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries is the default capacity bound.
	DefaultMaxEntries = 100

	// keyPrefix namespaces derived cache keys.
	keyPrefix = "raw:"
)

// KeyFor derives the cache key for a validated object key. The derivation is
// deterministic: equal object keys always map to the same cache key, and
// distinct object keys never collide.
func KeyFor(key rawproxy.ObjectKey) string {
	return keyPrefix + key.String()
}

// Config holds cache configuration.
type Config struct {
	// TTL is the default time-to-live for entries. Put may override per entry.
	// Zero means DefaultTTL.
	TTL time.Duration

	// MaxEntries is the capacity bound. When an insert would exceed it, the
	// oldest-inserted entry is evicted. Zero means DefaultMaxEntries.
	MaxEntries int

	// Logger for cache events.
	Logger *slog.Logger
}

// entry is an immutable cached object. Replacement is delete-then-insert;
// an entry is never mutated after creation.
type entry struct {
	key         string
	payload     []byte
	contentType string
	insertedAt  time.Time
	expiresAt   time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Expired   int64 `json:"expired"`
	Evictions int64 `json:"evictions"`
}

// Cache is a bounded key→object store with lazy TTL expiry.
//
// Concurrency model: a single mutex serialises all map mutations and counter
// updates. Expiry is checked on Get, which is the authority; the Sweeper's
// eager sweep is an optimization only.
type Cache struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	bytes     int64
	hits      int64
	misses    int64
	expired   int64
	evictions int64
}

// New creates a new cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		config:  cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Get returns the payload and content type stored under key. An entry past
// its expiry is removed and reported as a miss; a stale entry is never
// returned even if an eager sweep has not run yet.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, "", false
	}

	if c.now().After(e.expiresAt) {
		c.removeLocked(e)
		c.expired++
		c.misses++
		c.logger.Debug("expired entry on read", "key", e.key, "age", c.now().Sub(e.insertedAt))
		telemetry.RecordCacheExpiry(ctx, 1, int64(len(e.payload)))
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, "", false
	}

	c.hits++
	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	return e.payload, e.contentType, true
}

// Put inserts or replaces the entry under key using the default TTL.
func (c *Cache) Put(ctx context.Context, key string, payload []byte, contentType string) {
	c.PutTTL(ctx, key, payload, contentType, c.config.TTL)
}

// PutTTL inserts or replaces the entry under key with a per-entry TTL.
// If the insert pushes the cache over capacity, the entry with the smallest
// insertion time is evicted (ties broken by key order, deterministically).
func (c *Cache) PutTTL(ctx context.Context, key string, payload []byte, contentType string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	now := c.now()
	e := &entry{
		key:         key,
		payload:     payload,
		contentType: contentType,
		insertedAt:  now,
		expiresAt:   now.Add(ttl),
	}
	c.entries[key] = e
	c.bytes += int64(len(payload))

	if len(c.entries) > c.config.MaxEntries {
		c.evictOldestLocked(ctx)
	}
}

// Delete removes the entry under key. Deleting an absent key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Expired:   c.expired,
		Evictions: c.evictions,
	}
}

// ExpireNow removes every entry whose TTL has elapsed and returns the count.
// Called by the Sweeper; Get does not depend on it for correctness.
func (c *Cache) ExpireNow(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	var bytesFreed int64
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			removed++
			bytesFreed += int64(len(e.payload))
		}
	}
	if removed > 0 {
		c.expired += int64(removed)
		telemetry.RecordCacheExpiry(ctx, removed, bytesFreed)
	}
	return removed
}

// evictOldestLocked removes the entry with the smallest insertion time.
// Caller must hold c.mu.
func (c *Cache) evictOldestLocked(ctx context.Context) {
	var oldest *entry
	for _, e := range c.entries {
		if oldest == nil {
			oldest = e
			continue
		}
		switch {
		case e.insertedAt.Before(oldest.insertedAt):
			oldest = e
		case e.insertedAt.Equal(oldest.insertedAt) && e.key < oldest.key:
			// Map iteration order is random; break ties on key so eviction
			// is deterministic.
			oldest = e
		}
	}
	if oldest == nil {
		return
	}

	c.removeLocked(oldest)
	c.evictions++
	c.logger.Debug("evicted entry at capacity",
		"key", oldest.key,
		"inserted_at", oldest.insertedAt,
		"size", len(oldest.payload),
	)
	telemetry.RecordCacheEviction(ctx, int64(len(oldest.payload)))
}

// removeLocked deletes an entry and adjusts the byte counter.
// Caller must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.bytes -= int64(len(e.payload))
}
