// Package cache provides a bounded TTL map with LRU or FIFO eviction.
// Instances are constructed and injected by the composition root; there is no
// package-level singleton.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value        V
	expiresAt    time.Time
	accessCount  uint64
	lastAccessed time.Time
	insertSeq    uint64
}

// Options configures a Cache.
type Options struct {
	// MaxSize bounds the number of live entries. Zero means 128.
	MaxSize int
	// DefaultTTL applies to Set; SetTTL overrides per entry. Zero means 5m.
	DefaultTTL time.Duration
	// LRU evicts by oldest last access when at capacity; when false the
	// oldest-inserted entry goes first.
	LRU bool
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Size    int
	HitRate float64
}

// Cache is a generic bounded map with per-entry expiry.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]*entry[V]
	maxSize    int
	defaultTTL time.Duration
	lru        bool
	seq        uint64
	hits       uint64
	misses     uint64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache with the given options.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 128
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache[K, V]{
		entries:    make(map[K]*entry[V]),
		maxSize:    maxSize,
		defaultTTL: ttl,
		lru:        opts.LRU,
		now:        time.Now,
	}
}

// Get returns the value for key if present and unexpired. An expired entry is
// removed on the spot; there is no background sweep.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}

	e.accessCount++
	e.lastAccessed = c.now()
	c.hits++
	return e.value, true
}

// Has reports whether key is present and unexpired, without counting as an
// access for eviction ordering.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Set stores a value with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores a value with an explicit TTL. Expired entries are purged
// first; if the cache is still at capacity and the key is new, one entry is
// evicted before inserting.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOne()
	}

	c.seq++
	c.entries[key] = &entry[V]{
		value:        value,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		insertSeq:    c.seq,
	}
}

// evictOne removes the LRU entry (oldest lastAccessed), or the oldest-inserted
// entry when LRU ordering is disabled. Caller holds the lock.
func (c *Cache[K, V]) evictOne() {
	var victim K
	found := false
	for k, e := range c.entries {
		if !found {
			victim, found = k, true
			continue
		}
		v := c.entries[victim]
		if c.lru {
			if e.lastAccessed.Before(v.lastAccessed) {
				victim = k
			}
		} else if e.insertSeq < v.insertSeq {
			victim = k
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

// Delete removes a key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries and resets counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[V])
	c.hits = 0
	c.misses = 0
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and the current hit rate.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
