package cache

import (
	"container/list"
	"sync"
	"time"
)

// LocalCache is a thread-safe in-process cache of customer id to tenant id
// mappings with TTL expiration and LRU eviction. It sits in front of the
// shared Redis cache so hot customers skip the network round trip.
type LocalCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List // front = most recently used
	maxSize  int
	ttl      time.Duration
	now      func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type localEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

// LocalConfig configures a LocalCache.
type LocalConfig struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultLocalConfig returns sensible defaults.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		MaxSize: 10000,
		TTL:     time.Minute,
	}
}

// NewLocalCache creates a LocalCache. Non-positive settings fall back to
// DefaultLocalConfig.
func NewLocalCache(cfg LocalConfig) *LocalCache {
	def := DefaultLocalConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &LocalCache{
		items:    make(map[string]*list.Element, cfg.MaxSize),
		eviction: list.New(),
		maxSize:  cfg.MaxSize,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
}

// Get returns the cached value and true on a live hit.
func (c *LocalCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}
	entry := elem.Value.(*localEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return "", false
	}
	c.eviction.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set stores a value with the configured TTL.
func (c *LocalCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = expires
		c.eviction.MoveToFront(elem)
		return
	}
	for c.eviction.Len() >= c.maxSize {
		c.evictLocked()
	}
	c.items[key] = c.eviction.PushFront(&localEntry{key: key, value: value, expiresAt: expires})
}

// Delete removes a key.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// LocalStats holds cache statistics.
type LocalStats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns cache statistics.
func (c *LocalCache) Stats() LocalStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LocalStats{
		Size:      c.eviction.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LocalCache) evictLocked() {
	back := c.eviction.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	c.evictions++
}

func (c *LocalCache) removeLocked(elem *list.Element) {
	delete(c.items, elem.Value.(*localEntry).key)
	c.eviction.Remove(elem)
}
