// Package cache provides the API-layer caches: velocity counters and short-lived responses.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 10000

// LRUCache is the in-process cache: comparison responses in LRU order plus
// fixed-window velocity counters. It backs the community tier and is L1 of
// the two-phase cache. A TTL <= 0 never expires, as with Redis.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front is most recently used
	windows  map[string]*counterWindow
	hits     uint64
	misses   uint64
	now      func() time.Time
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time // zero never expires
}

type counterWindow struct {
	count int64
	ends  time.Time
}

// Stats describes the cache contents and its hit rate since creation.
type Stats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Counters int    `json:"counters"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// NewLRUCache creates a cache holding up to capacity responses; capacity also
// bounds the counter map before expired windows are swept.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		windows:  make(map[string]*counterWindow),
		now:      time.Now,
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Get returns the cached value, or nil on a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if entry.expired(c.now()) {
		c.evict(elem)
		c.misses++
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	c.hits++
	return entry.value, nil
}

// Set stores value under key, evicting the least recently used entries beyond capacity.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := expiry(c.now(), ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value, entry.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.recency.PushFront(&lruEntry{key: key, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Delete drops key if present.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.evict(elem)
	}
	return nil
}

// IncrementCounter counts a hit in key's current window, opening a new window
// of the given length when none is open.
func (c *LRUCache) IncrementCounter(_ context.Context, key string, length time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if w, ok := c.windows[key]; ok && now.Before(w.ends) {
		w.count++
		return w.count, nil
	}

	c.windows[key] = &counterWindow{count: 1, ends: now.Add(length)}
	if len(c.windows) > c.capacity {
		for k, w := range c.windows {
			if !now.Before(w.ends) {
				delete(c.windows, k)
			}
		}
	}
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.windows = make(map[string]*counterWindow)
	return nil
}

// Stats returns a snapshot of the cache.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:  c.recency.Len(),
		Capacity: c.capacity,
		Counters: len(c.windows),
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *LRUCache) evict(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}
