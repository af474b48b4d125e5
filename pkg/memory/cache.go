package memory

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

type cacheItem[V any] struct {
	key   string
	value V
}

// LRUCache is a fixed-capacity least-recently-used cache.
// Presence checks share a read lock; promotion, insertion and eviction go
// through the single writer lock.
type LRUCache[V any] struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front = most recent
	items    map[string]*list.Element

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache[V any](capacity int) *LRUCache[V] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LRUCache[V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the cached value and promotes it on a hit.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	el, ok := c.items[key]
	var value V
	if ok {
		value = el.Value.(*cacheItem[V]).value
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return value, false
	}
	c.hits.Add(1)

	c.mu.Lock()
	// The element may have been evicted between the two locks.
	if cur, still := c.items[key]; still && cur == el {
		c.order.MoveToFront(el)
	}
	c.mu.Unlock()
	return value, true
}

// Contains reports presence without touching recency or counters.
func (c *LRUCache[V]) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Put inserts or replaces a value, evicting the least recently used entry
// when the cache is full. It returns the evicted key, if any.
func (c *LRUCache[V]) Put(key string, value V) (evicted string, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem[V]).value = value
		c.order.MoveToFront(el)
		return "", false
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			item := c.order.Remove(oldest).(*cacheItem[V])
			delete(c.items, item.key)
			evicted, didEvict = item.key, true
		}
	}

	c.items[key] = c.order.PushFront(&cacheItem[V]{key: key, value: value})
	return evicted, didEvict
}

// Update replaces the value for key with fn(current) under the writer lock
// and promotes it. It reports false, without calling fn, when key is absent.
// Hit and miss counters are not changed.
func (c *LRUCache[V]) Update(key string, fn func(V) V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	item := el.Value.(*cacheItem[V])
	item.value = fn(item.value)
	c.order.MoveToFront(el)
	return item.value, true
}

// Remove deletes key.
func (c *LRUCache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Clear drops every entry but keeps the counters.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Len returns the number of cached entries.
func (c *LRUCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns size, capacity and hit/miss counters.
func (c *LRUCache[V]) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{
		Size:     c.Len(),
		Capacity: c.capacity,
		Hits:     hits,
		Misses:   misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
