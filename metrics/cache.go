/*
cache.go - Bounded TTL + LRU cache for KPI snapshots

PURPOSE:
  Memoizes aggregation results keyed by query shape. An explicit,
  injected service rather than a process-wide singleton: the aggregator
  receives it as a dependency, and tests can swap clocks.

SEMANTICS:
  - Get returns the cached snapshot only while its TTL has not expired.
  - Put stores a fully computed snapshot; capacity is bounded and the
    least-recently-used entry is evicted when full.
  - Safe for many concurrent readers and writers. A second concurrent
    miss for the same key may redundantly recompute; the aggregation is
    idempotent, so that costs time, not correctness.

SEE ALSO:
  - aggregator.go: The only writer
*/
package metrics

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key      string
	snapshot *Snapshot
	storedAt time.Time
}

// Cache is a bounded TTL+LRU cache of KPI snapshots.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	now func() time.Time
}

// NewCache creates a cache holding up to capacity entries for ttl each.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 32
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the cached snapshot for key if present and fresh.
func (c *Cache) Get(key string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.snapshot, true
}

// Put stores a snapshot, evicting the least-recently-used entry at capacity.
func (c *Cache) Put(key string, s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).snapshot = s
		el.Value.(*cacheEntry).storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{key: key, snapshot: s, storedAt: c.now()})
	c.entries[key] = el
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
