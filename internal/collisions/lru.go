package collisions

import (
	"container/list"
	"sync"
)

// LRU is a fixed-capacity hash to name cache. The recency order lives in a
// doubly linked list and the index in a map; the least recently used entry is
// evicted once capacity is exceeded.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*list.Element
	order    *list.List

	hits   int64
	misses int64
}

type lruEntry struct {
	hash uint64
	name string
}

// NewLRU creates a cache holding at most capacity entries. A capacity below
// one disables caching.
func NewLRU(capacity int) *LRU {
	return &LRU{
		capacity: capacity,
		items:    make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached name for hash.
func (c *LRU) Get(hash uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[hash]; ok {
		c.order.MoveToFront(elem)
		c.hits++
		return elem.Value.(*lruEntry).name, true
	}
	c.misses++
	return "", false
}

// Put stores hash -> name, refreshing recency.
func (c *LRU) Put(hash uint64, name string) {
	if c.capacity < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[hash]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry).name = name
		return
	}
	c.items[hash] = c.order.PushFront(&lruEntry{hash: hash, name: name})
	if c.order.Len() > c.capacity {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.items, back.Value.(*lruEntry).hash)
	}
}

// Clear drops every entry. Statistics are kept.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[uint64]*list.Element)
	c.order.Init()
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit and miss counts.
func (c *LRU) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
