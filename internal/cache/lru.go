package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	element   *list.Element
}

// LRU is a generic LRU cache with optional TTL. A zero ttl disables
// expiration. Call Close to stop the background sweep.
type LRU[K comparable, V any] struct {
	capacity  int
	ttl       time.Duration
	entries   map[K]*entry[K, V]
	evictList *list.List
	mu        sync.RWMutex

	sweepStop chan struct{}
	stopOnce  sync.Once
}

// NewLRU creates an LRU cache with the given capacity and TTL.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU[K, V]{
		capacity:  capacity,
		ttl:       ttl,
		entries:   make(map[K]*entry[K, V]),
		evictList: list.New(),
		sweepStop: make(chan struct{}),
	}

	if ttl > 0 {
		go c.sweepLoop()
	}

	return c
}

func (c *LRU[K, V]) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.sweepStop:
			return
		}
	}
}

// Close stops the background sweep goroutine.
func (c *LRU[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.sweepStop) })
}

// Get retrieves a value, refreshing its recency. Expired entries are removed.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}

	if c.expired(e) {
		c.removeEntry(e)
		return zero, false
	}

	c.evictList.MoveToFront(e.element)
	return e.value, true
}

// Set adds or updates a value, evicting the least recently used entry when
// over capacity.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		if c.ttl > 0 {
			e.expiresAt = time.Now().Add(c.ttl)
		}
		c.evictList.MoveToFront(e.element)
		return
	}

	e := &entry[K, V]{key: key, value: value}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	e.element = c.evictList.PushFront(e)
	c.entries[key] = e

	for c.evictList.Len() > c.capacity {
		c.evictOldest()
	}
}

// Delete removes a key.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeEntry(e)
	}
}

// Clear removes all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*entry[K, V])
	c.evictList = list.New()
}

// Len returns the number of entries, expired or not.
func (c *LRU[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns all non-expired keys.
func (c *LRU[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.entries))
	for key, e := range c.entries {
		if !c.expired(e) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *LRU[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		if c.expired(e) {
			c.removeEntry(e)
			removed++
		}
	}
	return removed
}

func (c *LRU[K, V]) expired(e *entry[K, V]) bool {
	return c.ttl > 0 && time.Now().After(e.expiresAt)
}

func (c *LRU[K, V]) evictOldest() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	c.removeEntry(elem.Value.(*entry[K, V]))
}

func (c *LRU[K, V]) removeEntry(e *entry[K, V]) {
	c.evictList.Remove(e.element)
	delete(c.entries, e.key)
}
