// Package cache provides the bounded LRU used for content deduplication.
//
// LRU is not thread-safe; the owner serializes access with its own lock.
// Evicted entries are reported through the eviction callback so the owner
// can release whatever the value refers to.
//
//	idle := cache.NewLRU[uint64, uint32](256, func(hash uint64, slot uint32) {
//	    pool.free(slot)
//	})
//	idle.Add(hash, slot)
//	if slot, ok := idle.Remove(hash); ok {
//	    // revived
//	}
package cache

// EvictFunc is called for every entry dropped to stay under capacity.
// It is not called for Remove or Purge.
type EvictFunc[K comparable, V any] func(key K, value V)

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

// LRU is a fixed-capacity least-recently-used map.
// The head of the list is the most recently used entry.
type LRU[K comparable, V any] struct {
	capacity int
	items    map[K]*entry[K, V]
	head     *entry[K, V]
	tail     *entry[K, V]
	onEvict  EvictFunc[K, V]

	evictions uint64
}

// NewLRU creates an LRU holding at most capacity entries.
// A capacity of 0 means unlimited.
func NewLRU[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *LRU[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V]),
		onEvict:  onEvict,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

// Peek returns the value for key without touching recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Add inserts or updates key. It returns the number of entries evicted.
func (c *LRU[K, V]) Add(key K, value V) int {
	if e, ok := c.items[key]; ok {
		e.value = value
		c.moveToFront(e)
		return 0
	}

	e := &entry[K, V]{key: key, value: value}
	c.items[key] = e
	c.pushFront(e)

	evicted := 0
	for c.capacity > 0 && len(c.items) > c.capacity {
		old := c.tail
		c.unlink(old)
		delete(c.items, old.key)
		c.evictions++
		evicted++
		if c.onEvict != nil {
			c.onEvict(old.key, old.value)
		}
	}
	return evicted
}

// Remove deletes key and returns its value.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(e)
	delete(c.items, key)
	return e.value, true
}

// Oldest returns the least recently used entry.
func (c *LRU[K, V]) Oldest() (K, V, bool) {
	if c.tail == nil {
		var (
			k K
			v V
		)
		return k, v, false
	}
	return c.tail.key, c.tail.value, true
}

// Purge removes every entry without calling the eviction callback.
func (c *LRU[K, V]) Purge() {
	c.items = make(map[K]*entry[K, V])
	c.head = nil
	c.tail = nil
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int { return len(c.items) }

// Capacity returns the entry limit, 0 for unlimited.
func (c *LRU[K, V]) Capacity() int { return c.capacity }

// Evictions returns the number of entries dropped for capacity.
func (c *LRU[K, V]) Evictions() uint64 { return c.evictions }

func (c *LRU[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LRU[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *LRU[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
