package spill

import (
	"container/list"
	"sync"

	"smbsink/internal/naming"
)

// handleCache is a thread-safe LRU cache bounding open spill file handles
type handleCache struct {
	mu       sync.Mutex
	capacity int
	items    map[naming.BucketShardID]*list.Element
	order    *list.List
	onEvict  func(id naming.BucketShardID, buf *Buffer)
}

type cacheEntry struct {
	id  naming.BucketShardID
	buf *Buffer
}

func newHandleCache(capacity int, onEvict func(id naming.BucketShardID, buf *Buffer)) *handleCache {
	return &handleCache{
		capacity: capacity,
		items:    make(map[naming.BucketShardID]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Put adds or touches a buffer in the cache, evicting the least recently
// used handles when over capacity
func (c *handleCache) Put(id naming.BucketShardID, buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).buf = buf
		return
	}

	for c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	entry := &cacheEntry{id: id, buf: buf}
	elem := c.order.PushFront(entry)
	c.items[id] = elem
}

// Remove removes a buffer from the cache without invoking onEvict semantics
// beyond the handle close
func (c *handleCache) Remove(id naming.BucketShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.order.Remove(elem)
		delete(c.items, id)
	}
}

// evictOldest removes the least recently used entry (lock held)
func (c *handleCache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.id)

	if c.onEvict != nil {
		c.onEvict(entry.id, entry.buf)
	}
}

// Len returns the number of cached handles
func (c *handleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear evicts every entry, closing all handles via onEvict
func (c *handleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.order.Len() > 0 {
		c.evictOldest()
	}
}
