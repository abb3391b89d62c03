// Package filecache bounds the number of concurrently open partition file
// descriptors for read-only storages with many partitions. Each partition
// would otherwise hold its own handle open for the storage's lifetime;
// when a storage has thousands of named partitions, most idle, an LRU of
// shared handles keeps descriptor usage proportional to working set
// rather than partition count.
package filecache

import (
	"container/list"
	"os"
	"sync"
)

// Cache is an LRU of opened files, safe for concurrent use. A capacity of
// 0 disables caching: every Open is a fresh os.OpenFile and every Close a
// real close.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int
	flag     int
	perm     os.FileMode
	removed  map[*os.File]int

	hits, misses int
}

type cacheEntry struct {
	file *os.File
	refs int
}

// New returns a Cache holding up to capacity read-only file handles.
func New(capacity int) *Cache {
	return NewWithFlag(capacity, os.O_RDONLY, 0)
}

// NewWithFlag returns a Cache that opens files with the given os.OpenFile
// flag and permission bits.
func NewWithFlag(capacity int, flag int, perm os.FileMode) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache{capacity: capacity, flag: flag, perm: perm}
}

// Open returns a shared, already-open handle for name, opening it if
// necessary. Every Open must be paired with a Close; the underlying file
// is only actually closed once its reference count reaches zero and it
// has been evicted or removed.
//
// Callers must only use position-independent methods (ReadAt, WriteAt)
// on the returned handle, since it may be shared.
func (c *Cache) Open(name string) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return os.OpenFile(name, c.flag, c.perm)
	}
	if c.entries == nil {
		c.entries = make(map[string]*list.Element)
		c.order = list.New()
	}

	if elem, ok := c.entries[name]; ok {
		c.order.MoveToFront(elem)
		ent := elem.Value.(*cacheEntry)
		ent.refs++
		c.hits++
		return ent.file, nil
	}
	c.misses++

	f, err := os.OpenFile(name, c.flag, c.perm)
	if err != nil {
		return nil, err
	}
	c.entries[name] = c.order.PushFront(&cacheEntry{file: f, refs: 1})
	if c.order.Len() > c.capacity {
		c.evictOldestLocked()
	}
	return f, nil
}

// Close decrements file's reference count, closing it for real once the
// count reaches zero and it is no longer the cached handle for its name
// (because it was evicted or explicitly Removed).
func (c *Cache) Close(file *os.File) error {
	name := file.Name()

	c.mu.Lock()
	defer c.mu.Unlock()

	if refs, ok := c.removed[file]; ok {
		if refs == 1 {
			delete(c.removed, file)
			if len(c.removed) == 0 {
				c.removed = nil
			}
			return file.Close()
		}
		c.removed[file] = refs - 1
		return nil
	}

	if elem, ok := c.entries[name]; ok {
		ent := elem.Value.(*cacheEntry)
		if ent.refs == 0 {
			return &os.PathError{Op: "close", Path: name, Err: os.ErrClosed}
		}
		ent.refs--
		return nil
	}

	return file.Close()
}

// Len returns the number of distinct open files currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return 0
	}
	return c.order.Len()
}

// Cap returns the cache's capacity.
func (c *Cache) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Remove evicts name from the cache, closing its handle once every
// outstanding reference has been Closed.
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[name]; ok {
		c.evictElementLocked(elem)
	}
}

// Stats returns (hits, misses, cached files, capacity).
func (c *Cache) Stats() (hits, misses, items, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil {
		items = c.order.Len()
	}
	return c.hits, c.misses, items, c.capacity
}

func (c *Cache) evictOldestLocked() {
	if elem := c.order.Back(); elem != nil {
		c.evictElementLocked(elem)
	}
}

func (c *Cache) evictElementLocked(elem *list.Element) {
	c.order.Remove(elem)
	ent := elem.Value.(*cacheEntry)
	delete(c.entries, ent.file.Name())
	if ent.refs == 0 {
		ent.file.Close()
		return
	}
	if c.removed == nil {
		c.removed = make(map[*os.File]int)
	}
	c.removed[ent.file] = ent.refs
}
