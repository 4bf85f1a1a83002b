package runid

import (
	"sync"
)

// Handle is a cached pointer from a run ID to its backing record
type Handle struct {
	Table    string
	RecordID string
}

// Cache is a size-bounded, concurrency-safe map from run IDs to record
// handles. Eviction is arbitrary; the only requirement is that the map
// must not grow unbounded. Entries are invalidated on update failure
// and on explicit clear.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]Handle
}

// NewCache creates a cache bounded to maxSize entries
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]Handle),
	}
}

// Get returns the cached handle for id
func (c *Cache) Get(id string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[id]
	return h, ok
}

// Put stores a handle, evicting an arbitrary entry if at capacity
func (c *Cache) Put(id string, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[id] = h
}

// Invalidate removes a single entry
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Handle)
}

// Len returns the current entry count
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
