package pool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/captainteodor/vibess/pkg/data"
)

// Cache is a bounded map of candidates evicted in insertion order.
// Entries are only read through Contains and Peek, so their position in
// the underlying LRU list never moves after insertion.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  *lru.Cache[string, *data.Candidate]
	evicted  []string
}

// NewCache creates a cache holding at most capacity candidates
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{capacity: capacity}
	// NewWithEvict only fails on a non-positive size.
	c.entries, _ = lru.NewWithEvict[string, *data.Candidate](capacity, func(id string, _ *data.Candidate) {
		c.evicted = append(c.evicted, id)
	})
	return c
}

// Put inserts cand and returns the ids evicted to stay within capacity.
// A resident id is left untouched, keeping its value and age.
func (c *Cache) Put(cand *data.Candidate) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries.Contains(cand.ID) {
		return nil
	}
	c.evicted = nil
	c.entries.Add(cand.ID, cand)
	evicted := c.evicted
	c.evicted = nil
	return evicted
}

// Has reports whether id is resident
func (c *Cache) Has(id string) bool {
	return c.entries.Contains(id)
}

// Get returns the resident candidate for id
func (c *Cache) Get(id string) (*data.Candidate, bool) {
	return c.entries.Peek(id)
}

// Remove drops id, reporting whether it was resident
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.entries.Remove(id)
	c.evicted = nil
	return ok
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Capacity() int {
	return c.capacity
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.evicted = nil
}

// IDs returns resident ids, oldest first
func (c *Cache) IDs() []string {
	return c.entries.Keys()
}
