package memory

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archivist-project/blockexc/indexnode"
)

// Cache is an in-memory LRU cache of decoded index page entries.
type Cache struct {
	lru *lru.Cache[string, []indexnode.Entry]
	mu  sync.RWMutex
}

// New creates an in-memory LRU cache holding up to size decoded pages.
func New(size int) (*Cache, error) {
	l, err := lru.New[string, []indexnode.Entry](size)
	if err != nil {
		return nil, err
	}

	return &Cache{lru: l}, nil
}

// Get retrieves cached entries for a page.
func (c *Cache) Get(key string) ([]indexnode.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lru.Get(key)
}

// Put stores the decoded entries for a page.
func (c *Cache) Put(key string, entries []indexnode.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, entries)
	return nil
}

// Delete removes cached entries for a page.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
	return nil
}

// Clear removes all cached entries.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	return nil
}
