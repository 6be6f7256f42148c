// Package cache caches the decoded entries of index pages (package
// indexnode) so a store that serves the same page for repeated tree-leaf
// or key lookups doesn't re-unmarshal it every time.
package cache

import "github.com/archivist-project/blockexc/indexnode"

// EntryCache provides fast access to previously decoded index page entries,
// keyed by the page's content address (hex-encoded index hash or CID key).
type EntryCache interface {
	// Get retrieves cached entries for a page. Returns nil, false if not cached.
	Get(key string) ([]indexnode.Entry, bool)

	// Put stores the decoded entries for a page.
	Put(key string, entries []indexnode.Entry) error

	// Delete removes cached entries for a page.
	Delete(key string) error

	// Clear removes all cached entries.
	Clear() error
}
