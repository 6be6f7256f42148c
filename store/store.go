// Package store implements the content-addressed block store: a
// persistent put/get/has/delete surface over blocks and manifests, a
// tree-leaf index for dual-mode addressing, TTL with monotonic extension,
// and an exactly-once insertion hook the advertiser subscribes to.
//
// Besides put, get, has, delete, put_tree_entry, get_by_tree, ensure_expiry
// and set_insertion_hook, it offers CID listing for re-advertisement and the
// leaf-index page, page-cache and merkle-builder hooks GetByTree uses. The
// backend is a kvstore, so callers can swap the in-memory implementation for
// the badger-backed one without code changes, the same swappable-backend
// shape as kvstore/memory and kvstore/badger.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/cache"
	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/indexnode"
	"github.com/archivist-project/blockexc/kvstore"
	"github.com/archivist-project/blockexc/merkle"
	"github.com/archivist-project/blockexc/proof"
)

// PutResult reports whether a put was a first-time insertion or a
// duplicate of an already-stored block.
type PutResult int

const (
	Inserted PutResult = iota
	Duplicate
)

// NotFoundError is returned by Get/GetByTree when the CID or tree-leaf
// pair is not present in the store.
type NotFoundError struct {
	CID cid.CID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: not found: %s", e.CID)
}

// InsertionHook is invoked exactly once per first-time insertion of a CID,
// asynchronously and without holding any store lock. The advertiser
// registers one of these to learn about newly-held content.
type InsertionHook func(ctx context.Context, c cid.CID, size int)

// TreeEntry records where a tree leaf's block lives plus its proof bytes
// for serving tree-leaf WantBlock requests.
type TreeEntry struct {
	LeafCID cid.CID
	Proof   []byte
}

// ttlStore is the subset of kvstore backends (memory, badger) that support
// TTL-qualified puts. Both shipped backends implement it, and the Store
// requires it of its backend.
type ttlStore interface {
	kvstore.KVStore
	PutWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) error
	ExpiresAt(ctx context.Context, key []byte) (time.Time, error)
}

// Store is the block store. It is safe for concurrent use; mutation of a
// given CID's state (insertion, expiry extension, deletion) is serialized
// per-key via an in-process striped lock, matching the striping the
// exchange engine's store access pattern expects.
type Store struct {
	blocks ttlStore
	logger *slog.Logger

	mu       sync.Mutex // guards keyLocks
	keyLocks map[string]*sync.Mutex

	hookMu sync.RWMutex
	hook   InsertionHook

	treeMu  sync.RWMutex
	treeIdx map[string]TreeEntry // key: tree_cid bytes + "/" + index

	pageCache cache.EntryCache // optional; decoded indexnode.IndexNode entries

	indexMu       sync.RWMutex
	indexPages    map[string]indexPageMeta // key: tree_cid.KeyString()
	merkleBuilder *merkle.Builder          // optional; enables proof regeneration from a persisted tree
}

// indexPageMeta records where to find a tree's persisted leaf-index page
// and enough of the tree's own shape (root digest, leaf count) to rebuild
// an inclusion proof for any of its leaves on demand.
type indexPageMeta struct {
	PageCID    cid.CID
	RootDigest [32]byte
	LeafCount  uint64
}

// New wraps a ttl-capable kvstore backend as a block store.
func New(blocks ttlStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		blocks:     blocks,
		logger:     logger,
		keyLocks:   make(map[string]*sync.Mutex),
		treeIdx:    make(map[string]TreeEntry),
		indexPages: make(map[string]indexPageMeta),
	}
}

// SetMerkleBuilder registers the merkle tree builder GetByTree uses to
// regenerate an inclusion proof for a leaf whose TreeEntry is no longer in
// memory, as long as the tree's internal nodes are still present in the
// same backing kvstore.KVStore the builder was constructed over.
func (s *Store) SetMerkleBuilder(b *merkle.Builder) {
	s.merkleBuilder = b
}

// PutIndexPage registers treeCID's persisted leaf-index page (produced by
// indexnode.NewLeafIndex and stored as an ordinary block): the page's own
// CID, the tree's merkle root digest, and its leaf count. GetByTree
// consults this registration whenever a leaf has no in-memory TreeEntry,
// which is the case for every tree-leaf lookup after a process restart.
func (s *Store) PutIndexPage(treeCID cid.CID, pageCID cid.CID, rootDigest [32]byte, leafCount uint64) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	s.indexPages[treeCID.KeyString()] = indexPageMeta{PageCID: pageCID, RootDigest: rootDigest, LeafCount: leafCount}
}

// SetInsertionHook registers the single hook invoked on first-time
// insertion. Registering a new hook replaces any previous one; the store
// does not fan out to multiple hooks itself, so a caller that needs to
// notify several subscribers composes them into one InsertionHook before
// registering: try each subscriber, log and continue past one that fails.
func (s *Store) SetInsertionHook(hook InsertionHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = hook
}

// SetPageCache registers a decode cache for index pages. A store with no
// page cache decodes every index page fresh on each IndexEntries
// call; this is correct but wasteful when the same page is consulted
// repeatedly during a key-search or range scan over a large manifest.
func (s *Store) SetPageCache(c cache.EntryCache) {
	s.pageCache = c
}

// IndexEntries returns the decoded entries of the index page block stored
// at c, consulting the page cache first and populating it on a miss. The
// underlying block must have been produced by indexnode.Marshal; anything
// else is a decode error.
func (s *Store) IndexEntries(ctx context.Context, c cid.CID) ([]indexnode.Entry, error) {
	key := c.KeyString()

	if s.pageCache != nil {
		if entries, ok := s.pageCache.Get(key); ok {
			return entries, nil
		}
	}

	block, err := s.Get(ctx, c)
	if err != nil {
		return nil, err
	}

	node, err := indexnode.Unmarshal(block.Data)
	if err != nil {
		return nil, fmt.Errorf("store: decode index page %s: %w", c, err)
	}

	if s.pageCache != nil {
		if err := s.pageCache.Put(key, node.Entries); err != nil {
			s.logger.Warn("store: page cache put failed", "cid", c, "err", err)
		}
	}

	return node.Entries, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func blockKey(c cid.CID) []byte {
	return c.Bytes()
}

// Put stores a block, computing/verifying its CID against its data. A
// second put of an already-stored CID is a duplicate: it extends TTL to
// the max of the old and new deadlines (monotonic, never shortens) and
// does not fire the insertion hook. Concurrent duplicate puts of the same
// CID collapse to one insertion; the hook fires exactly once.
func (s *Store) Put(ctx context.Context, b cid.Block, ttl time.Duration) (PutResult, error) {
	if err := cid.Verify(b.CID, b.Data); err != nil {
		return Duplicate, err
	}

	key := blockKey(b.CID)
	keyStr := string(key)
	lock := s.lockFor(keyStr)
	lock.Lock()

	existing, err := s.blocks.Get(ctx, key)
	if err != nil {
		lock.Unlock()
		return Duplicate, fmt.Errorf("store: get during put: %w", err)
	}

	if existing != nil {
		// Duplicate: extend TTL monotonically, never shorten it.
		if err := s.ensureExpiryLocked(ctx, key, ttl); err != nil {
			lock.Unlock()
			return Duplicate, err
		}
		lock.Unlock()
		return Duplicate, nil
	}

	if err := s.blocks.PutWithTTL(ctx, key, b.Data, ttl); err != nil {
		lock.Unlock()
		return Duplicate, fmt.Errorf("store: put: %w", err)
	}
	lock.Unlock()

	s.fireHook(ctx, b.CID, len(b.Data))
	return Inserted, nil
}

func (s *Store) fireHook(ctx context.Context, c cid.CID, size int) {
	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("store: insertion hook panicked", "cid", c, "panic", r)
			}
		}()
		hook(ctx, c, size)
	}()
}

// Get retrieves a block by CID.
func (s *Store) Get(ctx context.Context, c cid.CID) (cid.Block, error) {
	data, err := s.blocks.Get(ctx, blockKey(c))
	if err != nil {
		return cid.Block{}, fmt.Errorf("store: get: %w", err)
	}
	if data == nil {
		return cid.Block{}, &NotFoundError{CID: c}
	}
	return cid.Block{CID: c, Data: data}, nil
}

// Has reports whether a CID is currently stored (and not expired).
func (s *Store) Has(ctx context.Context, c cid.CID) (bool, error) {
	data, err := s.blocks.Get(ctx, blockKey(c))
	if err != nil {
		return false, fmt.Errorf("store: has: %w", err)
	}
	return data != nil, nil
}

// Delete removes a block and any tree-index entries that point at it.
func (s *Store) Delete(ctx context.Context, c cid.CID) error {
	if err := s.blocks.Delete(ctx, blockKey(c)); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if s.pageCache != nil {
		if err := s.pageCache.Delete(c.KeyString()); err != nil {
			s.logger.Warn("store: page cache delete failed", "cid", c, "err", err)
		}
	}
	s.treeMu.Lock()
	for k, entry := range s.treeIdx {
		if entry.LeafCID.Equals(c) {
			delete(s.treeIdx, k)
		}
	}
	s.treeMu.Unlock()
	return nil
}

func treeKey(treeCID cid.CID, index uint64) string {
	return fmt.Sprintf("%s/%d", treeCID.KeyString(), index)
}

// PutTreeEntry records the mapping from (tree_cid, index) to a leaf CID and
// its merkle proof. The invariant this index must maintain is that it
// stays consistent with the stored leaf block; callers are expected to Put
// the leaf block itself in addition to this call.
func (s *Store) PutTreeEntry(ctx context.Context, treeCID cid.CID, index uint64, leafCID cid.CID, proof []byte) error {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	s.treeIdx[treeKey(treeCID, index)] = TreeEntry{LeafCID: leafCID, Proof: proof}
	return nil
}

// GetByTree resolves (tree_cid, index) to the stored leaf CID and proof. A
// hit in the in-memory tree index returns immediately; otherwise, if
// treeCID has a registered leaf-index page (PutIndexPage), the leaf CID is
// recovered from that page and its proof rebuilt on demand from the
// persisted merkle tree, so the (tree_cid, index) association survives a
// process restart without keeping every leaf's proof bytes resident in
// memory indefinitely.
func (s *Store) GetByTree(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, []byte, error) {
	s.treeMu.RLock()
	entry, ok := s.treeIdx[treeKey(treeCID, index)]
	s.treeMu.RUnlock()
	if ok {
		return entry.LeafCID, entry.Proof, nil
	}

	leafCID, proofBytes, err := s.resolveFromIndexPage(ctx, treeCID, index)
	if err != nil {
		return cid.Undef, nil, err
	}

	s.treeMu.Lock()
	s.treeIdx[treeKey(treeCID, index)] = TreeEntry{LeafCID: leafCID, Proof: proofBytes}
	s.treeMu.Unlock()

	return leafCID, proofBytes, nil
}

// resolveFromIndexPage recovers a leaf CID and its proof from a tree's
// persisted index page, the fallback path GetByTree takes on an in-memory
// miss.
func (s *Store) resolveFromIndexPage(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, []byte, error) {
	s.indexMu.RLock()
	meta, ok := s.indexPages[treeCID.KeyString()]
	s.indexMu.RUnlock()
	if !ok {
		return cid.Undef, nil, &cid.UnknownTreeLeafError{TreeCID: treeCID, Index: index}
	}

	entries, err := s.IndexEntries(ctx, meta.PageCID)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("store: read leaf index page for %s: %w", treeCID, err)
	}
	if index >= uint64(len(entries)) {
		return cid.Undef, nil, &cid.UnknownTreeLeafError{TreeCID: treeCID, Index: index}
	}

	var leafDigest [32]byte
	copy(leafDigest[:], entries[index].Value)
	leafCID, err := cid.New(cid.CodecRaw, cid.HashSHA256, leafDigest[:])
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("store: leaf cid from index page: %w", err)
	}

	proofBytes, err := s.rebuildProof(ctx, meta, index, leafDigest)
	if err != nil {
		s.logger.Warn("store: proof regeneration failed, serving leaf without a proof", "tree", treeCID, "index", index, "err", err)
		return leafCID, nil, nil
	}
	return leafCID, proofBytes, nil
}

// rebuildProof regenerates the wire-form inclusion proof for leaf position
// index of the tree described by meta, walking the internal nodes the
// merkle builder persisted at ingestion time.
func (s *Store) rebuildProof(ctx context.Context, meta indexPageMeta, index uint64, leafDigest [32]byte) ([]byte, error) {
	if s.merkleBuilder == nil {
		return nil, fmt.Errorf("store: no merkle builder registered")
	}
	if meta.LeafCount <= 1 {
		return (&proof.ArchivistProof{Mcodec: cid.HashBlake3, Index: index, Nleaves: meta.LeafCount}).Marshal(), nil
	}
	mp, err := s.merkleBuilder.BuildProof(ctx, meta.RootDigest, uint32(index), uint32(meta.LeafCount))
	if err != nil {
		return nil, err
	}
	wp := &proof.ArchivistProof{Mcodec: cid.HashBlake3, Index: index, Nleaves: meta.LeafCount}
	for _, n := range mp.Nodes {
		h := n.Hash
		wp.Path = append(wp.Path, &proof.ProofNode{Hash: append([]byte(nil), h[:]...), Left: n.IsLeft})
	}
	return wp.Marshal(), nil
}

// ResolveLeaf implements cid.LeafResolver, letting BlockAddress.Resolve
// call back into the store without the cid package importing it.
func (s *Store) ResolveLeaf(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, error) {
	leafCID, _, err := s.GetByTree(ctx, treeCID, index)
	return leafCID, err
}

// ensureExpiryLocked extends ttl for key to the max of its current and new
// deadlines. Caller must hold the per-key lock.
func (s *Store) ensureExpiryLocked(ctx context.Context, key []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	current, err := s.blocks.ExpiresAt(ctx, key)
	if err != nil {
		return fmt.Errorf("store: expires-at: %w", err)
	}
	newDeadline := time.Now().Add(ttl)
	if !current.IsZero() && !newDeadline.After(current) {
		return nil // already extended at least this far; never shorten
	}
	data, err := s.blocks.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("store: get during ensure-expiry: %w", err)
	}
	if data == nil {
		return nil
	}
	return s.blocks.PutWithTTL(ctx, key, data, ttl)
}

// ListCIDs enumerates every CID currently held, for the advertiser's
// periodic local-store re-advertisement sweep. It needs a backend with a
// Keys method (both memory and badger have one) and returns an error for a
// backend without it.
type keyLister interface {
	Keys(ctx context.Context) ([][]byte, error)
}

func (s *Store) ListCIDs(ctx context.Context) ([]cid.CID, error) {
	lister, ok := s.blocks.(keyLister)
	if !ok {
		return nil, fmt.Errorf("store: backend does not support key enumeration")
	}
	keys, err := lister.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	cids := make([]cid.CID, 0, len(keys))
	for _, k := range keys {
		c, err := cid.Parse(k)
		if err != nil {
			s.logger.Warn("store: skipping unparseable key during listing", "err", err)
			continue
		}
		cids = append(cids, c)
	}
	return cids, nil
}

// EnsureExpiry monotonically extends a stored CID's TTL to at least
// newDeadline's remaining duration. Calling it with an earlier deadline
// than the current one is a no-op.
func (s *Store) EnsureExpiry(ctx context.Context, c cid.CID, newDeadline time.Time) error {
	key := blockKey(c)
	lock := s.lockFor(string(key))
	lock.Lock()
	defer lock.Unlock()

	ttl := time.Until(newDeadline)
	if ttl <= 0 {
		return nil
	}
	return s.ensureExpiryLocked(ctx, key, ttl)
}
