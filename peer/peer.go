// Package peer implements per-peer mutable state: their wantlist,
// a presence cache evicted by both LRU and age, and the inflight-WantBlock
// set that bounds per-peer concurrency. This is accessed only by the
// exchange engine's scheduler, never concurrently by two goroutines for the
// same peer, but the Context's own methods still lock internally because the
// presence cache is also read by the serving path handling an inbound
// message on a different goroutine than the scheduler's outbound loop.
package peer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/wire"
)

// ID identifies a peer. It is kept as a plain string (a libp2p peer.ID's
// string form) so this package stays independent of the transport.
type ID string

// defaultPresenceCacheSize bounds the LRU before age eviction even kicks in.
const defaultPresenceCacheSize = 4096

// PresenceAge is the ceiling past which a cached presence entry is treated
// as stale and discarded rather than used for provider selection tie-break
// rules.
const PresenceAge = 5 * time.Minute

// DefaultMaxInflight is the default per-peer cap on outstanding WantBlocks.
const DefaultMaxInflight = 16

// Presence records a peer's declared Have/DontHave for an address, with the
// time it was observed so it can be aged out.
type Presence struct {
	Kind   wire.PresenceKind
	Price  []byte
	SeenAt time.Time
}

// Context is the mutable state this node keeps about one remote peer.
type Context struct {
	ID ID

	mu         sync.Mutex
	theirWants map[string]*wire.WantlistEntry // keyed by BlockAddress.Key()

	presMu   sync.Mutex
	presence *lru.Cache[string, Presence]

	inflightMu  sync.Mutex
	inflight    map[string]struct{}
	maxInflight int

	pendingBytes int32
}

// New builds a peer context with the default presence cache size and the
// given per-peer inflight cap.
func New(id ID, maxInflight int) *Context {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	cache, err := lru.New[string, Presence](defaultPresenceCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which can't happen
		// here; a nil cache would panic on first use, so fail loud instead.
		panic(err)
	}
	return &Context{
		ID:          id,
		theirWants:  make(map[string]*wire.WantlistEntry),
		presence:    cache,
		inflight:    make(map[string]struct{}),
		maxInflight: maxInflight,
	}
}

// RecordTheirWant records that this peer wants address, per entry.
func (c *Context) RecordTheirWant(entry *wire.WantlistEntry, address cid.BlockAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.theirWants[address.Key()] = entry
}

// RecordTheirCancel removes address from this peer's wantlist.
func (c *Context) RecordTheirCancel(address cid.BlockAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.theirWants, address.Key())
}

// TheirWant reports whether this peer currently wants address, and the
// entry describing how (WantHave vs WantBlock, send_dont_have, priority).
func (c *Context) TheirWant(address cid.BlockAddress) (*wire.WantlistEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.theirWants[address.Key()]
	return e, ok
}

// TheirWantedAddresses returns every address this peer currently wants, so
// a cancellation can eventually propagate to every peer that had a live
// want.
func (c *Context) TheirWantedAddresses() []cid.BlockAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cid.BlockAddress, 0, len(c.theirWants))
	for _, e := range c.theirWants {
		out = append(out, addressFromWire(e.Address))
	}
	return out
}

func addressFromWire(a *wire.BlockAddress) cid.BlockAddress {
	if a == nil {
		return cid.BlockAddress{}
	}
	if a.Leaf {
		treeCID, _ := cid.Parse(a.TreeCID)
		return cid.Leaf(treeCID, a.Index)
	}
	c, _ := cid.Parse(a.CID)
	return cid.Direct(c)
}

// NotePresence records a presence observation for address, stamped with
// the current time.
func (c *Context) NotePresence(address cid.BlockAddress, kind wire.PresenceKind, price []byte) {
	c.presMu.Lock()
	defer c.presMu.Unlock()
	c.presence.Add(address.Key(), Presence{Kind: kind, Price: price, SeenAt: time.Now()})
}

// PresenceFor returns the cached presence for address, discarding (and
// evicting) entries older than PresenceAge.
func (c *Context) PresenceFor(address cid.BlockAddress) (Presence, bool) {
	c.presMu.Lock()
	defer c.presMu.Unlock()
	p, ok := c.presence.Get(address.Key())
	if !ok {
		return Presence{}, false
	}
	if time.Since(p.SeenAt) > PresenceAge {
		c.presence.Remove(address.Key())
		return Presence{}, false
	}
	return p, true
}

// ClaimInflight reserves an inflight WantBlock slot for address. It returns
// false if the peer is already at its inflight cap or already has an
// inflight want for this exact address, making a repeated WantBlock for a
// CID already being delivered a no-op.
func (c *Context) ClaimInflight(address cid.BlockAddress) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	key := address.Key()
	if _, ok := c.inflight[key]; ok {
		return false
	}
	if len(c.inflight) >= c.maxInflight {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

// ReleaseInflight frees an inflight slot claimed for address.
func (c *Context) ReleaseInflight(address cid.BlockAddress) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, address.Key())
}

// InflightCount reports the number of outstanding WantBlocks to this peer.
func (c *Context) InflightCount() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}

// SetPendingBytes records the peer's self-reported outbound backlog, used
// for flow control. The engine reads this via PendingBytes to decide whether
// to temporarily skip this peer for further WantBlock selection.
func (c *Context) SetPendingBytes(n int32) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.pendingBytes = n
}

// PendingBytes returns the last reported backlog.
func (c *Context) PendingBytes() int32 {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return c.pendingBytes
}
