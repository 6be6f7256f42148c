package exchange

import (
	"sync"

	peerctx "github.com/archivist-project/blockexc/peer"
)

// Registry is the single-writer/multi-reader connected-peer table: the
// connection manager is the only writer, the scheduler and serving path
// read it freely.
type Registry struct {
	mu                 sync.RWMutex
	peers              map[peerctx.ID]*peerctx.Context
	maxInflightPerPeer int
}

// NewRegistry builds an empty peer registry.
func NewRegistry(maxInflightPerPeer int) *Registry {
	return &Registry{
		peers:              make(map[peerctx.ID]*peerctx.Context),
		maxInflightPerPeer: maxInflightPerPeer,
	}
}

// Connect registers id as connected, creating its peer context if this is
// the first time it's seen. Idempotent.
func (r *Registry) Connect(id peerctx.ID) *peerctx.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.peers[id]; ok {
		return c
	}
	c := peerctx.New(id, r.maxInflightPerPeer)
	r.peers[id] = c
	return c
}

// Disconnect removes id's peer context. The engine collects the context; any
// pending requests routed through it fall back to SelectProvider.
func (r *Registry) Disconnect(id peerctx.ID) (*peerctx.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.peers[id]
	delete(r.peers, id)
	return c, ok
}

// Get returns id's peer context, if connected.
func (r *Registry) Get(id peerctx.ID) (*peerctx.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.peers[id]
	return c, ok
}

// Connected returns every currently connected peer ID.
func (r *Registry) Connected() []peerctx.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]peerctx.ID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}
