// Package discovery announces and locates providers for a CID over the
// Kademlia DHT, keyed by keccak256(cid.to_bytes()) rather than the DHT's
// default record key.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	coredisc "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"golang.org/x/crypto/sha3"

	"github.com/archivist-project/blockexc/cid"
)

// CacheTTL is how long a successful find's result is cached before the
// next find re-queries the DHT.
const CacheTTL = 5 * time.Minute

// keyFor derives the DHT routing-discovery key for a CID: the hex-encoded
// keccak256 digest of its binary form.
func keyFor(c cid.CID) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(c.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	peers    []peer.AddrInfo
	cachedAt time.Time
}

// Client wraps a Kademlia DHT's routing discovery behind a {provide, find}
// capability set, so the exchange engine never imports the DHT package
// directly. It depends on the core discovery.Discovery interface
// rather than the concrete *drouting.RoutingDiscovery so tests can supply a
// fake.
type Client struct {
	discovery coredisc.Discovery
	self      peer.ID

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New wraps a running *dht.IpfsDHT. self is excluded from find results.
func New(kad *dht.IpfsDHT, self peer.ID) *Client {
	return &Client{
		discovery: drouting.NewRoutingDiscovery(kad),
		self:      self,
		cache:     make(map[string]cacheEntry),
	}
}

// NewWithDiscovery wraps an arbitrary discovery.Discovery implementation,
// for use in tests or with a non-DHT backend.
func NewWithDiscovery(d coredisc.Discovery, self peer.ID) *Client {
	return &Client{discovery: d, self: self, cache: make(map[string]cacheEntry)}
}

// Provide announces to the closest DHT nodes to keccak256(cid.to_bytes())
// that this node holds c.
func (c *Client) Provide(ctx context.Context, target cid.CID) error {
	_, err := c.discovery.Advertise(ctx, keyFor(target))
	if err != nil {
		return fmt.Errorf("discovery: provide %s: %w", target, err)
	}
	return nil
}

// Find locates up to limit providers for target, returning a cached result
// if one was populated within CacheTTL.
func (c *Client) Find(ctx context.Context, target cid.CID, limit int) ([]peer.AddrInfo, error) {
	key := keyFor(target)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Since(e.cachedAt) < CacheTTL {
		c.mu.Unlock()
		return e.peers, nil
	}
	c.mu.Unlock()

	peerCh, err := c.discovery.FindPeers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("discovery: find %s: %w", target, err)
	}

	providers := make([]peer.AddrInfo, 0, limit)
	for p := range peerCh {
		if p.ID == c.self {
			continue
		}
		providers = append(providers, p)
		if limit > 0 && len(providers) >= limit {
			go func() {
				for range peerCh {
				}
			}()
			break
		}
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{peers: providers, cachedAt: time.Now()}
	c.mu.Unlock()

	return providers, nil
}
