package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peerstore"

	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/discovery"
	"github.com/archivist-project/blockexc/exchange"
	peerctx "github.com/archivist-project/blockexc/peer"
)

// discoveryAdapter narrows discovery.Client (which speaks in libp2p
// peer.AddrInfo, since that's what routing discovery returns) down to the
// exchange.Discovery capability set (which speaks only in peerctx.ID, so
// the engine never needs to import libp2p types). Addresses learned from a
// Find are stashed in the host's peerstore so a later Dialer.Connect by ID
// alone has somewhere to dial.
type discoveryAdapter struct {
	client *discovery.Client
	n      *Node
}

func newDiscoveryAdapter(n *Node, client *discovery.Client) *discoveryAdapter {
	return &discoveryAdapter{client: client, n: n}
}

func (d *discoveryAdapter) Provide(ctx context.Context, c cid.CID) error {
	return d.client.Provide(ctx, c)
}

func (d *discoveryAdapter) Find(ctx context.Context, c cid.CID, limit int) ([]exchange.ProviderInfo, error) {
	infos, err := d.client.Find(ctx, c, limit)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.ProviderInfo, 0, len(infos))
	for _, info := range infos {
		if len(info.Addrs) > 0 {
			d.n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		}
		out = append(out, exchange.ProviderInfo{ID: peerctx.ID(info.ID.String())})
	}
	return out, nil
}
