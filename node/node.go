// Package node composes the pieces implemented elsewhere in this module
// into a running Archivist peer: a libp2p host speaking the blockexc wire
// protocol over length-prefixed streams, a Kademlia DHT for provider
// discovery, the block store, and the exchange engine that drives both
// sides of the protocol.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	connmgrimpl "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/archivist-project/blockexc/advertiser"
	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/discovery"
	"github.com/archivist-project/blockexc/exchange"
	peerctx "github.com/archivist-project/blockexc/peer"
	"github.com/archivist-project/blockexc/store"
)

// ProtocolID is the blockexc wire protocol's libp2p protocol identifier.
const ProtocolID = protocol.ID("/archivist/blockexc/1.0.0")

// protocolPrefix namespaces the DHT so Archivist nodes don't share a
// routing table with unrelated libp2p applications.
const protocolPrefix protocol.ID = "/archivist"

// defaultMaxFrameBytes is the wire protocol's normative default for the
// largest single framed message (length prefix + payload) a stream reader
// will accept before rejecting it as FrameTooLarge.
const defaultMaxFrameBytes = 16 << 20 // 16Mi

// Config holds the tunables for constructing a Node.
type Config struct {
	ListenAddrs    []string // multiaddrs to listen on; defaults to TCP+QUIC on ListenPort
	ListenPort     int
	PrivateKey     crypto.PrivKey // identity key; generated if nil
	BootstrapPeers []peer.AddrInfo
	LowWater       int // connection manager low watermark
	HighWater      int // connection manager high watermark
	LogLevel       string

	// MaxFrameBytes bounds a single length-prefixed wire.Message frame.
	// Zero uses defaultMaxFrameBytes (16Mi, the protocol's normative
	// default). An inbound frame exceeding this is rejected as
	// FrameTooLarge and the stream is reset.
	MaxFrameBytes int

	Exchange exchange.Config
}

// DefaultConfig returns reasonable defaults for a standalone node.
func DefaultConfig() Config {
	return Config{
		ListenPort:    4001,
		LowWater:      64,
		HighWater:     256,
		LogLevel:      "info",
		MaxFrameBytes: defaultMaxFrameBytes,
		Exchange:      exchange.DefaultConfig(),
	}
}

// Node is a running Archivist blockexc peer.
type Node struct {
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *discovery.Client
	store     *store.Store
	manifests ManifestIndex
	engine    *exchange.Engine
	advert    *advertiser.Advertiser
	logger    *slog.Logger

	maxFrameBytes int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	streams map[peer.ID]*outboundStream
}

// New constructs a Node's libp2p host, DHT, discovery client, and exchange
// engine, wiring the engine's Sender and Dialer capabilities to this
// node's transport. Run must be called to bootstrap the DHT and start
// background tasks.
func New(ctx context.Context, cfg Config, blockStore *store.Store, manifests ManifestIndex, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bridgeLibp2pLogging(cfg.LogLevel)

	listenAddrs := cfg.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort),
		}
	}
	addrs := make([]ma.Multiaddr, 0, len(listenAddrs))
	for _, a := range listenAddrs {
		maddr, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("invalid listen addr %q: %w", a, err)
		}
		addrs = append(addrs, maddr)
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity key: %w", err)
		}
	}

	lowWater, highWater := cfg.LowWater, cfg.HighWater
	if lowWater == 0 {
		lowWater = 64
	}
	if highWater == 0 {
		highWater = 256
	}
	cm, err := connmgrimpl.NewConnManager(lowWater, highWater, connmgrimpl.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addrs...),
		libp2p.ConnectionManager(cm),
		libp2p.EnableNATService(),
		libp2p.NATPortMap(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer), dht.ProtocolPrefix(protocolPrefix))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	disc := discovery.New(kad, h.ID())

	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:          h,
		dht:           kad,
		discovery:     disc,
		store:         blockStore,
		manifests:     manifests,
		logger:        logger,
		ctx:           nctx,
		cancel:        cancel,
		streams:       make(map[peer.ID]*outboundStream),
		maxFrameBytes: maxFrameBytes,
	}

	n.engine = exchange.New(blockStore, n, newDiscoveryAdapter(n, disc), n, cfg.Exchange, logger)
	n.advert = advertiser.New(disc, advertiser.DefaultMaxConcurrent, logger, advertiser.WithLister(blockStore))
	blockStore.SetInsertionHook(func(hookCtx context.Context, c cid.CID, size int) {
		n.advert.InsertionHook(hookCtx, c, size)
		manifestIndexingHook(hookCtx, blockStore, n.manifests, logger, c, size)
	})

	h.SetStreamHandler(ProtocolID, n.handleIncomingStream)
	h.Network().Notify(&netNotifee{n: n})

	for _, pi := range cfg.BootstrapPeers {
		h.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	}

	return n, nil
}

// Run bootstraps the DHT against the configured bootstrap peers and starts
// background tasks (re-advertisement, peer connect/disconnect bookkeeping).
// It blocks until ctx is cancelled or Shutdown is called.
func (n *Node) Run(ctx context.Context, bootstrapPeers []peer.AddrInfo) error {
	n.advert.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.bootstrap(bootstrapPeers)
	}()

	select {
	case <-ctx.Done():
	case <-n.ctx.Done():
	}
	return nil
}

func (n *Node) bootstrap(peers []peer.AddrInfo) {
	var wg sync.WaitGroup
	for _, pi := range peers {
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			connectCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(connectCtx, pi); err != nil {
				n.logger.Warn("bootstrap peer connect failed", "peer", pi.ID, "error", err)
			}
		}(pi)
	}
	wg.Wait()

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		n.logger.Warn("dht bootstrap failed", "error", err)
	}
}

// Shutdown tears the node down: stops the advertiser, closes the DHT and
// host, and waits for background goroutines to return.
func (n *Node) Shutdown(ctx context.Context) error {
	n.cancel()

	if err := n.advert.Stop(); err != nil {
		n.logger.Warn("advertiser stop exceeded grace period", "error", err)
	}

	n.mu.Lock()
	for _, s := range n.streams {
		s.close()
	}
	n.mu.Unlock()

	if err := n.dht.Close(); err != nil {
		n.logger.Warn("dht close failed", "error", err)
	}
	if err := n.host.Close(); err != nil {
		n.logger.Warn("host close failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// PeerID returns the node's own peer identity.
func (n *Node) PeerID() peer.ID { return n.host.ID() }

// Addrs returns the multiaddrs the host is listening on.
func (n *Node) Addrs() []ma.Multiaddr { return n.host.Addrs() }

// Engine returns the exchange engine driving this node's protocol state
// machine, for callers that need to issue Request calls directly.
func (n *Node) Engine() *exchange.Engine { return n.engine }

// netNotifee bridges libp2p connection events to the exchange engine's
// peer connect/disconnect bookkeeping.
type netNotifee struct{ n *Node }

func (nn *netNotifee) Connected(_ network.Network, c network.Conn) {
	nn.n.engine.HandlePeerConnected(peerctx.ID(c.RemotePeer().String()))
}

func (nn *netNotifee) Disconnected(_ network.Network, c network.Conn) {
	nn.n.engine.HandlePeerDisconnected(peerctx.ID(c.RemotePeer().String()))
}

func (nn *netNotifee) Listen(network.Network, ma.Multiaddr)      {}
func (nn *netNotifee) ListenClose(network.Network, ma.Multiaddr) {}
