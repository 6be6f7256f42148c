// Package exchange implements the block-exchange engine, the heart of the
// node: the scheduler that drives a single protocol state machine per
// requested address, the serving-side responder for inbound wantlists,
// provider selection, retry/backoff, flow control, and cancellation
// propagation.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/merkle"
	"github.com/archivist-project/blockexc/pending"
	peerctx "github.com/archivist-project/blockexc/peer"
	"github.com/archivist-project/blockexc/proof"
	"github.com/archivist-project/blockexc/store"
	"github.com/archivist-project/blockexc/wire"
)

// Config holds the protocol's tunable parameters.
type Config struct {
	PresenceWait        time.Duration
	WantTimeout         time.Duration
	DiscoveryRetries    int
	PeerCooldown        time.Duration
	PendingBytesCap     int32
	MaxInflightRequests int
	MaxInflightPerPeer  int
	BlockTTL            time.Duration
	MaxBlockSize        int
	BackoffBase         time.Duration
	BackoffCap          time.Duration

	// MaxFrameBytes bounds a single wire frame. It mirrors node.Config's
	// field of the same name for callers (tests, alternate transports)
	// that construct an Engine without going through package node; the
	// transport layer is the one that actually enforces it on reads.
	MaxFrameBytes int
}

// DefaultConfig returns the protocol's normative defaults.
func DefaultConfig() Config {
	return Config{
		PresenceWait:        200 * time.Millisecond,
		WantTimeout:         30 * time.Second,
		DiscoveryRetries:    3,
		PeerCooldown:        60 * time.Second,
		PendingBytesCap:     16 << 20,
		MaxInflightRequests: 100,
		MaxInflightPerPeer:  peerctx.DefaultMaxInflight,
		BlockTTL:            7 * 24 * time.Hour,
		MaxBlockSize:        cid.MaxBlockSize,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          30 * time.Second,
		MaxFrameBytes:       16 << 20,
	}
}

// Store is the capability set the engine needs from the block store.
type Store interface {
	Get(ctx context.Context, c cid.CID) (cid.Block, error)
	Has(ctx context.Context, c cid.CID) (bool, error)
	Put(ctx context.Context, b cid.Block, ttl time.Duration) (store.PutResult, error)
	GetByTree(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, []byte, error)
	PutTreeEntry(ctx context.Context, treeCID cid.CID, index uint64, leafCID cid.CID, proof []byte) error
	ResolveLeaf(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, error)
}

// Sender delivers an outbound Message to a connected peer. The node's p2p
// transport implements this.
type Sender interface {
	Send(ctx context.Context, to peerctx.ID, msg *wire.Message) error
}

// ProviderInfo is a discovery result: a peer to dial for a given CID.
type ProviderInfo struct {
	ID peerctx.ID
}

// Discovery is the capability set the engine needs for DHT lookups.
type Discovery interface {
	Provide(ctx context.Context, c cid.CID) error
	Find(ctx context.Context, c cid.CID, limit int) ([]ProviderInfo, error)
}

// Dialer connects to a discovered provider so it becomes a connected peer.
type Dialer interface {
	Connect(ctx context.Context, info ProviderInfo) error
}

// campaign is the per-address bookkeeping the scheduler uses while driving
// a WantBlock/WantHave protocol state machine for one address. Peer
// contexts and pending requests hold non-owning IDs, never pointers into
// each other; campaign does the same, keying everything by peerctx.ID.
type campaign struct {
	address     cid.BlockAddress
	mu          sync.Mutex
	presenceCh  chan presenceEvent
	wantedFrom  map[peerctx.ID]struct{} // peers we've sent an outstanding want to
	blocklisted map[peerctx.ID]struct{} // peers penalized for a CidMismatch on this address

	// peerGone carries disconnect notifications for peers this campaign has
	// an outstanding want to, so tryProvider can give up on one immediately
	// instead of waiting out the full WantTimeout. Buffered and fed with a
	// non-blocking send: a notification dropped because the buffer is full
	// only delays tryProvider's fallback by the timeout, it never loses a
	// delivery.
	peerGone chan peerctx.ID

	resolved  chan struct{}
	closeOnce sync.Once
}

// close signals every tryProvider call waiting on this campaign that it has
// been resolved (delivered, failed, or cancelled) elsewhere. Safe to call
// more than once.
func (c *campaign) close() {
	c.closeOnce.Do(func() { close(c.resolved) })
}

type presenceEvent struct {
	from     peerctx.ID
	presence peerctx.Presence
}

// Engine is the block-exchange scheduler and serving-side responder.
type Engine struct {
	cfg       Config
	store     Store
	pending   *pending.Manager
	registry  *Registry
	sender    Sender
	discovery Discovery
	dialer    Dialer
	logger    *slog.Logger

	globalInflight chan struct{} // counting semaphore, capacity MaxInflightRequests

	mu         sync.Mutex
	campaigns  map[string]*campaign // keyed by BlockAddress.Key(); the active driver, if any
	cooldowns  map[peerctx.ID]time.Time
}

// New builds an Engine. store, sender and discovery must be non-nil; dialer
// may be nil if the node never needs to dial discovered providers (e.g. a
// test harness that pre-connects every peer).
func New(store Store, sender Sender, discovery Discovery, dialer Dialer, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:            cfg,
		store:          store,
		registry:       NewRegistry(cfg.MaxInflightPerPeer),
		sender:         sender,
		discovery:      discovery,
		dialer:         dialer,
		logger:         logger,
		globalInflight: make(chan struct{}, cfg.MaxInflightRequests),
		campaigns:      make(map[string]*campaign),
		cooldowns:      make(map[peerctx.ID]time.Time),
	}
	e.pending = pending.NewManager(cfg.WantTimeout, cfg.DiscoveryRetries, e.localLookup)
	return e
}

func (e *Engine) localLookup(ctx context.Context, address cid.BlockAddress) (cid.Block, bool, error) {
	c, err := address.Resolve(ctx, resolverFunc(e.store.ResolveLeaf))
	if err != nil {
		var unknownLeaf *cid.UnknownTreeLeafError
		if errors.As(err, &unknownLeaf) {
			return cid.Block{}, false, nil
		}
		return cid.Block{}, false, err
	}
	b, err := e.store.Get(ctx, c)
	if err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			return cid.Block{}, false, nil
		}
		return cid.Block{}, false, err
	}
	return b, true, nil
}

type resolverFunc func(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, error)

func (f resolverFunc) ResolveLeaf(ctx context.Context, treeCID cid.CID, index uint64) (cid.CID, error) {
	return f(ctx, treeCID, index)
}

// HandlePeerConnected registers a newly connected peer.
func (e *Engine) HandlePeerConnected(id peerctx.ID) {
	e.registry.Connect(id)
}

// HandlePeerDisconnected collects a disconnected peer's context and wakes
// any campaign with an outstanding want to this peer immediately, so
// tryProvider falls back to the next candidate right away instead of
// waiting out the full WantTimeout: pending requests still survive peer
// churn by checking presence via IDs, not pointers, but a peer loss no
// longer has to wait for a timer to be noticed.
func (e *Engine) HandlePeerDisconnected(id peerctx.ID) {
	e.registry.Disconnect(id)

	e.mu.Lock()
	camps := make([]*campaign, 0, len(e.campaigns))
	for _, camp := range e.campaigns {
		camps = append(camps, camp)
	}
	e.mu.Unlock()

	for _, camp := range camps {
		camp.mu.Lock()
		_, waiting := camp.wantedFrom[id]
		camp.mu.Unlock()
		if !waiting {
			continue
		}
		select {
		case camp.peerGone <- id:
		default:
		}
	}
}

// Request resolves address to its block: from the local store immediately,
// or by driving (or joining) a WantBlock campaign over the network.
func (e *Engine) Request(ctx context.Context, address cid.BlockAddress) (cid.Block, error) {
	ch, waiterID, err := e.pending.Request(ctx, address)
	if err != nil {
		return cid.Block{}, fmt.Errorf("exchange: request: %w", err)
	}
	if waiterID == 0 {
		// Local hit: pending already delivered the block; no campaign.
		res := <-ch
		return res.Block, res.Err
	}

	key := address.Key()
	e.mu.Lock()
	camp, owns := e.campaigns[key]
	if !owns {
		camp = &campaign{
			address:     address,
			presenceCh:  make(chan presenceEvent, 64),
			wantedFrom:  make(map[peerctx.ID]struct{}),
			blocklisted: make(map[peerctx.ID]struct{}),
			peerGone:    make(chan peerctx.ID, 4),
			resolved:    make(chan struct{}),
		}
		e.campaigns[key] = camp
	}
	e.mu.Unlock()

	if !owns {
		go e.runCampaign(context.Background(), camp)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return cid.Block{}, res.Err
		}
		return res.Block, nil
	case <-ctx.Done():
		e.cancelRequest(address, waiterID)
		return cid.Block{}, ctx.Err()
	}
}

// cancelRequest removes the waiter, and if it was the last one, tears down
// the campaign and notifies every peer with a live want for this address.
func (e *Engine) cancelRequest(address cid.BlockAddress, waiterID uint64) {
	if waiterID == 0 {
		return // local hit; nothing was ever registered
	}
	removedEntry := e.pending.Cancel(address, waiterID)
	if !removedEntry {
		return
	}
	key := address.Key()
	e.mu.Lock()
	camp := e.campaigns[key]
	delete(e.campaigns, key)
	e.mu.Unlock()
	if camp == nil {
		return
	}
	camp.close()

	camp.mu.Lock()
	targets := make([]peerctx.ID, 0, len(camp.wantedFrom))
	for id := range camp.wantedFrom {
		targets = append(targets, id)
	}
	camp.mu.Unlock()

	for _, id := range targets {
		msg := cancelMessage(address)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = e.sender.Send(ctx, id, msg)
		cancel()
	}
}

func cancelMessage(address cid.BlockAddress) *wire.Message {
	return &wire.Message{Wantlist: &wire.Wantlist{Entries: []*wire.WantlistEntry{
		{Address: wireAddress(address), Cancel: true},
	}}}
}

func wireAddress(a cid.BlockAddress) *wire.BlockAddress {
	if a.Leaf {
		return &wire.BlockAddress{Leaf: true, TreeCID: a.TreeCID.Bytes(), Index: a.Index}
	}
	return &wire.BlockAddress{CID: a.CID.Bytes()}
}

func addressFromWire(a *wire.BlockAddress) (cid.BlockAddress, error) {
	if a == nil {
		return cid.BlockAddress{}, fmt.Errorf("exchange: nil address")
	}
	if a.Leaf {
		treeCID, err := cid.Parse(a.TreeCID)
		if err != nil {
			return cid.BlockAddress{}, err
		}
		return cid.Leaf(treeCID, a.Index), nil
	}
	c, err := cid.Parse(a.CID)
	if err != nil {
		return cid.BlockAddress{}, err
	}
	return cid.Direct(c), nil
}

// runCampaign drives the protocol state machine for one address until it
// resolves, fails, or is torn down by a cancellation.
func (e *Engine) runCampaign(ctx context.Context, camp *campaign) {
	address := camp.address
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.MaxInterval = e.cfg.BackoffCap
	bo.RandomizationFactor = 0.2

	for round := 0; round < e.cfg.DiscoveryRetries; round++ {
		e.broadcastWantHave(ctx, camp)

		providerFound := e.awaitAndTryProviders(ctx, camp)
		if providerFound {
			return // delivery already completed the pending request
		}

		if !e.campaignStillLive(camp) {
			return
		}

		// No usable provider from currently connected peers: fall back to
		// DHT discovery, then retry the broadcast/select loop.
		if e.discovery != nil {
			e.runDiscoveryRound(ctx, address)
		}

		e.pending.RecordAttempt(address, e.cfg.WantTimeout)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}

	e.finishCampaign(camp, cid.Block{}, &NoProvidersError{Address: address})
}

func (e *Engine) campaignStillLive(camp *campaign) bool {
	e.mu.Lock()
	_, ok := e.campaigns[camp.address.Key()]
	e.mu.Unlock()
	return ok
}

func (e *Engine) broadcastWantHave(ctx context.Context, camp *campaign) {
	for _, id := range e.registry.Connected() {
		if e.inCooldown(id) {
			continue
		}
		msg := &wire.Message{Wantlist: &wire.Wantlist{Entries: []*wire.WantlistEntry{
			{Address: wireAddress(camp.address), WantType: wire.WantHave, SendDontHave: true, Priority: 1},
		}}}
		if err := e.sender.Send(ctx, id, msg); err != nil {
			e.logger.Debug("exchange: want-have send failed", "peer", id, "err", err)
		}
	}
}

// awaitAndTryProviders waits for the presence window, then repeatedly
// selects the best remaining candidate and escalates to WantBlock until one
// succeeds, disconnects, or the candidate pool is exhausted. It returns
// true if the address ultimately resolved (the pending request was
// completed or failed from within this call).
func (e *Engine) awaitAndTryProviders(ctx context.Context, camp *campaign) bool {
	seen := make(map[peerctx.ID]struct{})
	deadline := time.NewTimer(e.cfg.PresenceWait)
	defer deadline.Stop()

collect:
	for {
		select {
		case ev := <-camp.presenceCh:
			seen[ev.from] = struct{}{}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			return false
		}
	}

	for {
		candidates := e.gatherCandidates(camp, seen)
		chosen, ok := selectProvider(candidates)
		if !ok {
			return false
		}

		resolved := e.tryProvider(ctx, camp, chosen)
		if resolved {
			return true
		}
		delete(seen, chosen) // exhausted; try the next-best candidate
	}
}

func (e *Engine) gatherCandidates(camp *campaign, from map[peerctx.ID]struct{}) []candidate {
	var out []candidate
	camp.mu.Lock()
	blocklisted := camp.blocklisted
	camp.mu.Unlock()

	for id := range from {
		if _, bad := blocklisted[id]; bad {
			continue
		}
		if e.inCooldown(id) {
			continue
		}
		pc, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		pres, ok := pc.PresenceFor(camp.address)
		if !ok {
			continue
		}
		out = append(out, candidate{id: id, presence: pres, inflight: pc.InflightCount()})
	}
	return out
}

// tryProvider sends a WantBlock to the chosen peer and waits for either the
// pending request to resolve (delivery arrived and was completed
// elsewhere), the peer to disconnect, or the want_timeout_s deadline.
func (e *Engine) tryProvider(ctx context.Context, camp *campaign, chosen peerctx.ID) bool {
	pc, ok := e.registry.Get(chosen)
	if !ok {
		return false
	}
	if pc.PendingBytes() > e.cfg.PendingBytesCap {
		return false // flow control: skip an overloaded peer
	}
	if !pc.ClaimInflight(camp.address) {
		return false // dedup: already inflight to this peer, or peer at cap
	}
	defer pc.ReleaseInflight(camp.address)

	select {
	case e.globalInflight <- struct{}{}:
		defer func() { <-e.globalInflight }()
	case <-ctx.Done():
		return false
	}

	camp.mu.Lock()
	camp.wantedFrom[chosen] = struct{}{}
	camp.mu.Unlock()

	msg := &wire.Message{Wantlist: &wire.Wantlist{Entries: []*wire.WantlistEntry{
		{Address: wireAddress(camp.address), WantType: wire.WantBlock, Priority: 1},
	}}}
	if err := e.sender.Send(ctx, chosen, msg); err != nil {
		e.logger.Debug("exchange: want-block send failed", "peer", chosen, "err", err)
		return false
	}

	timer := time.NewTimer(e.cfg.WantTimeout)
	defer timer.Stop()

	if _, ok := e.pending.Snapshot(camp.address); !ok {
		return true // already resolved by a concurrent delivery
	}

	for {
		select {
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-camp.resolved:
			return true
		case gone := <-camp.peerGone:
			if gone == chosen {
				return false
			}
			// a different peer of this campaign's disconnected; keep waiting.
		}
	}
}

func (e *Engine) runDiscoveryRound(ctx context.Context, address cid.BlockAddress) {
	target, err := address.Resolve(ctx, resolverFunc(e.store.ResolveLeaf))
	if err != nil {
		return // tree leaf not yet known locally; nothing to discover by
	}
	roundCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	providers, err := e.discovery.Find(roundCtx, target, 20)
	if err != nil {
		e.logger.Debug("exchange: discovery find failed", "cid", target, "err", err)
		return
	}
	for _, p := range providers {
		if _, connected := e.registry.Get(p.ID); connected {
			continue
		}
		if e.dialer == nil {
			continue
		}
		if err := e.dialer.Connect(roundCtx, p); err != nil {
			e.logger.Debug("exchange: dial discovered provider failed", "peer", p.ID, "err", err)
			continue
		}
		e.HandlePeerConnected(p.ID)
	}
}

func (e *Engine) finishCampaign(camp *campaign, block cid.Block, failErr error) {
	key := camp.address.Key()
	e.mu.Lock()
	delete(e.campaigns, key)
	e.mu.Unlock()
	camp.close()

	if failErr != nil {
		e.pending.Fail(camp.address, failErr)
		return
	}
	e.pending.Complete(camp.address, block)
}

func (e *Engine) inCooldown(id peerctx.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[id]
	return ok && time.Now().Before(until)
}

func (e *Engine) penalize(id peerctx.ID) {
	e.mu.Lock()
	e.cooldowns[id] = time.Now().Add(e.cfg.PeerCooldown)
	e.mu.Unlock()
}

// Penalize puts a peer in cooldown for this protocol's configured peer
// cooldown duration. Exported for transport-level callers that detect a
// protocol violation before a message ever reaches HandleInbound, e.g. an
// oversized frame.
func (e *Engine) Penalize(id peerctx.ID) {
	e.penalize(id)
}

// NoProvidersError is returned when every discovery round and every
// presence-bearing peer has been exhausted without a delivery.
type NoProvidersError struct {
	Address cid.BlockAddress
}

func (e *NoProvidersError) Error() string {
	return fmt.Sprintf("exchange: no providers for %s", e.Address.Key())
}

// UnexpectedDeliveryError is returned (and logged, not propagated) when a
// BlockDelivery arrives for an address with no pending request.
type UnexpectedDeliveryError struct {
	Address cid.BlockAddress
}

func (e *UnexpectedDeliveryError) Error() string {
	return fmt.Sprintf("exchange: unexpected delivery for %s", e.Address.Key())
}

// HandleInbound dispatches one incoming protocol message from a connected
// peer: wantlist entries are served locally, presences wake any campaign
// waiting on them, and payload deliveries complete (or, lacking a matching
// pending request, are logged as an UnexpectedDelivery) the matching
// request.
func (e *Engine) HandleInbound(ctx context.Context, from peerctx.ID, msg *wire.Message) {
	pc := e.registry.Connect(from)

	pc.SetPendingBytes(msg.PendingBytes)

	if msg.Wantlist != nil {
		for _, entry := range msg.Wantlist.Entries {
			e.serveWant(ctx, from, pc, entry)
		}
	}
	for _, p := range msg.Presences {
		e.handlePresence(from, p)
	}
	for _, d := range msg.Payload {
		e.handleDelivery(ctx, from, d)
	}
}

// serveWant implements the serving side for one inbound wantlist entry:
// record or drop the want, then answer a WantHave with a
// presence and a WantBlock with the block itself, sending DontHave only
// when the peer asked for it.
func (e *Engine) serveWant(ctx context.Context, from peerctx.ID, pc *peerctx.Context, entry *wire.WantlistEntry) {
	address, err := addressFromWire(entry.Address)
	if err != nil {
		e.logger.Debug("exchange: malformed want address", "peer", from, "err", err)
		return
	}

	if entry.Cancel {
		pc.RecordTheirCancel(address)
		return
	}
	pc.RecordTheirWant(entry, address)

	target, err := address.Resolve(ctx, resolverFunc(e.store.ResolveLeaf))
	if err != nil {
		if entry.SendDontHave {
			e.sendPresence(ctx, from, address, wire.PresenceDontHave, nil)
		}
		return
	}

	has, err := e.store.Has(ctx, target)
	if err != nil {
		e.logger.Warn("exchange: has check failed", "cid", target, "err", err)
		return
	}
	if !has {
		if entry.SendDontHave {
			e.sendPresence(ctx, from, address, wire.PresenceDontHave, nil)
		}
		return
	}

	switch entry.WantType {
	case wire.WantHave:
		e.sendPresence(ctx, from, address, wire.PresenceHave, nil)
	case wire.WantBlock:
		e.deliverBlock(ctx, from, address, target)
	}
}

func (e *Engine) sendPresence(ctx context.Context, to peerctx.ID, address cid.BlockAddress, kind wire.PresenceKind, price []byte) {
	msg := &wire.Message{Presences: []*wire.BlockPresence{
		{Address: wireAddress(address), Kind: kind, Price: price},
	}}
	if err := e.sender.Send(ctx, to, msg); err != nil {
		e.logger.Debug("exchange: presence send failed", "peer", to, "err", err)
	}
}

func (e *Engine) deliverBlock(ctx context.Context, to peerctx.ID, address cid.BlockAddress, target cid.CID) {
	block, err := e.store.Get(ctx, target)
	if err != nil {
		e.logger.Warn("exchange: get for delivery failed", "cid", target, "err", err)
		return
	}
	delivery := &wire.BlockDelivery{CID: target.Bytes(), Data: block.Data, Address: wireAddress(address)}
	if address.Leaf {
		if _, proof, err := e.store.GetByTree(ctx, address.TreeCID, address.Index); err == nil {
			delivery.Proof = proof
		}
	}
	msg := &wire.Message{Payload: []*wire.BlockDelivery{delivery}}
	if err := e.sender.Send(ctx, to, msg); err != nil {
		e.logger.Debug("exchange: delivery send failed", "peer", to, "err", err)
	}
}

func (e *Engine) handlePresence(from peerctx.ID, p *wire.BlockPresence) {
	address, err := addressFromWire(p.Address)
	if err != nil {
		e.logger.Debug("exchange: malformed presence address", "peer", from, "err", err)
		return
	}
	if pc, ok := e.registry.Get(from); ok {
		pc.NotePresence(address, p.Kind, p.Price)
	}

	e.mu.Lock()
	camp, ok := e.campaigns[address.Key()]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case camp.presenceCh <- presenceEvent{from: from, presence: peerctx.Presence{Kind: p.Kind, Price: p.Price, SeenAt: time.Now()}}:
	default:
		// Presence-wait window already closed or buffer full; the next
		// round's broadcast will pick up this peer's Have again.
	}
}

// handleDelivery verifies a BlockDelivery, stores it, and completes the
// matching pending request. A claimed CID that doesn't hash-verify
// blocklists the sending peer for this address's campaign and puts it in
// cooldown.
func (e *Engine) handleDelivery(ctx context.Context, from peerctx.ID, d *wire.BlockDelivery) {
	target, err := cid.Parse(d.CID)
	if err != nil {
		e.logger.Debug("exchange: malformed delivery cid", "peer", from, "err", err)
		return
	}
	block, err := cid.VerifyBlock(target, d.Data, e.cfg.MaxBlockSize)
	if err != nil {
		e.logger.Warn("exchange: cid mismatch from peer", "peer", from, "cid", target, "err", err)
		e.blocklistPeer(from, d.Address)
		e.penalize(from)
		return
	}

	address, err := addressFromWire(d.Address)
	if err != nil {
		address = cid.Direct(target)
	}

	if _, err := e.store.Put(ctx, block, e.cfg.BlockTTL); err != nil {
		e.logger.Error("exchange: store put failed", "cid", target, "err", err)
	}
	if address.Leaf && len(d.Proof) > 0 {
		if err := e.verifyTreeProof(address, target, d.Proof); err != nil {
			e.logger.Warn("exchange: tree proof failed verification from peer", "peer", from, "cid", target, "err", err)
			e.blocklistPeer(from, d.Address)
			e.penalize(from)
		} else if err := e.store.PutTreeEntry(ctx, address.TreeCID, address.Index, target, d.Proof); err != nil {
			e.logger.Warn("exchange: put tree entry failed", "cid", target, "err", err)
		}
	}

	e.mu.Lock()
	camp, owns := e.campaigns[address.Key()]
	if owns {
		delete(e.campaigns, address.Key())
	}
	e.mu.Unlock()
	if owns {
		camp.close()
	}

	if !e.pending.Complete(address, block) {
		e.logger.Debug("exchange: unexpected delivery", "peer", from, "address", address.Key())
	}
}

// verifyTreeProof decodes a wire-carried ArchivistProof and checks it
// actually reconstructs address.TreeCID's root digest from target's leaf
// digest, rejecting any delivery whose proof doesn't check out before it's
// ever recorded as that tree's entry at address.Index.
func (e *Engine) verifyTreeProof(address cid.BlockAddress, target cid.CID, rawProof []byte) error {
	p, err := proof.Unmarshal(rawProof)
	if err != nil {
		return fmt.Errorf("unmarshal proof: %w", err)
	}

	leafDigest, err := cid.Digest(target)
	if err != nil {
		return fmt.Errorf("leaf digest: %w", err)
	}
	rootDigest, err := cid.Digest(address.TreeCID)
	if err != nil {
		return fmt.Errorf("root digest: %w", err)
	}

	nodes := make([]merkle.ProofNode, len(p.Path))
	for i, n := range p.Path {
		if len(n.Hash) != 32 {
			return fmt.Errorf("proof node %d has digest length %d, want 32", i, len(n.Hash))
		}
		var hash [32]byte
		copy(hash[:], n.Hash)
		nodes[i] = merkle.ProofNode{Hash: hash, IsLeft: n.Left}
	}

	inclusion := &merkle.InclusionProof{Leaf: leafDigest, Position: uint32(address.Index), Nodes: nodes}
	if !merkle.VerifyProof(inclusion, rootDigest) {
		return fmt.Errorf("proof does not resolve to tree root")
	}
	return nil
}

func (e *Engine) blocklistPeer(id peerctx.ID, wireAddr *wire.BlockAddress) {
	address, err := addressFromWire(wireAddr)
	if err != nil {
		return
	}
	e.mu.Lock()
	camp, ok := e.campaigns[address.Key()]
	e.mu.Unlock()
	if !ok {
		return
	}
	camp.mu.Lock()
	camp.blocklisted[id] = struct{}{}
	camp.mu.Unlock()
}
