package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"

	"github.com/archivist-project/blockexc/exchange"
	peerctx "github.com/archivist-project/blockexc/peer"
	"github.com/archivist-project/blockexc/wire"
)

// FrameTooLargeError reports that an inbound peer sent a frame exceeding
// the configured MaxFrameBytes. The protocol treats this as a violation:
// the connection is reset and the sender is penalized the same way a
// CID-mismatched delivery is.
type FrameTooLargeError struct {
	Peer peerctx.ID
	Max  int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("node: frame from %s exceeds max frame size %d", e.Peer, e.Max)
}

// outboundStream owns one long-lived libp2p stream to a peer and serializes
// every Send call for that peer under sendMu, so concurrent campaigns never
// interleave partial frames on the wire. Frames
// are length-prefixed with an unsigned varint, written by hand the
// same way go-graphsync's libp2p network layer does on its write path.
type outboundStream struct {
	s      network.Stream
	sendMu sync.Mutex

	closeOnce sync.Once
}

func newOutboundStream(s network.Stream) *outboundStream {
	return &outboundStream{s: s}
}

func (o *outboundStream) send(deadline time.Time, data []byte) error {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if !deadline.IsZero() {
		_ = o.s.SetWriteDeadline(deadline)
		defer o.s.SetWriteDeadline(time.Time{})
	}
	prefix := varint.ToUvarint(uint64(len(data)))
	if _, err := o.s.Write(prefix); err != nil {
		return err
	}
	_, err := o.s.Write(data)
	return err
}

func (o *outboundStream) close() {
	o.closeOnce.Do(func() {
		_ = o.s.Close()
	})
}

// Send implements exchange.Sender: it marshals msg and writes it, varint
// length-prefixed, to the (lazily opened) outbound stream for the peer.
func (n *Node) Send(ctx context.Context, to peerctx.ID, msg *wire.Message) error {
	pid, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("node: invalid peer id %q: %w", to, err)
	}

	data := msg.Marshal()

	stream, err := n.outboundStreamFor(ctx, pid)
	if err != nil {
		return fmt.Errorf("node: open stream to %s: %w", pid, err)
	}

	deadline, _ := ctx.Deadline()
	if err := stream.send(deadline, data); err != nil {
		n.mu.Lock()
		delete(n.streams, pid)
		n.mu.Unlock()
		stream.close()
		return fmt.Errorf("node: write message to %s: %w", pid, err)
	}
	return nil
}

func (n *Node) outboundStreamFor(ctx context.Context, pid peer.ID) (*outboundStream, error) {
	n.mu.Lock()
	if s, ok := n.streams[pid]; ok {
		n.mu.Unlock()
		return s, nil
	}
	n.mu.Unlock()

	s, err := n.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return nil, err
	}
	out := newOutboundStream(s)

	n.mu.Lock()
	if existing, ok := n.streams[pid]; ok {
		n.mu.Unlock()
		out.close()
		return existing, nil
	}
	n.streams[pid] = out
	n.mu.Unlock()

	return out, nil
}

// Connect implements exchange.Dialer: it resolves a discovered provider's
// peer ID to a connection, relying on the host's peerstore already holding
// addresses learned during the DHT lookup that produced this ProviderInfo.
func (n *Node) Connect(ctx context.Context, info exchange.ProviderInfo) error {
	pid, err := peer.Decode(string(info.ID))
	if err != nil {
		return fmt.Errorf("node: invalid peer id %q: %w", info.ID, err)
	}
	return n.host.Connect(ctx, peer.AddrInfo{ID: pid})
}

// handleIncomingStream reads length-prefixed wire.Message frames off an
// inbound stream until it closes or a framing error occurs, dispatching
// each to the exchange engine.
func (n *Node) handleIncomingStream(s network.Stream) {
	defer s.Close()

	from := peerctx.ID(s.Conn().RemotePeer().String())
	reader := msgio.NewVarintReaderSize(s, n.maxFrameBytes)
	defer reader.Close()

	for {
		frame, err := reader.ReadMsg()
		if err != nil {
			if errors.Is(err, msgio.ErrMsgTooBig) {
				n.logger.Warn("node: oversized frame, resetting stream", "err", &FrameTooLargeError{Peer: from, Max: n.maxFrameBytes})
				n.engine.Penalize(from)
				_ = s.Reset()
				return
			}
			if err != io.EOF {
				n.logger.Debug("node: stream read error", "peer", from, "err", err)
				_ = s.Reset()
			}
			return
		}

		msg, _, err := wire.Unmarshal(frame)
		if err != nil {
			n.logger.Warn("node: malformed message, resetting stream", "peer", from, "err", err)
			_ = s.Reset()
			return
		}

		n.engine.HandleInbound(n.ctx, from, msg)
		reader.ReleaseMsg(frame)
	}
}
