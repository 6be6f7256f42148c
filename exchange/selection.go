package exchange

import (
	"bytes"
	"time"

	peerctx "github.com/archivist-project/blockexc/peer"
	"github.com/archivist-project/blockexc/wire"
)

// candidate is one peer's presence declaration for an address, gathered
// during the presence-wait window, plus what the selector needs to rank it.
type candidate struct {
	id       peerctx.ID
	presence peerctx.Presence
	inflight int
}

// selectProvider ranks candidates by lowest price, then fewest
// inflight-to-them, then most-recent presence, then the smaller peer ID as a
// stable tie-break. Candidates with a stale (>5min) presence must already be
// filtered out by the caller (peerctx.Context.PresenceFor does this).
// Candidates whose kind is not Have are skipped here.
func selectProvider(candidates []candidate) (peerctx.ID, bool) {
	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.presence.Kind != wire.PresenceHave {
			continue
		}
		if best == nil || better(c, best) {
			best = c
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

// better reports whether a is a strictly better provider choice than b.
func better(a, b *candidate) bool {
	if cmp := bytes.Compare(a.presence.Price, b.presence.Price); cmp != 0 {
		// nil/empty price sorts as "cheapest"; otherwise lexicographic
		// byte comparison of the UInt256 big-endian price.
		return priceLess(a.presence.Price, b.presence.Price)
	}
	if a.inflight != b.inflight {
		return a.inflight < b.inflight
	}
	if !a.presence.SeenAt.Equal(b.presence.SeenAt) {
		return a.presence.SeenAt.After(b.presence.SeenAt)
	}
	return a.id < b.id // stable tie-break: numerically/lexically smaller peer-id wins
}

func priceLess(a, b []byte) bool {
	if len(a) == 0 && len(b) == 0 {
		return false
	}
	if len(a) == 0 {
		return true
	}
	if len(b) == 0 {
		return false
	}
	return bytes.Compare(a, b) < 0
}

// presenceFresh reports whether seenAt is within the presence-age ceiling
// used for selection; a presence older than 5 minutes is discarded.
func presenceFresh(seenAt time.Time) bool {
	return time.Since(seenAt) <= peerctx.PresenceAge
}
