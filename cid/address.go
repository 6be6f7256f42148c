package cid

import (
	"context"
	"fmt"
)

// BlockAddress is a tagged union: either a direct CID, or a reference to
// the index-th leaf of the merkle tree rooted at TreeCID.
type BlockAddress struct {
	Leaf    bool
	TreeCID CID
	Index   uint64
	CID     CID
}

// Direct builds a direct-mode address.
func Direct(c CID) BlockAddress {
	return BlockAddress{CID: c}
}

// Leaf builds a tree-leaf address.
func Leaf(treeCID CID, index uint64) BlockAddress {
	return BlockAddress{Leaf: true, TreeCID: treeCID, Index: index}
}

// UnknownTreeLeafError is returned when a tree-leaf address's index has no
// cached leaf CID in the store.
type UnknownTreeLeafError struct {
	TreeCID CID
	Index   uint64
}

func (e *UnknownTreeLeafError) Error() string {
	return fmt.Sprintf("unknown tree leaf: tree=%s index=%d", e.TreeCID, e.Index)
}

// LeafResolver looks up the CID stored at a tree/index pair. The block store
// implements this; the cid package stays independent of the store package.
type LeafResolver interface {
	ResolveLeaf(ctx context.Context, treeCID CID, index uint64) (CID, error)
}

// Resolve yields the CID this address names: the direct field itself, or a
// store lookup of (TreeCID, Index) for a tree-leaf address.
func (a BlockAddress) Resolve(ctx context.Context, r LeafResolver) (CID, error) {
	if !a.Leaf {
		return a.CID, nil
	}
	return r.ResolveLeaf(ctx, a.TreeCID, a.Index)
}

// Equal reports whether two addresses name the same thing syntactically
// (not whether they'd resolve to the same CID).
func (a BlockAddress) Equal(b BlockAddress) bool {
	if a.Leaf != b.Leaf {
		return false
	}
	if a.Leaf {
		return a.TreeCID.Equals(b.TreeCID) && a.Index == b.Index
	}
	return a.CID.Equals(b.CID)
}

// Key returns a string suitable for use as a map key, distinguishing direct
// addresses from tree-leaf addresses at the same CID.
func (a BlockAddress) Key() string {
	if a.Leaf {
		return fmt.Sprintf("leaf:%s:%d", a.TreeCID.KeyString(), a.Index)
	}
	return "direct:" + a.CID.KeyString()
}
