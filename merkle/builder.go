// Package merkle builds the balanced binary merkle tree over a dataset's
// leaf blocks that a Manifest's root field names, and generates the
// per-leaf inclusion proofs the store persists alongside each tree leaf
// and the exchange engine serves back on a tree-leaf WantBlock. The store
// also calls BuildProof on the serving path, to regenerate a leaf's proof in
// GetByTree, and the exchange engine checks proofs received over the wire
// with VerifyProof; package proof only handles their wire envelope.
//
// Internal node hashing uses BLAKE3, matching the hash this repo already
// uses for index structures (package multihash, package indexnode)
// instead of inventing a third hash family.
package merkle

import (
	"context"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/archivist-project/blockexc/kvstore"
)

// Builder builds merkle trees over leaf hashes, persisting each internal
// node (64 bytes: left || right) in store so BuildProof can walk back down
// from the root later.
type Builder struct {
	store kvstore.KVStore
}

// NewBuilder builds a Builder backed by store for internal node persistence.
func NewBuilder(store kvstore.KVStore) *Builder {
	return &Builder{store: store}
}

// BuildTree builds a merkle tree over leaves and returns its root hash. A
// single leaf's tree is that leaf itself, addressable by its own CID.
func (b *Builder) BuildTree(ctx context.Context, leaves [][32]byte) ([32]byte, error) {
	if len(leaves) == 0 {
		return [32]byte{}, fmt.Errorf("merkle: cannot build a tree with zero leaves")
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	return b.buildTree(ctx, leaves)
}

func (b *Builder) buildTree(ctx context.Context, hashes [][32]byte) ([32]byte, error) {
	n := len(hashes)
	if n == 1 {
		return hashes[0], nil
	}

	nextLevel := make([][32]byte, 0, (n+1)/2)
	for i := 0; i < n; i += 2 {
		left := hashes[i]
		right := left
		if i+1 < n {
			right = hashes[i+1]
		}

		parent := hashPair(left, right)

		var node [64]byte
		copy(node[0:32], left[:])
		copy(node[32:64], right[:])
		if err := b.store.Put(ctx, parent[:], node[:]); err != nil {
			return [32]byte{}, fmt.Errorf("merkle: store node: %w", err)
		}

		nextLevel = append(nextLevel, parent)
	}

	return b.buildTree(ctx, nextLevel)
}

// hashPair computes the BLAKE3 hash of two sibling hashes concatenated.
func hashPair(left, right [32]byte) [32]byte {
	var combined [64]byte
	copy(combined[0:32], left[:])
	copy(combined[32:64], right[:])
	return blake3.Sum256(combined[:])
}
