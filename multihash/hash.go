// Package multihash wraps a BLAKE3 multihash used to address the
// fixed/variable-key index pages the block store persists for tree-leaf
// lookups (see package indexnode). It does not compute CIDs for blocks or
// manifests — those live in package cid and use SHA-256/Poseidon2 per the
// wire codec's codec table.
package multihash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	mh "github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake3"
)

// IndexHash wraps a BLAKE3 multihash for index structures
// Format: <0x1e><0x20><32 bytes> = 34 bytes total
type IndexHash []byte

// NewIndexHash creates a BLAKE3 multihash from data
func NewIndexHash(data []byte) (IndexHash, error) {
	h, err := mh.Sum(data, mh.BLAKE3, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to hash data: %w", err)
	}
	return IndexHash(h), nil
}

// Verify checks that the hash matches the provided data
func (h IndexHash) Verify(data []byte) error {
	decoded, err := mh.Decode(mh.Multihash(h))
	if err != nil {
		return fmt.Errorf("invalid multihash: %w", err)
	}

	if decoded.Code != mh.BLAKE3 {
		return fmt.Errorf("expected BLAKE3 hash, got 0x%x", decoded.Code)
	}

	computed, err := mh.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hash computation failed: %w", err)
	}

	if !bytes.Equal(computed, h) {
		return fmt.Errorf("hash verification failed")
	}

	return nil
}

// Bytes returns the raw multihash bytes
func (h IndexHash) Bytes() []byte {
	return []byte(h)
}

// Hex returns the hex-encoded multihash
func (h IndexHash) Hex() string {
	return hex.EncodeToString(h)
}

