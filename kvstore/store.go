package kvstore

import (
	"context"
	"encoding/hex"
)

// Hash is a fixed 32-byte digest, comparable and usable as a map key.
// Content identifiers and other variable-length keys use plain []byte
// instead; Hash is for keying by a raw 32-byte digest directly.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// KVStore defines a generic key-value store interface
// Keys are variable-length byte slices to support multihash (34 bytes)
// or raw 32-byte hashes depending on the use case
type KVStore interface {
	// Put stores a key-value pair
	Put(ctx context.Context, key []byte, value []byte) error

	// Get retrieves a value by key
	// Returns nil if key doesn't exist
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Delete removes a key-value pair
	Delete(ctx context.Context, key []byte) error

	// Close releases any resources
	Close() error
}
