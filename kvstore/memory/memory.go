package memory

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// Store is an in-memory implementation of kvstore.KVStore, extended with
// TTL support so it can stand in for the badger-backed store in tests of
// the block store's expiry semantics.
type Store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	expires map[string]time.Time // absent or zero means no expiry
}

// New creates a new in-memory KVStore.
func New() *Store {
	return &Store{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

func keyString(key []byte) string {
	return hex.EncodeToString(key)
}

// Put stores a key-value pair with no expiry.
func (s *Store) Put(ctx context.Context, key []byte, value []byte) error {
	return s.PutWithTTL(ctx, key, value, 0)
}

// PutWithTTL stores a key-value pair that expires after ttl from now. A zero
// ttl means no expiry.
func (s *Store) PutWithTTL(ctx context.Context, key []byte, value []byte, ttl time.Duration) error {
	k := keyString(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[k] = value
	if ttl > 0 {
		s.expires[k] = time.Now().Add(ttl)
	} else {
		delete(s.expires, k)
	}
	return nil
}

// Get retrieves a value by key. Returns nil, nil for a missing or expired key.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	k := keyString(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if exp, ok := s.expires[k]; ok && time.Now().After(exp) {
		return nil, nil
	}
	val, ok := s.data[k]
	if !ok {
		return nil, nil
	}
	return val, nil
}

// ExpiresAt returns the absolute expiry time for key, or the zero Time if
// the key has no TTL or does not exist.
func (s *Store) ExpiresAt(ctx context.Context, key []byte) (time.Time, error) {
	k := keyString(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires[k], nil
}

// Keys returns every non-expired key currently stored, in no particular
// order.
func (s *Store) Keys(ctx context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	keys := make([][]byte, 0, len(s.data))
	for k := range s.data {
		if exp, ok := s.expires[k]; ok && now.After(exp) {
			continue
		}
		raw, err := hex.DecodeString(k)
		if err != nil {
			continue
		}
		keys = append(keys, raw)
	}
	return keys, nil
}

// Delete removes a key-value pair.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	k := keyString(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, k)
	delete(s.expires, k)
	return nil
}

// Close releases any resources.
func (s *Store) Close() error {
	return nil
}
