// Package pending implements the pending-request map: the single-flight
// layer that lets several callers await the same address and all complete
// on one delivery, while the exchange engine (package exchange) drives
// exactly one WantBlock campaign per address at a time.
//
// Requests are keyed by BlockAddress rather than bare CID: a tree-leaf
// address's CID is only known once the leaf block itself has been
// resolved, so the map must be able to track an outstanding request before
// its target CID is known.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archivist-project/blockexc/cid"
)

// ErrTimeout is delivered to waiters whose deadline passed before the
// block arrived.
var ErrTimeout = fmt.Errorf("pending: timed out")

// ErrCancelled is delivered to a waiter that was itself cancelled.
var ErrCancelled = fmt.Errorf("pending: cancelled")

// Result is delivered to a waiter exactly once: either the resolved block
// or an error (Timeout, Cancelled, NoProviders, a storage error, ...).
type Result struct {
	Block cid.Block
	Err   error
}

// LocalLookup checks whether an address already resolves locally (the
// store). When set, Request consults it before joining or creating a
// pending entry, so a local hit completes immediately with no network
// traffic.
type LocalLookup func(ctx context.Context, address cid.BlockAddress) (cid.Block, bool, error)

// Request is the bookkeeping the engine's retry loop reads and updates:
// when the campaign for this address started, how many discovery rounds
// remain, and when the last attempt was made.
type Request struct {
	Address     cid.BlockAddress
	CreatedAt   time.Time
	Deadline    time.Time
	RetriesLeft int
	LastAttempt time.Time
}

type waiter struct {
	id uint64
	ch chan Result
}

type entry struct {
	req     Request
	waiters []waiter
}

// Manager is the pending-request map. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	byKey   map[string]*entry
	nextID  uint64
	timeout time.Duration
	retries int
	lookup  LocalLookup
}

// NewManager builds a pending-request map. timeout is the absolute
// per-address deadline this applies to (the want timeout, default 30s,
// plus the discovery budget the engine layers on top); retries is the
// initial RetriesLeft value for new entries (default 3 discovery retries).
func NewManager(timeout time.Duration, retries int, lookup LocalLookup) *Manager {
	return &Manager{
		byKey:   make(map[string]*entry),
		timeout: timeout,
		retries: retries,
		lookup:  lookup,
	}
}

// Request joins or creates a pending entry for address and returns a
// one-shot channel the caller should receive exactly once from, plus the
// waiter id needed to Cancel this specific subscription (other callers
// that joined the same address are unaffected by a Cancel of this id).
func (m *Manager) Request(ctx context.Context, address cid.BlockAddress) (<-chan Result, uint64, error) {
	if m.lookup != nil {
		block, ok, err := m.lookup(ctx, address)
		if err != nil {
			return nil, 0, fmt.Errorf("pending: local lookup: %w", err)
		}
		if ok {
			ch := make(chan Result, 1)
			ch <- Result{Block: block}
			return ch, 0, nil
		}
	}

	key := address.Key()
	ch := make(chan Result, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	w := waiter{id: id, ch: ch}

	e, ok := m.byKey[key]
	if !ok {
		now := time.Now()
		e = &entry{
			req: Request{
				Address:     address,
				CreatedAt:   now,
				Deadline:    now.Add(m.timeout),
				RetriesLeft: m.retries,
				LastAttempt: now,
			},
		}
		m.byKey[key] = e
	}
	e.waiters = append(e.waiters, w)
	return ch, id, nil
}

// Complete wakes every waiter on address with block and removes the entry.
// A delivery for an address with no pending entry is an UnexpectedDelivery
// as far as this package's caller is concerned; Complete is a no-op in
// that case (the caller decides whether to log or store opportunistically).
func (m *Manager) Complete(address cid.BlockAddress, block cid.Block) bool {
	key := address.Key()
	m.mu.Lock()
	e, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	for _, w := range e.waiters {
		w.ch <- Result{Block: block}
	}
	return true
}

// Fail wakes every waiter on address with err and removes the entry. Used
// by the engine to resolve a campaign with NoProviders or a storage error.
func (m *Manager) Fail(address cid.BlockAddress, err error) bool {
	key := address.Key()
	m.mu.Lock()
	e, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	for _, w := range e.waiters {
		w.ch <- Result{Err: err}
	}
	return true
}

// Cancel removes one waiter from address's entry. If it was the last
// waiter, the entry is removed entirely and removedEntry reports true; the
// caller (the engine) is then responsible for propagating cancel=true
// wantlist entries to every peer with a live want for this address.
func (m *Manager) Cancel(address cid.BlockAddress, waiterID uint64) (removedEntry bool) {
	key := address.Key()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byKey[key]
	if !ok {
		return false
	}

	var cancelledCh chan Result
	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		if w.id == waiterID {
			cancelledCh = w.ch
			continue
		}
		remaining = append(remaining, w)
	}
	e.waiters = remaining

	if cancelledCh != nil {
		cancelledCh <- Result{Err: ErrCancelled}
	}

	if len(e.waiters) == 0 {
		delete(m.byKey, key)
		return true
	}
	return false
}

// TimeoutSweep fails every entry whose deadline has passed as of now,
// delivering ErrTimeout to all their waiters, and returns the addresses
// that were swept so the engine can stop any in-flight work for them.
func (m *Manager) TimeoutSweep(now time.Time) []cid.BlockAddress {
	var expired []*entry
	var addrs []cid.BlockAddress

	m.mu.Lock()
	for key, e := range m.byKey {
		if now.After(e.req.Deadline) {
			expired = append(expired, e)
			addrs = append(addrs, e.req.Address)
			delete(m.byKey, key)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		for _, w := range e.waiters {
			w.ch <- Result{Err: ErrTimeout}
		}
	}
	return addrs
}

// Snapshot returns a copy of the bookkeeping record for address, for the
// engine's retry loop to inspect.
func (m *Manager) Snapshot(address cid.BlockAddress) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey[address.Key()]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// RecordAttempt decrements RetriesLeft, stamps LastAttempt, and extends
// Deadline by extendBy. It returns the retries remaining after the
// decrement and whether the entry still exists. The engine calls this each
// time it starts a new discovery round or re-broadcasts a want as part of
// its retry/backoff loop.
func (m *Manager) RecordAttempt(address cid.BlockAddress, extendBy time.Duration) (retriesLeft int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey[address.Key()]
	if !ok {
		return 0, false
	}
	e.req.RetriesLeft--
	e.req.LastAttempt = time.Now()
	e.req.Deadline = e.req.Deadline.Add(extendBy)
	return e.req.RetriesLeft, true
}

// Len reports the number of distinct addresses currently pending, for
// metrics/tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}
