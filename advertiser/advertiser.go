// Package advertiser implements the background DHT-announcement service:
// a queue of CIDs to announce, bounded concurrency, periodic
// re-advertisement of everything the store currently holds, and a graceful
// bounded-timeout shutdown.
package advertiser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/archivist-project/blockexc/cid"
)

// DefaultMaxConcurrent is the default cap on simultaneous announcements.
const DefaultMaxConcurrent = 10

// DefaultReadvertiseInterval is the default period between full local-store
// re-advertisement sweeps.
const DefaultReadvertiseInterval = 30 * time.Minute

// DefaultStopGrace is the default bound on how long Stop waits, after
// cancelling inflight announcements, for them to return before giving up.
const DefaultStopGrace = 5 * time.Second

// queueSize bounds the announcement queue. Enqueue never blocks the store's
// insertion-hook goroutine: when the queue is full it drops the CID and logs
// a warning.
const queueSize = 4096

// Provider is the subset of the discovery client the advertiser needs.
type Provider interface {
	Provide(ctx context.Context, c cid.CID) error
}

// Lister enumerates CIDs currently held, for periodic re-advertisement.
// The block store implements this by walking its key space.
type Lister interface {
	ListCIDs(ctx context.Context) ([]cid.CID, error)
}

// Advertiser is the queue-based background announcement service.
type Advertiser struct {
	discovery Provider
	lister    Lister
	logger    *slog.Logger

	maxConcurrent        int
	readvertiseInterval  time.Duration
	stopGrace            time.Duration

	queue chan cid.CID

	mu       sync.Mutex
	inFlight map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc

	runMu   sync.Mutex
	running bool
}

// Option configures an Advertiser at construction time.
type Option func(*Advertiser)

// WithLister enables periodic re-advertisement of everything lister reports.
func WithLister(lister Lister) Option {
	return func(a *Advertiser) { a.lister = lister }
}

// WithReadvertiseInterval overrides DefaultReadvertiseInterval.
func WithReadvertiseInterval(d time.Duration) Option {
	return func(a *Advertiser) { a.readvertiseInterval = d }
}

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) Option {
	return func(a *Advertiser) { a.stopGrace = d }
}

// New builds an Advertiser with maxConcurrent simultaneous announcements (0
// uses DefaultMaxConcurrent).
func New(discovery Provider, maxConcurrent int, logger *slog.Logger, opts ...Option) *Advertiser {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Advertiser{
		discovery:           discovery,
		logger:              logger,
		maxConcurrent:       maxConcurrent,
		readvertiseInterval: DefaultReadvertiseInterval,
		stopGrace:           DefaultStopGrace,
		queue:               make(chan cid.CID, queueSize),
		inFlight:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start is idempotent: starting an already-running Advertiser is a no-op.
func (a *Advertiser) Start() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go a.announceLoop(ctx)

	if a.lister != nil {
		a.wg.Add(1)
		go a.readvertiseLoop(ctx)
	}
}

// Enqueue queues c for announcement. Duplicates already queued or in-flight
// coalesce into the existing work, so announcement is idempotent. Enqueue
// on a stopped Advertiser is a no-op; the hook fires best-effort.
func (a *Advertiser) Enqueue(c cid.CID) {
	a.runMu.Lock()
	running := a.running
	a.runMu.Unlock()
	if !running {
		return
	}
	select {
	case a.queue <- c:
	default:
		a.logger.Warn("advertiser: queue full, dropping announcement", "cid", c)
	}
}

// InsertionHook adapts Enqueue to the store.InsertionHook signature, for
// direct registration with store.Store.SetInsertionHook.
func (a *Advertiser) InsertionHook(ctx context.Context, c cid.CID, size int) {
	a.Enqueue(c)
}

func (a *Advertiser) announceLoop(ctx context.Context) {
	defer a.wg.Done()

	sem := semaphore.NewWeighted(int64(a.maxConcurrent))

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-a.queue:
			if !ok {
				return
			}
			a.dispatch(ctx, sem, c)
		}
	}
}

func (a *Advertiser) dispatch(ctx context.Context, sem *semaphore.Weighted, c cid.CID) {
	key := c.KeyString()

	a.mu.Lock()
	if _, ok := a.inFlight[key]; ok {
		a.mu.Unlock()
		return
	}
	a.inFlight[key] = struct{}{}
	a.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		a.mu.Lock()
		delete(a.inFlight, key)
		a.mu.Unlock()
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer sem.Release(1)
		defer func() {
			a.mu.Lock()
			delete(a.inFlight, key)
			a.mu.Unlock()
		}()

		if err := a.discovery.Provide(ctx, c); err != nil {
			a.logger.Warn("advertiser: announce failed, next sweep will retry", "cid", c, "err", err)
			return
		}
		a.logger.Debug("advertiser: announced", "cid", c)
	}()
}

func (a *Advertiser) readvertiseLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.readvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cids, err := a.lister.ListCIDs(ctx)
			if err != nil {
				a.logger.Warn("advertiser: failed to list held CIDs for re-advertisement", "err", err)
				continue
			}
			for _, c := range cids {
				a.Enqueue(c)
			}
		}
	}
}

// InFlightCount reports the number of announcements currently in flight.
func (a *Advertiser) InFlightCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// Stop is idempotent: it stops accepting new work, cancels the context of
// inflight announcements, and waits up to the configured grace period for
// them to return, reporting an error if they have not. Stopping an
// already-stopped Advertiser is a no-op.
func (a *Advertiser) Stop() error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	a.runMu.Unlock()

	// Stop pulling new work and signal inflight announcements to abort via
	// their context; Provide is expected to honor ctx cancellation.
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(a.stopGrace):
		return fmt.Errorf("advertiser: stop grace period exceeded, inflight announcements aborted")
	}
}
