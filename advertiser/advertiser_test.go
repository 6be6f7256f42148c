package advertiser

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/archivist-project/blockexc/cid"
)

type fakeProvider struct {
	mu       sync.Mutex
	provided []cid.CID
	delay    time.Duration
	fail     map[string]bool
	// ignoreCtx makes Provide sleep out delay even after ctx is cancelled,
	// like a DHT call that does not notice cancellation.
	ignoreCtx bool
}

func (f *fakeProvider) Provide(ctx context.Context, c cid.CID) error {
	if f.delay > 0 && f.ignoreCtx {
		time.Sleep(f.delay)
	} else if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[c.KeyString()] {
		return errFake
	}
	f.provided = append(f.provided, c)
	return nil
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (e *fakeErr) Error() string { return "fake provide failure" }

func testCID(t *testing.T, data string) cid.CID {
	t.Helper()
	c, err := cid.ForBlock([]byte(data), cid.HashSHA256)
	if err != nil {
		t.Fatalf("ForBlock: %v", err)
	}
	return c
}

func TestEnqueueAdvertisesBlock(t *testing.T) {
	fp := &fakeProvider{}
	a := New(fp, 2, nil)
	a.Start()
	defer a.Stop()

	c := testCID(t, "hello")
	a.Enqueue(c)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		n := len(fp.provided)
		fp.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected block to be provided")
}

func TestEnqueueNoOpWhenNotRunning(t *testing.T) {
	fp := &fakeProvider{}
	a := New(fp, 2, nil)
	a.Enqueue(testCID(t, "not-started"))
	time.Sleep(10 * time.Millisecond)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.provided) != 0 {
		t.Fatalf("expected no announcements before Start, got %d", len(fp.provided))
	}
}

func TestDuplicateEnqueueWhileInFlightCoalesces(t *testing.T) {
	fp := &fakeProvider{delay: 50 * time.Millisecond}
	a := New(fp, 1, nil)
	a.Start()
	defer a.Stop()

	c := testCID(t, "dup")
	a.Enqueue(c)
	time.Sleep(5 * time.Millisecond) // let it claim in-flight
	a.Enqueue(c)

	time.Sleep(150 * time.Millisecond)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.provided) != 1 {
		t.Fatalf("expected coalesced duplicate to announce once, got %d announcements", len(fp.provided))
	}
}

func TestFailedAnnouncementDoesNotBlockOthers(t *testing.T) {
	fp := &fakeProvider{fail: map[string]bool{}}
	a := New(fp, 2, nil)

	bad := testCID(t, "bad")
	good := testCID(t, "good")
	fp.fail[bad.KeyString()] = true

	a.Start()
	defer a.Stop()

	a.Enqueue(bad)
	a.Enqueue(good)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		n := len(fp.provided)
		fp.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.provided) != 1 || fp.provided[0].KeyString() != good.KeyString() {
		t.Fatalf("expected only the good CID to succeed, got %v", fp.provided)
	}
}

func TestReadvertiseLoopQueuesListedCIDs(t *testing.T) {
	fp := &fakeProvider{}
	held := []cid.CID{testCID(t, "one"), testCID(t, "two")}
	lister := &fakeLister{cids: held}

	a := New(fp, 4, nil, WithLister(lister), WithReadvertiseInterval(10*time.Millisecond))
	a.Start()
	defer a.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fp.mu.Lock()
		n := len(fp.provided)
		fp.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected re-advertisement sweep to queue held CIDs")
}

type fakeLister struct {
	cids []cid.CID
}

func (f *fakeLister) ListCIDs(ctx context.Context) ([]cid.CID, error) {
	return f.cids, nil
}

func TestStopIsIdempotentAndGraceful(t *testing.T) {
	fp := &fakeProvider{}
	a := New(fp, 2, nil, WithStopGrace(100*time.Millisecond))
	a.Start()

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestStopTimesOutOnSlowAnnouncement(t *testing.T) {
	fp := &fakeProvider{delay: time.Second, ignoreCtx: true}
	a := New(fp, 1, nil, WithStopGrace(20*time.Millisecond))
	a.Start()

	a.Enqueue(testCID(t, "slow"))
	time.Sleep(5 * time.Millisecond)

	err := a.Stop()
	if err == nil {
		t.Fatal("expected Stop to report it exceeded its grace period")
	}
}

func TestInFlightCountTracksActiveAnnouncements(t *testing.T) {
	fp := &fakeProvider{delay: 50 * time.Millisecond}
	a := New(fp, 4, nil)
	a.Start()
	defer a.Stop()

	a.Enqueue(testCID(t, "x"))
	time.Sleep(10 * time.Millisecond)

	if a.InFlightCount() != 1 {
		t.Fatalf("expected 1 inflight, got %d", a.InFlightCount())
	}

	var done atomic.Bool
	go func() {
		time.Sleep(100 * time.Millisecond)
		done.Store(true)
	}()
	for !done.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	if a.InFlightCount() != 0 {
		t.Fatalf("expected 0 inflight after completion, got %d", a.InFlightCount())
	}
}
