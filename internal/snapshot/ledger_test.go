package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/transport"
)

type countingReleaser struct {
	mu       sync.Mutex
	released []transport.Receipt
	err      error
}

func (c *countingReleaser) Cleanup(r transport.Receipt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, r)
	return c.err
}

func (c *countingReleaser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.released)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(capacity int, clock *fakeClock) *Ledger {
	return NewLedger(capacity, WithClock(clock.Now), WithLogger(zerolog.Nop()))
}

func fileMeta(seq int64) Metadata {
	return Metadata{
		Sequence:  seq,
		SessionID: "s1",
		Receipt:   transport.Receipt{Mode: protocol.ModeFile, Path: "/tmp/docbridge/x"},
	}
}

func TestLedgerCapacityEviction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(100, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	for i := int64(1); i <= 110; i++ {
		l.Record("viewer", fileMeta(i), time.Minute)
		clock.Advance(time.Millisecond)
	}

	if got := rel.count(); got != 10 {
		t.Fatalf("released %d entries, want 10", got)
	}
	if l.Len() != 100 {
		t.Errorf("Len() = %d, want 100", l.Len())
	}
	// The oldest entries went first.
	for i := int64(1); i <= 10; i++ {
		if _, ok := l.Get("viewer", i); ok {
			t.Errorf("entry %d survived eviction", i)
		}
	}
	if _, ok := l.Get("viewer", 110); !ok {
		t.Error("newest entry missing")
	}
}

func TestLedgerSmallCapacityEvictsOne(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(5, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	for i := int64(1); i <= 6; i++ {
		l.Record("viewer", fileMeta(i), time.Minute)
		clock.Advance(time.Millisecond)
	}
	if got := rel.count(); got != 1 {
		t.Errorf("released %d entries, want 1", got)
	}
	if _, ok := l.Get("viewer", 1); ok {
		t.Error("oldest entry survived")
	}
}

func TestLedgerAck(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	l.Record("viewer", fileMeta(7), time.Minute)
	if !l.Ack("viewer", 7) {
		t.Fatal("Ack() = false for recorded entry")
	}
	if rel.count() != 1 {
		t.Errorf("released %d, want 1", rel.count())
	}
	if l.Pending("viewer") != 0 {
		t.Errorf("Pending() = %d after ack", l.Pending("viewer"))
	}
}

func TestLedgerUnknownAckIsNoop(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)
	l.Record("viewer", fileMeta(1), time.Minute)

	if l.Ack("viewer", 99) {
		t.Error("Ack() = true for unknown sequence")
	}
	if l.Ack("other", 1) {
		t.Error("Ack() = true for other extension")
	}
	if rel.count() != 0 {
		t.Errorf("unknown ack released %d resources", rel.count())
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestLedgerAttach(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	l.Record("viewer", Metadata{Sequence: 3, SessionID: "s1"}, time.Minute)
	receipt := fileMeta(3).Receipt
	if !l.Attach("viewer", 3, receipt) {
		t.Fatal("Attach() = false for recorded entry")
	}
	if e, _ := l.Get("viewer", 3); e.Receipt != receipt || e.SessionID != "s1" {
		t.Errorf("entry = %+v", e)
	}
	l.Ack("viewer", 3)
	if rel.count() != 1 || rel.released[0] != receipt {
		t.Errorf("released = %+v, want %+v", rel.released, receipt)
	}
}

func TestLedgerAttachAfterAckReleases(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	l.Record("viewer", Metadata{Sequence: 4}, time.Minute)
	if !l.Ack("viewer", 4) {
		t.Fatal("Ack() = false for entry recorded before the send finished")
	}
	receipt := fileMeta(4).Receipt
	if l.Attach("viewer", 4, receipt) {
		t.Error("Attach() = true after ack")
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()
	if n := len(rel.released); n == 0 || rel.released[n-1] != receipt {
		t.Errorf("late receipt not released: %+v", rel.released)
	}
}

func TestLedgerDiscard(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	l.Record("viewer", Metadata{Sequence: 5}, time.Minute)
	if !l.Discard("viewer", 5) {
		t.Error("Discard() = false for recorded entry")
	}
	if l.Discard("viewer", 5) {
		t.Error("second Discard() = true")
	}
	if l.Len() != 0 || rel.count() != 0 {
		t.Errorf("Len() = %d, released %d", l.Len(), rel.count())
	}
}

func TestLedgerSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	rel := &countingReleaser{}
	l.RegisterTransport("viewer", rel)

	l.Record("viewer", fileMeta(1), 5*time.Second)
	l.Record("viewer", fileMeta(2), time.Minute)

	if n := l.Sweep(clock.Now().Add(5 * time.Second)); n != 0 {
		t.Errorf("Sweep at exact expiry removed %d", n)
	}
	if n := l.Sweep(clock.Now().Add(6 * time.Second)); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := l.Get("viewer", 2); !ok {
		t.Error("unexpired entry swept")
	}
	if rel.count() != 1 {
		t.Errorf("released %d, want 1", rel.count())
	}
}

func TestLedgerUnregisterExtension(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	viewer := &countingReleaser{}
	other := &countingReleaser{}
	l.RegisterTransport("viewer", viewer)
	l.RegisterTransport("other", other)

	l.Record("viewer", fileMeta(1), time.Minute)
	l.Record("viewer", fileMeta(2), time.Minute)
	l.Record("other", fileMeta(1), time.Minute)

	if n := l.UnregisterExtension("viewer"); n != 2 {
		t.Errorf("UnregisterExtension() = %d, want 2", n)
	}
	if viewer.count() != 2 || other.count() != 0 {
		t.Errorf("released viewer=%d other=%d", viewer.count(), other.count())
	}
	if l.Pending("other") != 1 {
		t.Errorf("other Pending() = %d, want 1", l.Pending("other"))
	}
}

func TestLedgerOrphanCleanup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var orphaned []transport.Receipt
	l := NewLedger(10,
		WithClock(clock.Now),
		WithLogger(zerolog.Nop()),
		WithOrphanCleanup(func(r transport.Receipt) error {
			orphaned = append(orphaned, r)
			return nil
		}),
	)

	l.Record("viewer", fileMeta(1), time.Minute)
	l.Record("viewer", Metadata{Sequence: 2}, time.Minute)
	l.Ack("viewer", 1)
	l.Ack("viewer", 2)

	if len(orphaned) != 1 {
		t.Fatalf("orphan cleanup ran %d times, want 1", len(orphaned))
	}
	if orphaned[0].Path != "/tmp/docbridge/x" {
		t.Errorf("orphan receipt = %+v", orphaned[0])
	}
}

func TestLedgerReleaseErrorKeepsEntryRemoved(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	l.RegisterTransport("viewer", &countingReleaser{err: errors.New("busy")})

	l.Record("viewer", fileMeta(1), time.Minute)
	if !l.Ack("viewer", 1) {
		t.Fatal("Ack() = false")
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d after failed release", l.Len())
	}
}

func TestSweepServiceStops(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLedger(10, clock)
	svc := NewSweepService(l, 5*time.Millisecond)

	l.Record("viewer", Metadata{Sequence: 1}, time.Nanosecond)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Len() != 0 {
		t.Error("sweep service did not expire entry")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if svc.String() == "" {
		t.Error("String() empty")
	}
}
