// Package snapshot tracks snapshots sent to extensions until they are
// acknowledged, and releases the transport resource behind each one.
//
// An entry is recorded before its frame is written, so an ack that races
// the end of the send still finds it. The transport receipt is attached
// once the send returns. An entry lives until its ack, its TTL expiry, a
// capacity eviction, or the unregistration of its extension. Every exit
// path releases the entry's resource through the extension's registered
// transport, or through best-effort orphan cleanup when that transport is
// already gone.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/metrics"
	"github.com/dshills/docbridge/internal/transport"
)

// Metadata describes one sent snapshot.
type Metadata struct {
	Sequence     int64
	SessionID    string
	OutputFormat string
	DataSize     int
	Receipt      transport.Receipt
}

// Entry is a snapshot awaiting acknowledgment.
type Entry struct {
	ExtensionID string
	Metadata
	SentAt time.Time
	TTL    time.Duration
}

// ExpiresAt returns the time the entry expires.
func (e Entry) ExpiresAt() time.Time {
	return e.SentAt.Add(e.TTL)
}

type key struct {
	extID string
	seq   int64
}

// Releaser releases a transport resource.
type Releaser interface {
	Cleanup(r transport.Receipt) error
}

// Ledger records pending snapshots. It is safe for concurrent use.
type Ledger struct {
	mu         sync.Mutex
	entries    map[key]*Entry
	transports map[string]Releaser

	capacity int
	now      func() time.Time
	orphan   func(transport.Receipt) error
	logger   zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithOrphanCleanup overrides the fallback used when no transport is
// registered for an entry's extension.
func WithOrphanCleanup(fn func(transport.Receipt) error) Option {
	return func(l *Ledger) {
		l.orphan = fn
	}
}

// NewLedger creates a ledger holding at most capacity entries.
func NewLedger(capacity int, opts ...Option) *Ledger {
	if capacity <= 0 {
		capacity = 1000
	}
	l := &Ledger{
		entries:    make(map[key]*Entry),
		transports: make(map[string]Releaser),
		capacity:   capacity,
		now:        time.Now,
		orphan:     transport.CleanupOrphan,
		logger:     logging.Component("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterTransport sets the releaser for an extension's entries.
func (l *Ledger) RegisterTransport(extID string, r Releaser) {
	l.mu.Lock()
	l.transports[extID] = r
	l.mu.Unlock()
}

// Record adds an entry. When the ledger is full the oldest tenth (at least
// one) of all entries is evicted first.
func (l *Ledger) Record(extID string, meta Metadata, ttl time.Duration) {
	l.mu.Lock()
	var evicted []*Entry
	if len(l.entries) >= l.capacity {
		evicted = l.oldestLocked(max(1, l.capacity/10))
		for _, e := range evicted {
			delete(l.entries, key{e.ExtensionID, e.Sequence})
		}
	}
	l.entries[key{extID, meta.Sequence}] = &Entry{
		ExtensionID: extID,
		Metadata:    meta,
		SentAt:      l.now(),
		TTL:         ttl,
	}
	jobs := l.releaseJobsLocked(evicted)
	metrics.LedgerPending.Set(float64(len(l.entries)))
	l.mu.Unlock()

	for _, e := range evicted {
		l.logger.Warn().
			Str("extension", e.ExtensionID).
			Int64("sequence", e.Sequence).
			Dur("age", l.now().Sub(e.SentAt)).
			Msg("evicting unacknowledged snapshot, extension may be unresponsive")
	}
	l.run(jobs)
	metrics.RecordLedgerRelease("evicted", len(evicted))
}

// Ack removes and releases the entry for (extID, seq). It reports whether
// an entry was found. Unknown acks are logged and otherwise ignored.
func (l *Ledger) Ack(extID string, seq int64) bool {
	l.mu.Lock()
	k := key{extID, seq}
	e, ok := l.entries[k]
	if ok {
		delete(l.entries, k)
	}
	jobs := l.releaseJobsLocked(entriesOf(e))
	metrics.LedgerPending.Set(float64(len(l.entries)))
	l.mu.Unlock()

	if !ok {
		metrics.LedgerUnknownAcks.Inc()
		l.logger.Warn().Str("extension", extID).Int64("sequence", seq).Msg("ack for unknown snapshot")
		return false
	}
	l.run(jobs)
	metrics.RecordLedgerRelease("ack", 1)
	return true
}

// Attach sets the receipt of a recorded entry. When the entry is already
// gone (acked, evicted or expired while the frame was being written) the
// receipt is released at once and Attach returns false.
func (l *Ledger) Attach(extID string, seq int64, receipt transport.Receipt) bool {
	l.mu.Lock()
	e, ok := l.entries[key{extID, seq}]
	if ok {
		e.Receipt = receipt
		l.mu.Unlock()
		return true
	}
	jobs := l.releaseJobsLocked([]*Entry{{ExtensionID: extID, Metadata: Metadata{Sequence: seq, Receipt: receipt}}})
	l.mu.Unlock()

	l.run(jobs)
	metrics.RecordLedgerRelease("late", 1)
	return false
}

// Discard removes the entry for (extID, seq) without releasing anything.
// It is used when the frame never reached the extension and the transport
// has already reclaimed its resource.
func (l *Ledger) Discard(extID string, seq int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{extID, seq}
	_, ok := l.entries[k]
	delete(l.entries, k)
	metrics.LedgerPending.Set(float64(len(l.entries)))
	return ok
}

// Sweep releases entries whose TTL elapsed before now and returns how many
// were removed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	var expired []*Entry
	for k, e := range l.entries {
		if now.After(e.ExpiresAt()) {
			expired = append(expired, e)
			delete(l.entries, k)
		}
	}
	jobs := l.releaseJobsLocked(expired)
	metrics.LedgerPending.Set(float64(len(l.entries)))
	l.mu.Unlock()

	for _, e := range expired {
		l.logger.Debug().
			Str("extension", e.ExtensionID).
			Int64("sequence", e.Sequence).
			Msg("snapshot expired without ack")
	}
	l.run(jobs)
	metrics.RecordLedgerRelease("expired", len(expired))
	return len(expired)
}

// UnregisterExtension releases every entry of extID and forgets its
// transport. It returns the number of entries released.
func (l *Ledger) UnregisterExtension(extID string) int {
	l.mu.Lock()
	var owned []*Entry
	for k, e := range l.entries {
		if k.extID == extID {
			owned = append(owned, e)
			delete(l.entries, k)
		}
	}
	jobs := l.releaseJobsLocked(owned)
	delete(l.transports, extID)
	metrics.LedgerPending.Set(float64(len(l.entries)))
	l.mu.Unlock()

	l.run(jobs)
	metrics.RecordLedgerRelease("unregistered", len(owned))
	return len(owned)
}

// Pending returns the number of entries held for extID.
func (l *Ledger) Pending(extID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.entries {
		if k.extID == extID {
			n++
		}
	}
	return n
}

// Len returns the total number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Get returns a copy of the entry for (extID, seq).
func (l *Ledger) Get(extID string, seq int64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key{extID, seq}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (l *Ledger) oldestLocked(n int) []*Entry {
	all := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].Sequence < all[j].Sequence
		}
		return all[i].SentAt.Before(all[j].SentAt)
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

type releaseJob struct {
	entry    *Entry
	releaser Releaser
}

// releaseJobsLocked pairs entries with their releaser so the release
// itself can run outside the lock.
func (l *Ledger) releaseJobsLocked(entries []*Entry) []releaseJob {
	jobs := make([]releaseJob, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, releaseJob{entry: e, releaser: l.transports[e.ExtensionID]})
	}
	return jobs
}

func (l *Ledger) run(jobs []releaseJob) {
	for _, j := range jobs {
		if !j.entry.Receipt.HasResource() && j.releaser == nil {
			continue
		}
		var err error
		if j.releaser != nil {
			err = j.releaser.Cleanup(j.entry.Receipt)
		} else {
			err = l.orphan(j.entry.Receipt)
		}
		if err != nil {
			l.logger.Warn().
				Err(err).
				Str("extension", j.entry.ExtensionID).
				Int64("sequence", j.entry.Sequence).
				Msg("failed to release snapshot resource")
		}
	}
}

func entriesOf(e *Entry) []*Entry {
	if e == nil {
		return nil
	}
	return []*Entry{e}
}
