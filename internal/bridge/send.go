package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/dshills/docbridge/internal/extension"
	"github.com/dshills/docbridge/internal/metrics"
	"github.com/dshills/docbridge/internal/protocol"
)

// view is a copy of the binding fields a send works from.
type view struct {
	rev          uint64
	format       string
	options      map[string]string
	optionsHash  string
	identity     protocol.Identity
	documentType string
	breaker      *gobreaker.CircuitBreaker[[]byte]
	gate         *frameGate
}

// SendSnapshotIfNeeded converts the session and sends it to the bound
// extension unless the extension's frame interval has not elapsed since the
// binding's last successful send. Skipped and failed sends leave the binding flagged
// for RetryService. It reports whether a snapshot was sent.
//
// Conversion runs without the per-binding lock. The lock is then taken and
// the binding, the extension, the interval and the format are checked
// again before the payload is handed over.
func (b *Bridge) SendSnapshotIfNeeded(ctx context.Context, key Key) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	v, found := b.view(key)
	if !found {
		metrics.RecordSnapshotSkip("unbound")
		return false, fmt.Errorf("%w: %s", ErrNotBound, key)
	}
	def, found := b.ext.Definition(key.ExtensionID)
	if !found {
		return false, fmt.Errorf("%w: %s", ErrUnknownExtension, key.ExtensionID)
	}
	interval := def.Effective().FrameInterval

	if !v.gate.open(b.now(), interval) {
		b.markNeedsSend(key)
		metrics.RecordSnapshotSkip("interval")
		return false, nil
	}

	inst, err := b.ext.Get(ctx, key.ExtensionID)
	if err != nil {
		b.markNeedsSend(key)
		metrics.RecordSnapshotSkip("unavailable")
		return false, err
	}
	if inst.State() == extension.StateBusy {
		b.markNeedsSend(key)
		metrics.RecordSnapshotSkip("busy")
		return false, nil
	}

	sess, found := b.sessions.TryGetSession(key.SessionID, v.identity)
	if !found {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, key.SessionID)
	}

	data, err := b.convert(ctx, key, v, sess)
	if err != nil {
		b.markNeedsSend(key)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordSnapshotSkip("backoff")
			return false, nil
		}
		return false, fmt.Errorf("convert %s: %w", key, err)
	}

	b.mu.RLock()
	_, stillBound := b.bindings[key]
	var lock *bindingLock
	if stillBound {
		lock = b.locks.get(key)
	}
	b.mu.RUnlock()
	if !stillBound {
		metrics.RecordSnapshotSkip("unbound")
		return false, nil
	}

	lock.Lock()
	defer lock.Unlock()

	if !b.locks.current(key, lock) {
		metrics.RecordSnapshotSkip("unbound")
		return false, nil
	}
	cur, found := b.view(key)
	if !found {
		metrics.RecordSnapshotSkip("unbound")
		return false, nil
	}
	if cur.rev != v.rev {
		metrics.RecordSnapshotSkip("format_changed")
		return false, nil
	}
	if running := b.ext.GetIfRunning(key.ExtensionID); running != inst {
		b.markNeedsSend(key)
		metrics.RecordSnapshotSkip("unavailable")
		return false, nil
	}
	giveBack, allowed := cur.gate.take(b.now(), interval)
	if !allowed {
		b.markNeedsSend(key)
		metrics.RecordSnapshotSkip("interval")
		return false, nil
	}

	err = inst.SendSnapshot(ctx, data, extension.SnapshotMeta{
		SessionID:    key.SessionID,
		DocumentType: sess.DocumentType(),
		OriginalPath: sess.OriginalPath(),
		OutputFormat: v.format,
		MimeType:     b.conv.MimeType(v.format),
		Owner:        b.settings.Isolation.Owner(v.identity),
		CustomData:   optionsData(v.options),
	})
	if err != nil {
		giveBack()
		b.markNeedsSend(key)
		return false, err
	}

	b.mu.Lock()
	if bd, exists := b.bindings[key]; exists && bd.rev == v.rev {
		bd.lastSent = b.now()
		bd.needsSend = false
	}
	b.mu.Unlock()
	return true, nil
}

// convert returns the cached payload or converts the session through the
// binding's breaker.
func (b *Bridge) convert(ctx context.Context, key Key, v view, sess Session) ([]byte, error) {
	ck := cacheKey{SessionID: key.SessionID, Format: v.format, OptionsHash: v.optionsHash}
	if data, hit := b.cache.Get(ck); hit {
		return data, nil
	}

	data, err := v.breaker.Execute(func() ([]byte, error) {
		var out []byte
		start := time.Now()
		err := sess.Execute(ctx, func(doc Document) error {
			var err error
			out, err = b.conv.ConvertToBytes(ctx, doc, sess.DocumentType(), v.format, v.options)
			return err
		})
		metrics.RecordConversion(v.format, time.Since(start), err)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if !b.cache.Put(ck, data) {
		b.logger.Debug().Str("session", key.SessionID).Msg("session closed during conversion, result not cached")
	}
	return data, nil
}

func (b *Bridge) view(key Key) (view, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, exists := b.bindings[key]
	if !exists {
		return view{}, false
	}
	return view{
		rev:          bd.rev,
		format:       bd.format,
		options:      maps.Clone(bd.options),
		optionsHash:  bd.optionsHash,
		identity:     bd.identity,
		documentType: bd.documentType,
		breaker:      bd.breaker,
		gate:         bd.gate,
	}, true
}

// frameGate spaces a binding's sends by the extension's frame interval.
// The interval is read on every send so a reloaded definition takes effect
// without rebinding. A zero interval never blocks.
type frameGate struct {
	lim *rate.Limiter
}

func newFrameGate() *frameGate {
	// The limit is replaced on first use.
	return &frameGate{lim: rate.NewLimiter(rate.Every(time.Second), 1)}
}

// open reports whether a send could start at now.
func (g *frameGate) open(now time.Time, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	g.lim.SetLimitAt(now, rate.Every(interval))
	return g.lim.TokensAt(now) >= 1
}

// take claims the send slot at now. giveBack returns the slot when the
// send fails so a retry is not held back by the interval.
func (g *frameGate) take(now time.Time, interval time.Duration) (giveBack func(), allowed bool) {
	if interval <= 0 {
		return func() {}, true
	}
	g.lim.SetLimitAt(now, rate.Every(interval))
	r := g.lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	return func() { r.CancelAt(now) }, true
}

func (b *Bridge) markNeedsSend(key Key) {
	b.mu.Lock()
	if bd, exists := b.bindings[key]; exists {
		bd.needsSend = true
	}
	b.mu.Unlock()
}

// optionsData carries conversion options to the extension as custom data.
func optionsData(opts map[string]string) json.RawMessage {
	if len(opts) == 0 {
		return nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil
	}
	return data
}
