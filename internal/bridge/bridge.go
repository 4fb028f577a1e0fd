// Package bridge binds document sessions to extensions and pushes
// converted snapshots to them.
//
// A binding pairs one session with one extension and an output format.
// Modifications are debounced per session, conversions are cached and
// guarded by a per-binding circuit breaker, and sends respect each
// extension's effective frame interval. Sends that could not happen are
// flagged and retried by RetryService.
package bridge

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/extension"
	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/metrics"
	"github.com/dshills/docbridge/internal/protocol"
)

// Key identifies a binding.
type Key struct {
	SessionID   string
	ExtensionID string
}

// String returns "session/extension".
func (k Key) String() string { return k.SessionID + "/" + k.ExtensionID }

// Settings tune the bridge.
type Settings struct {
	MaxBindings                int
	DebounceDelay              time.Duration
	RetryInterval              time.Duration
	RetrySweepTimeout          time.Duration
	NotifyTimeout              time.Duration
	CacheTTL                   time.Duration
	CacheCapacity              int
	ClosedSessionTTL           time.Duration
	ConversionFailureThreshold int
	ConversionBackoff          time.Duration
	MaxRetiredLocks            int
	Isolation                  protocol.IsolationMode
}

// SettingsFromConfig extracts bridge settings from cfg.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	mode, err := protocol.ParseIsolationMode(cfg.Transport.IsolationMode)
	if err != nil {
		return Settings{}, err
	}
	b := cfg.Bridge
	return Settings{
		MaxBindings:                b.MaxBindings,
		DebounceDelay:              b.DebounceDelay,
		RetryInterval:              b.RetryInterval,
		RetrySweepTimeout:          b.RetrySweepTimeout,
		NotifyTimeout:              b.NotifyTimeout,
		CacheTTL:                   b.CacheTTL,
		CacheCapacity:              b.CacheCapacity,
		ClosedSessionTTL:           b.ClosedSessionTTL,
		ConversionFailureThreshold: b.ConversionFailureThreshold,
		ConversionBackoff:          b.ConversionBackoff,
		MaxRetiredLocks:            b.MaxRetiredLocks,
		Isolation:                  mode,
	}, nil
}

// DefaultSettings returns settings from the built-in configuration.
func DefaultSettings() Settings {
	s, _ := SettingsFromConfig(config.Defaults())
	return s
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxBindings <= 0 {
		s.MaxBindings = d.MaxBindings
	}
	if s.DebounceDelay <= 0 {
		s.DebounceDelay = d.DebounceDelay
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = d.RetryInterval
	}
	if s.RetrySweepTimeout <= 0 {
		s.RetrySweepTimeout = d.RetrySweepTimeout
	}
	if s.NotifyTimeout <= 0 {
		s.NotifyTimeout = d.NotifyTimeout
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = d.CacheTTL
	}
	if s.CacheCapacity <= 0 {
		s.CacheCapacity = d.CacheCapacity
	}
	if s.ClosedSessionTTL <= 0 {
		s.ClosedSessionTTL = d.ClosedSessionTTL
	}
	if s.ConversionFailureThreshold <= 0 {
		s.ConversionFailureThreshold = d.ConversionFailureThreshold
	}
	if s.ConversionBackoff <= 0 {
		s.ConversionBackoff = d.ConversionBackoff
	}
	if s.MaxRetiredLocks <= 0 {
		s.MaxRetiredLocks = d.MaxRetiredLocks
	}
	if s.Isolation == "" {
		s.Isolation = protocol.IsolationNone
	}
	return s
}

// binding is the mutable state of one session-extension pair. Fields are
// guarded by Bridge.mu.
type binding struct {
	key          Key
	rev          uint64
	format       string
	options      map[string]string
	optionsHash  string
	identity     protocol.Identity
	documentType string
	needsSend    bool
	lastSent     time.Time
	breaker      *gobreaker.CircuitBreaker[[]byte]
	gate         *frameGate
}

// BindingInfo is a read-only view of a binding.
type BindingInfo struct {
	Key
	Format       string
	Options      map[string]string
	DocumentType string
	NeedsSend    bool
	LastSent     time.Time
	Breaker      string
}

// Bridge owns the bindings.
type Bridge struct {
	sessions SessionProvider
	conv     ConversionService
	ext      Extensions
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	bindings map[Key]*binding
	rev      uint64

	locks    *lockTable
	cache    *conversionCache
	debounce *debouncer
	sweeping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	// taskMu orders tasks.Add against Close so Add never races Wait.
	taskMu sync.Mutex
	tasks  sync.WaitGroup
	closed atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// New creates a bridge and subscribes it to extension errors.
func New(sessions SessionProvider, conv ConversionService, ext Extensions, settings Settings, opts ...Option) *Bridge {
	settings = settings.withDefaults()
	b := &Bridge{
		sessions: sessions,
		conv:     conv,
		ext:      ext,
		settings: settings,
		logger:   logging.Component("bridge"),
		now:      time.Now,
		bindings: make(map[Key]*binding),
		locks:    newLockTable(settings.MaxRetiredLocks),
		cache:    newConversionCache(settings.CacheTTL, settings.CacheCapacity, settings.ClosedSessionTTL),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.debounce = newDebouncer(settings.DebounceDelay, b.fireModified)
	ext.OnExtensionError(b.onExtensionError)
	return b
}

// Bind binds a session to an extension and sends the first snapshot. The
// session must be visible to identity, and both the extension and the
// conversion service must support the session's document type and format.
func (b *Bridge) Bind(ctx context.Context, sessionID, extensionID, format string, options map[string]string, identity protocol.Identity) Result {
	if b.closed.Load() {
		return failed(CodeClosed, ErrClosed.Error())
	}
	key := Key{SessionID: sessionID, ExtensionID: extensionID}

	sess, res := b.validate(sessionID, extensionID, format, identity)
	if !res.OK() {
		return res
	}

	b.mu.Lock()
	if _, exists := b.bindings[key]; exists {
		b.mu.Unlock()
		return failed(CodeAlreadyBound, fmt.Sprintf("session %s is already bound to %s", sessionID, extensionID))
	}
	if len(b.bindings) >= b.settings.MaxBindings {
		b.mu.Unlock()
		return failed(CodeTooManyBindings, fmt.Sprintf("binding limit %d reached", b.settings.MaxBindings))
	}
	b.rev++
	b.bindings[key] = &binding{
		key:          key,
		rev:          b.rev,
		format:       format,
		options:      maps.Clone(options),
		optionsHash:  hashOptions(options),
		identity:     identity,
		documentType: sess.DocumentType(),
		needsSend:    true,
		breaker:      b.newBreaker(key),
		gate:         newFrameGate(),
	}
	n := len(b.bindings)
	b.mu.Unlock()
	metrics.Bindings.Set(float64(n))

	b.logger.Info().Str("session", sessionID).Str("extension", extensionID).Str("format", format).Msg("session bound")
	b.initialSend(ctx, key)
	return ok("bound")
}

// SetFormat changes a binding's output format and options and sends a
// snapshot in the new format.
func (b *Bridge) SetFormat(ctx context.Context, key Key, format string, options map[string]string) Result {
	if b.closed.Load() {
		return failed(CodeClosed, ErrClosed.Error())
	}
	b.mu.RLock()
	bd, exists := b.bindings[key]
	var identity protocol.Identity
	if exists {
		identity = bd.identity
	}
	b.mu.RUnlock()
	if !exists {
		return failed(CodeNotBound, fmt.Sprintf("%s is not bound", key))
	}

	sess, res := b.validate(key.SessionID, key.ExtensionID, format, identity)
	if !res.OK() {
		return res
	}

	b.mu.Lock()
	bd, exists = b.bindings[key]
	if !exists {
		b.mu.Unlock()
		return failed(CodeNotBound, fmt.Sprintf("%s is not bound", key))
	}
	b.rev++
	bd.rev = b.rev
	bd.format = format
	bd.options = maps.Clone(options)
	bd.optionsHash = hashOptions(options)
	bd.documentType = sess.DocumentType()
	bd.needsSend = true
	bd.lastSent = time.Time{}
	bd.breaker = b.newBreaker(key)
	bd.gate = newFrameGate()
	b.mu.Unlock()

	b.logger.Info().Str("binding", key.String()).Str("format", format).Msg("binding format changed")
	b.initialSend(ctx, key)
	return ok("format changed")
}

// Unbind removes a binding. With notify, a running extension is told the
// session was unbound.
func (b *Bridge) Unbind(ctx context.Context, key Key, notify bool) Result {
	bd, removed := b.remove(key)
	if !removed {
		return failed(CodeNotBound, fmt.Sprintf("%s is not bound", key))
	}
	if notify {
		b.notify(protocol.TypeSessionUnbound, key, bd.identity)
	}
	b.logger.Info().Str("binding", key.String()).Msg("session unbound")
	return ok("unbound")
}

// UnbindAll removes every binding of a session.
func (b *Bridge) UnbindAll(ctx context.Context, sessionID string, notify bool) Result {
	removed := b.removeWhere(func(k Key) bool { return k.SessionID == sessionID })
	if notify {
		for _, bd := range removed {
			b.notify(protocol.TypeSessionUnbound, bd.key, bd.identity)
		}
	}
	if len(removed) == 0 {
		return failed(CodeNotBound, fmt.Sprintf("session %s has no bindings", sessionID))
	}
	return ok(fmt.Sprintf("unbound %d", len(removed)))
}

// Bindings lists the bindings sorted by key.
func (b *Bridge) Bindings() []BindingInfo {
	b.mu.RLock()
	out := make([]BindingInfo, 0, len(b.bindings))
	for _, bd := range b.bindings {
		out = append(out, BindingInfo{
			Key:          bd.key,
			Format:       bd.format,
			Options:      maps.Clone(bd.options),
			DocumentType: bd.documentType,
			NeedsSend:    bd.needsSend,
			LastSent:     bd.lastSent,
			Breaker:      bd.breaker.State().String(),
		})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ExtensionID < out[j].ExtensionID
	})
	return out
}

// Close stops event handling, waits for background work within ctx and
// releases the binding locks.
func (b *Bridge) Close(ctx context.Context) error {
	b.taskMu.Lock()
	already := b.closed.Swap(true)
	b.taskMu.Unlock()
	if already {
		return nil
	}
	b.debounce.Stop()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn().Msg("bridge tasks still running at shutdown")
	}

	n := b.locks.drain()
	b.logger.Info().Int("locks", n).Msg("bridge closed")
	return nil
}

// validate checks the session, the extension and format support.
func (b *Bridge) validate(sessionID, extensionID, format string, identity protocol.Identity) (Session, Result) {
	sess, found := b.sessions.TryGetSession(sessionID, identity)
	if !found {
		return nil, failed(CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	def, found := b.ext.Definition(extensionID)
	if !found {
		return nil, failed(CodeExtensionNotFound, fmt.Sprintf("extension %s not found", extensionID))
	}
	if avail, reason := def.Available(); !avail {
		return nil, failed(CodeExtensionUnavailable, fmt.Sprintf("extension %s unavailable: %s", extensionID, reason))
	}
	docType := sess.DocumentType()
	if !def.Supports(docType, format) {
		return nil, failed(CodeFormatNotSupported, fmt.Sprintf("extension %s does not support %s to %s", extensionID, docType, format))
	}
	if !b.conv.IsFormatSupported(docType, format) {
		return nil, failed(CodeFormatNotSupported, fmt.Sprintf("cannot convert %s to %s", docType, format))
	}
	return sess, ok("")
}

func (b *Bridge) initialSend(ctx context.Context, key Key) {
	if _, err := b.SendSnapshotIfNeeded(ctx, key); err != nil {
		b.logger.Warn().Err(err).Str("binding", key.String()).Msg("initial snapshot not sent, will retry")
	}
}

func (b *Bridge) newBreaker(key Key) *gobreaker.CircuitBreaker[[]byte] {
	threshold := uint32(b.settings.ConversionFailureThreshold)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        key.String(),
		MaxRequests: 1,
		Timeout:     b.settings.ConversionBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info().Str("binding", name).Str("from", from.String()).Str("to", to.String()).Msg("conversion breaker state change")
		},
	})
}

func (b *Bridge) remove(key Key) (*binding, bool) {
	b.mu.Lock()
	bd, exists := b.bindings[key]
	if exists {
		delete(b.bindings, key)
		b.locks.retire(key)
	}
	n := len(b.bindings)
	b.mu.Unlock()
	if exists {
		metrics.Bindings.Set(float64(n))
	}
	return bd, exists
}

func (b *Bridge) removeWhere(match func(Key) bool) []*binding {
	b.mu.Lock()
	var removed []*binding
	for k, bd := range b.bindings {
		if match(k) {
			delete(b.bindings, k)
			b.locks.retire(k)
			removed = append(removed, bd)
		}
	}
	n := len(b.bindings)
	b.mu.Unlock()
	if len(removed) > 0 {
		metrics.Bindings.Set(float64(n))
	}
	return removed
}

// goTask runs fn as tracked background work with panic recovery. It
// reports false, without running fn, once the bridge is closed.
func (b *Bridge) goTask(name string, fn func(ctx context.Context)) bool {
	b.taskMu.Lock()
	if b.closed.Load() {
		b.taskMu.Unlock()
		return false
	}
	b.tasks.Add(1)
	b.taskMu.Unlock()

	go func() {
		defer b.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				b.logger.Error().Interface("panic", p).Str("task", name).Msg("bridge task panicked")
			}
		}()
		fn(b.ctx)
	}()
	return true
}

// notify tells a running extension about a detached session in the
// background. A stopped extension is not started for it.
func (b *Bridge) notify(noticeType string, key Key, identity protocol.Identity) {
	if b.closed.Load() {
		return
	}
	owner := b.settings.Isolation.Owner(identity)
	b.goTask("notify", func(ctx context.Context) {
		inst := b.ext.GetIfRunning(key.ExtensionID)
		if inst == nil {
			return
		}
		nctx, cancel := context.WithTimeout(ctx, b.settings.NotifyTimeout)
		defer cancel()
		if err := inst.SendSessionNotice(nctx, noticeType, key.SessionID, owner); err != nil {
			b.logger.Debug().Err(err).Str("binding", key.String()).Str("notice", noticeType).Msg("session notice not delivered")
		}
	})
}

func (b *Bridge) onExtensionError(ev extension.ErrorEvent) {
	removed := b.removeWhere(func(k Key) bool { return k.ExtensionID == ev.ExtensionID })
	if len(removed) > 0 {
		b.logger.Warn().Err(ev.Err).Str("extension", ev.ExtensionID).Int("bindings", len(removed)).Msg("removed bindings of failed extension")
	}
}
