// Package extension supervises external helper processes that speak the
// docbridge line protocol.
//
// An Instance owns at most one live process for one Definition. It starts
// the process lazily, performs the initialize handshake, delivers snapshots
// through a transport, answers heartbeats and commands, and restarts after
// crashes within a budget. A generation counter increments on every start
// so work bound to a replaced process can detect it.
//
// Lock order: the lifecycle lock may take the write lock (to send shutdown)
// and the state lock. The write lock never takes the lifecycle lock. State
// observers run after the state lock is released and must not block.
//
// A Registry holds one Instance per definition, reacts to crashes with a
// single tracked restart task, disposes instances that reach the error
// state, and runs the health loop.
package extension

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/metrics"
	"github.com/dshills/docbridge/internal/process"
	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/snapshot"
	"github.com/dshills/docbridge/internal/transport"
)

// Ledger receives sent snapshots and their acknowledgments.
type Ledger interface {
	Record(extID string, meta snapshot.Metadata, ttl time.Duration)
	Attach(extID string, seq int64, receipt transport.Receipt) bool
	Discard(extID string, seq int64) bool
	Ack(extID string, seq int64) bool
	RegisterTransport(extID string, r snapshot.Releaser)
	UnregisterExtension(extID string) int
}

// run is everything bound to one process generation.
type run struct {
	gen     uint64
	handle  process.Handle
	writer  *frameWriter
	started time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	readers sync.WaitGroup

	// closed is closed when the stdout reader stops.
	closed    chan struct{}
	handshake chan protocol.InitializeResponse
}

// Instance supervises the process of one extension.
type Instance struct {
	def       *Definition
	settings  Settings
	spawner   process.Spawner
	ledger    Ledger
	transport transport.Transport
	logger    zerolog.Logger

	lifeMu sync.Mutex

	stateMu    sync.Mutex
	state      State
	generation uint64
	current    *run
	crashedAt  time.Time
	lastErr    error

	rootCtx    context.Context
	rootCancel context.CancelFunc
	closed     atomic.Bool

	sequence     atomic.Int64
	inFlight     atomic.Int32
	sendFailures atomic.Int32
	lastActivity atomic.Int64

	hbSent     atomic.Int64
	hbResponse atomic.Int64
	missed     atomic.Int32

	// restartAttempts is written under lifeMu; rapidCrashes is guarded
	// by it.
	restartAttempts atomic.Int32
	rapidCrashes    int
	restarting      atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan protocol.CommandResult

	obsMu          sync.RWMutex
	stateObservers []func(StateChange)
	msgObservers   []func(Message)
}

// InstanceOption configures an Instance.
type InstanceOption func(*Instance)

// WithInstanceLogger sets the instance logger.
func WithInstanceLogger(l zerolog.Logger) InstanceOption {
	return func(i *Instance) {
		i.logger = l
	}
}

// WithTransport overrides the transport chosen from the definition.
func WithTransport(t transport.Transport) InstanceOption {
	return func(i *Instance) {
		i.transport = t
	}
}

// NewInstance creates an unloaded instance. The definition must have been
// resolved. It fails only when the definition's transport cannot be built.
func NewInstance(def *Definition, settings Settings, spawner process.Spawner, ledger Ledger, opts ...InstanceOption) (*Instance, error) {
	i := &Instance{
		def:      def,
		settings: settings.withDefaults(),
		spawner:  spawner,
		ledger:   ledger,
		pending:  make(map[string]chan protocol.CommandResult),
	}
	i.logger = logging.Component("extension").With().Str("extension", def.ID).Logger()
	for _, opt := range opts {
		opt(i)
	}

	if i.transport == nil {
		mode := def.Effective().TransportMode
		if mode == "" {
			mode = protocol.ModeStdin
		}
		topts := i.settings.Transport
		if topts.Logger == nil {
			l := i.logger
			topts.Logger = &l
		}
		tr, err := transport.New(mode, topts)
		if err != nil {
			return nil, wrap(def.ID, "transport", err)
		}
		i.transport = tr
	}

	i.rootCtx, i.rootCancel = context.WithCancel(context.Background())
	i.touch()
	return i, nil
}

// ID returns the extension id.
func (i *Instance) ID() string { return i.def.ID }

// Definition returns the instance's definition.
func (i *Instance) Definition() *Definition { return i.def }

// Transport returns the instance's transport.
func (i *Instance) Transport() transport.Transport { return i.transport }

// State returns the current state.
func (i *Instance) State() State {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.state
}

// Generation returns the current process generation. It increments on
// every start.
func (i *Instance) Generation() uint64 {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.generation
}

// PID returns the live process id, or 0.
func (i *Instance) PID() int {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	if i.current == nil {
		return 0
	}
	return i.current.handle.PID()
}

// LastError returns the most recent start or handshake error.
func (i *Instance) LastError() error {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.lastErr
}

// LastActivity returns when the extension last sent or received something.
func (i *Instance) LastActivity() time.Time {
	return time.Unix(0, i.lastActivity.Load())
}

// RestartAttempts returns the restart attempts since the budget last reset.
func (i *Instance) RestartAttempts() int {
	return int(i.restartAttempts.Load())
}

// MissedHeartbeats returns the current run of unanswered heartbeats.
func (i *Instance) MissedHeartbeats() int {
	return int(i.missed.Load())
}

// OnStateChange registers fn for every state transition.
func (i *Instance) OnStateChange(fn func(StateChange)) {
	i.obsMu.Lock()
	i.stateObservers = append(i.stateObservers, fn)
	i.obsMu.Unlock()
}

// OnMessage registers fn for messages without a built-in handler.
func (i *Instance) OnMessage(fn func(Message)) {
	i.obsMu.Lock()
	i.msgObservers = append(i.msgObservers, fn)
	i.obsMu.Unlock()
}

func (i *Instance) touch() {
	i.lastActivity.Store(time.Now().UnixNano())
}

func (i *Instance) currentRun() *run {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.current
}

// transition moves to state to when legal. A non-zero gen restricts the
// change to that process generation. It reports whether the state changed.
func (i *Instance) transition(gen uint64, to State, reason string, from ...State) bool {
	i.stateMu.Lock()
	if gen != 0 && gen != i.generation {
		i.stateMu.Unlock()
		return false
	}
	cur := i.state
	if len(from) > 0 && !containsState(from, cur) {
		i.stateMu.Unlock()
		return false
	}
	if cur == to || !canTransition(cur, to) {
		i.stateMu.Unlock()
		if cur != to {
			i.logger.Debug().Str("from", cur.String()).Str("to", to.String()).Msg("ignoring illegal state transition")
		}
		return false
	}
	i.state = to
	if to == StateCrashed {
		i.crashedAt = time.Now()
	}
	change := StateChange{
		ExtensionID: i.def.ID,
		From:        cur,
		To:          to,
		Generation:  i.generation,
		Reason:      reason,
		At:          time.Now(),
	}
	i.stateMu.Unlock()

	i.logger.Debug().Str("from", cur.String()).Str("to", to.String()).Str("reason", reason).Msg("state change")
	metrics.RecordStateTransition(i.def.ID, to.String())
	i.notifyState(change)
	return true
}

func (i *Instance) notifyState(change StateChange) {
	i.obsMu.RLock()
	observers := slices.Clone(i.stateObservers)
	i.obsMu.RUnlock()
	for _, fn := range observers {
		i.safeCall(func() { fn(change) })
	}
}

func (i *Instance) notifyMessage(msg Message) {
	i.obsMu.RLock()
	observers := slices.Clone(i.msgObservers)
	i.obsMu.RUnlock()
	for _, fn := range observers {
		i.safeCall(func() { fn(msg) })
	}
}

func (i *Instance) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error().Interface("panic", r).Msg("extension observer panicked")
		}
	}()
	fn()
}

// markCrashed moves a live generation to Crashed.
func (i *Instance) markCrashed(gen uint64, reason string) bool {
	return i.transition(gen, StateCrashed, reason, StateStarting, StateInitializing, StateIdle, StateBusy)
}

// fail records err and moves to Error.
func (i *Instance) fail(gen uint64, err error) {
	i.stateMu.Lock()
	i.lastErr = err
	i.stateMu.Unlock()
	i.transition(gen, StateError, err.Error())
}

func containsState(list []State, s State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
