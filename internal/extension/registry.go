package extension

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/process"
	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/snapshot"
)

// failure records when and why an extension reached the error state.
type failure struct {
	at  time.Time
	err error
}

// Registry owns the definitions and their instances.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	order     []string
	instances map[string]*Instance
	failed    map[string]failure
	restarts  map[string]bool

	errorHandlers []func(ErrorEvent)
	stateHandlers []func(StateChange)

	settings Settings
	spawner  process.Spawner
	ledger   Ledger
	cleanup  *process.Registry
	zombie   *process.ZombieConfig
	resolver Resolver
	logger   zerolog.Logger
	instOpts []InstanceOption

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
	closed atomic.Bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLedger sets the ledger instances record snapshots in.
func WithLedger(l Ledger) RegistryOption {
	return func(r *Registry) {
		r.ledger = l
	}
}

// WithCleanupRegistry sets the process registry killed on Close.
func WithCleanupRegistry(p *process.Registry) RegistryOption {
	return func(r *Registry) {
		r.cleanup = p
	}
}

// WithZombieCheck makes health rounds look for extension processes that
// are dead without having exited.
func WithZombieCheck(cfg process.ZombieConfig) RegistryOption {
	return func(r *Registry) {
		r.zombie = &cfg
	}
}

// WithResolver sets how definitions added later are validated.
func WithResolver(res Resolver) RegistryOption {
	return func(r *Registry) {
		r.resolver = res
	}
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithInstanceOptions applies opts to every instance the registry creates.
func WithInstanceOptions(opts ...InstanceOption) RegistryOption {
	return func(r *Registry) {
		r.instOpts = append(r.instOpts, opts...)
	}
}

// NewRegistry creates a registry over defs. Definitions must already be
// resolved; LoadDefinitions does that.
func NewRegistry(defs []*Definition, settings Settings, spawner process.Spawner, opts ...RegistryOption) *Registry {
	r := &Registry{
		defs:      make(map[string]*Definition),
		instances: make(map[string]*Instance),
		failed:    make(map[string]failure),
		restarts:  make(map[string]bool),
		settings:  settings.withDefaults(),
		spawner:   spawner,
		logger:    logging.Component("extensions"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ledger == nil {
		r.ledger = snapshot.NewLedger(0)
	}
	if r.resolver.DefaultMode == "" {
		r.resolver = Resolver{
			Limits:      config.Defaults().Limits,
			DefaultMode: protocol.ModeStdin,
			Logger:      r.logger,
		}
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for _, d := range defs {
		if _, dup := r.defs[d.ID]; dup {
			r.logger.Warn().Str("extension", d.ID).Msg("ignoring duplicate definition")
			continue
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r
}

// OnExtensionError registers fn for extensions reaching the error state.
func (r *Registry) OnExtensionError(fn func(ErrorEvent)) {
	r.mu.Lock()
	r.errorHandlers = append(r.errorHandlers, fn)
	r.mu.Unlock()
}

// OnStateChange registers fn for state changes of every instance.
func (r *Registry) OnStateChange(fn func(StateChange)) {
	r.mu.Lock()
	r.stateHandlers = append(r.stateHandlers, fn)
	r.mu.Unlock()
}

// Definition returns the definition for id.
func (r *Registry) Definition(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// Definitions returns every definition in registration order.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// AddDefinition validates and registers def. An id already registered is
// replaced only while its extension is not running. It reports whether def
// was registered.
func (r *Registry) AddDefinition(def *Definition) bool {
	if r.closed.Load() {
		return false
	}
	r.resolver.Prepare(def, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		if inst := r.instances[def.ID]; inst != nil && inst.State() != StateUnloaded {
			r.logger.Info().Str("extension", def.ID).Msg("definition changed while running, keeping current")
			return false
		}
		delete(r.instances, def.ID)
	} else {
		r.order = append(r.order, def.ID)
	}
	r.defs[def.ID] = def
	r.logger.Info().Str("extension", def.ID).Str("source", def.Source).Msg("extension definition registered")
	return true
}

// Get returns the running instance for id, creating and starting it when
// needed.
func (r *Registry) Get(ctx context.Context, id string) (*Instance, error) {
	inst, err := r.instance(id)
	if err != nil {
		return nil, err
	}
	if !inst.EnsureStarted(ctx) {
		if lerr := inst.LastError(); lerr != nil {
			return nil, wrap(id, "start", lerr)
		}
		return nil, &Error{ExtensionID: id, Op: "start", Err: fmt.Errorf("%w: %s", ErrNotRunning, inst.State())}
	}
	return inst, nil
}

// GetIfRunning returns the instance for id if it is idle or busy.
func (r *Registry) GetIfRunning(id string) *Instance {
	r.mu.RLock()
	inst := r.instances[id]
	r.mu.RUnlock()
	if inst == nil || !inst.State().Usable() {
		return nil
	}
	return inst
}

func (r *Registry) instance(id string) (*Instance, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, &Error{ExtensionID: id, Op: "get", Err: ErrUnknownExtension}
	}
	if ok, reason := def.Available(); !ok {
		return nil, &Error{ExtensionID: id, Op: "get", Err: fmt.Errorf("%w: %s", ErrUnavailable, reason)}
	}
	if f, failed := r.failed[id]; failed {
		return nil, &Error{ExtensionID: id, Op: "get", Err: fmt.Errorf("%w: %v", ErrExtensionFailed, f.err)}
	}
	if inst := r.instances[id]; inst != nil && !inst.Closed() {
		return inst, nil
	}
	inst, err := r.newInstanceLocked(def)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *Registry) newInstanceLocked(def *Definition) (*Instance, error) {
	inst, err := NewInstance(def, r.settings, r.spawner, r.ledger, r.instOpts...)
	if err != nil {
		return nil, err
	}
	inst.OnStateChange(func(ch StateChange) { r.onStateChange(inst, ch) })
	r.instances[def.ID] = inst
	return inst, nil
}

// FindFor returns the available definitions supporting documentType and
// format, in registration order.
func (r *Registry) FindFor(documentType, format string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, id := range r.order {
		d := r.defs[id]
		if ok, _ := d.Available(); !ok {
			continue
		}
		if _, failed := r.failed[id]; failed {
			continue
		}
		if d.Supports(documentType, format) {
			out = append(out, d)
		}
	}
	return out
}

// Statuses reports every definition and its instance.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	type pair struct {
		def  *Definition
		inst *Instance
		fail failure
	}
	pairs := make([]pair, 0, len(r.order))
	for _, id := range r.order {
		pairs = append(pairs, pair{r.defs[id], r.instances[id], r.failed[id]})
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(pairs))
	for _, p := range pairs {
		ok, reason := p.def.Available()
		rt := p.def.Runtime()
		s := Status{
			ID:            p.def.ID,
			Name:          rt.Name,
			Version:       rt.Version,
			Available:     ok,
			Reason:        reason,
			State:         StateUnloaded,
			TransportMode: p.def.Effective().TransportMode,
			FailedAt:      p.fail.at,
		}
		if p.fail.err != nil {
			s.State = StateError
			s.LastError = p.fail.err.Error()
		}
		if p.inst != nil && !p.inst.Closed() {
			s.State = p.inst.State()
			s.PID = p.inst.PID()
			s.Generation = p.inst.Generation()
			s.RestartAttempts = p.inst.RestartAttempts()
			s.MissedHeartbeats = p.inst.MissedHeartbeats()
			s.LastActivity = p.inst.LastActivity()
			if err := p.inst.LastError(); err != nil {
				s.LastError = err.Error()
			}
		}
		out = append(out, s)
	}
	return out
}

// active returns the live instances.
func (r *Registry) active() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, id := range r.order {
		if inst := r.instances[id]; inst != nil && !inst.Closed() {
			out = append(out, inst)
		}
	}
	return out
}

// goTask runs fn as a tracked task with panic recovery.
func (r *Registry) goTask(name, id string, fn func()) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Str("task", name).Str("extension", id).Msg("extension task panicked")
			}
		}()
		fn()
	}()
}

func (r *Registry) onStateChange(inst *Instance, ch StateChange) {
	r.emitState(ch)
	if r.closed.Load() {
		return
	}
	switch ch.To {
	case StateCrashed:
		r.scheduleRestart(inst)
	case StateError:
		r.handleError(inst, ch)
	}
}

// scheduleRestart starts the single restart task for inst. The task keeps
// trying while the instance remains crashed.
func (r *Registry) scheduleRestart(inst *Instance) {
	id := inst.ID()
	r.mu.Lock()
	if r.restarts[id] {
		r.mu.Unlock()
		return
	}
	r.restarts[id] = true
	r.mu.Unlock()

	r.goTask("restart", id, func() {
		for r.ctx.Err() == nil && !inst.Closed() && inst.State() == StateCrashed {
			if inst.TryRestart(r.ctx) {
				continue
			}
			select {
			case <-r.ctx.Done():
			case <-time.After(startPollInterval):
			}
		}

		r.mu.Lock()
		delete(r.restarts, id)
		r.mu.Unlock()
		// A crash between the last check and the delete found the task
		// still registered.
		if r.ctx.Err() == nil && !inst.Closed() && inst.State() == StateCrashed {
			r.scheduleRestart(inst)
		}
	})
}

// handleError records the failure, notifies listeners and disposes inst.
func (r *Registry) handleError(inst *Instance, ch StateChange) {
	id := inst.ID()
	err := inst.LastError()
	if err == nil {
		err = fmt.Errorf("%w: %s", ErrExtensionFailed, ch.Reason)
	}

	r.mu.Lock()
	r.failed[id] = failure{at: ch.At, err: err}
	if r.instances[id] == inst {
		delete(r.instances, id)
	}
	r.mu.Unlock()

	r.logger.Error().Err(err).Str("extension", id).Msg("extension entered error state")
	r.goTask("dispose", id, func() {
		r.emitError(ErrorEvent{ExtensionID: id, Err: err, At: ch.At})
		ctx, cancel := context.WithTimeout(context.Background(), r.settings.CloseTimeout)
		defer cancel()
		if cerr := inst.Close(ctx); cerr != nil {
			r.logger.Warn().Err(cerr).Str("extension", id).Msg("failed to dispose extension")
		}
	})
}

// TryRecoverExtension starts a fresh instance for an extension in the error
// state once ErrorRecoveryCooldown has elapsed.
func (r *Registry) TryRecoverExtension(ctx context.Context, id string) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	def, ok := r.defs[id]
	if !ok {
		r.mu.Unlock()
		return &Error{ExtensionID: id, Op: "recover", Err: ErrUnknownExtension}
	}
	if r.restarts[id] {
		r.mu.Unlock()
		return &Error{ExtensionID: id, Op: "recover", Err: ErrRestartInFlight}
	}
	f, failed := r.failed[id]
	if !failed {
		r.mu.Unlock()
		return &Error{ExtensionID: id, Op: "recover", Err: ErrNotInError}
	}
	if wait := r.settings.ErrorRecoveryCooldown - time.Since(f.at); wait > 0 {
		r.mu.Unlock()
		return &Error{ExtensionID: id, Op: "recover", Err: fmt.Errorf("%w: %s remaining", ErrRecoveryCooldown, wait.Round(time.Millisecond))}
	}
	delete(r.failed, id)
	inst, err := r.newInstanceLocked(def)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Info().Str("extension", id).Msg("recovering extension")
	if !inst.EnsureStarted(ctx) {
		if lerr := inst.LastError(); lerr != nil {
			return wrap(id, "recover", lerr)
		}
		return &Error{ExtensionID: id, Op: "recover", Err: ErrNotRunning}
	}
	return nil
}

// InitializeAll starts and handshakes every available extension
// concurrently. Failures mark the definition unavailable and never abort
// the batch.
func (r *Registry) InitializeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, def := range r.Definitions() {
		if ok, _ := def.Available(); !ok {
			continue
		}
		wg.Add(1)
		go func(def *Definition) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Str("extension", def.ID).Msg("initialization panicked")
				}
			}()
			ictx, cancel := context.WithTimeout(ctx, r.settings.StartTimeout+r.settings.HandshakeTimeout)
			defer cancel()
			if _, err := r.Get(ictx, def.ID); err != nil {
				def.MarkUnavailable(fmt.Sprintf("initialization failed: %v", err))
				r.logger.Warn().Err(err).Str("extension", def.ID).Msg("extension initialization failed")
				r.dispose(def.ID)
				return
			}
			r.logger.Info().Str("extension", def.ID).Msg("extension ready")
		}(def)
	}
	wg.Wait()
}

// dispose closes and forgets the instance for id.
func (r *Registry) dispose(id string) {
	r.mu.Lock()
	inst := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if inst == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.settings.CloseTimeout)
	defer cancel()
	_ = inst.Close(ctx)
}

// Close stops every instance, waits for tracked tasks up to CloseTimeout
// and kills leftover processes.
func (r *Registry) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cancel()

	ctx, cancel := context.WithTimeout(ctx, r.settings.CloseTimeout)
	defer cancel()

	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.Close(ctx); err != nil {
				r.logger.Warn().Err(err).Str("extension", inst.ID()).Msg("failed to stop extension")
			}
		}(inst)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn().Msg("extension tasks still running at shutdown")
	}

	if r.cleanup != nil {
		r.cleanup.KillAll()
	}
	r.logger.Info().Int("stopped", len(instances)).Msg("extension registry closed")
	return nil
}
