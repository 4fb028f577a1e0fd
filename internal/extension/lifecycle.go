package extension

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dshills/docbridge/internal/process"
	"github.com/dshills/docbridge/internal/protocol"
)

// startPollInterval is how often EnsureStarted polls an instance another
// caller is initializing.
const startPollInterval = 20 * time.Millisecond

// EnsureStarted makes sure the extension is running and handshaken. It is
// idempotent, never panics and reports failure as false. Instances in
// Error, Crashed or Stopping are left alone.
func (i *Instance) EnsureStarted(ctx context.Context) bool {
	switch i.State() {
	case StateIdle, StateBusy:
		return true
	case StateInitializing:
		return i.awaitReady(ctx)
	case StateError, StateCrashed, StateStopping:
		return false
	}
	if i.closed.Load() {
		return false
	}

	i.lifeMu.Lock()
	switch i.State() {
	case StateIdle, StateBusy:
		i.lifeMu.Unlock()
		return true
	case StateInitializing:
		i.lifeMu.Unlock()
		return i.awaitReady(ctx)
	case StateError, StateCrashed, StateStopping:
		i.lifeMu.Unlock()
		return false
	}
	err := i.startAndHandshakeLocked(ctx)
	i.lifeMu.Unlock()
	if err != nil {
		i.logger.Warn().Err(err).Msg("extension failed to start")
		return false
	}
	return i.State().Usable()
}

// awaitReady polls until another caller finishes the handshake.
func (i *Instance) awaitReady(ctx context.Context) bool {
	deadline := time.NewTimer(i.settings.StartTimeout + i.settings.HandshakeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(startPollInterval)
	defer ticker.Stop()

	for {
		switch i.State() {
		case StateIdle, StateBusy:
			return true
		case StateStarting, StateInitializing:
		default:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// startAndHandshakeLocked spawns a process and handshakes. Invalid
// handshake metadata moves the instance to Error. Any other handshake
// failure tears the process down as a crash. Caller holds lifeMu.
func (i *Instance) startAndHandshakeLocked(ctx context.Context) error {
	r, err := i.startLocked(ctx)
	if err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, i.settings.HandshakeTimeout)
	defer cancel()
	if err := i.handshake(hctx, r, i.settings.HandshakeTimeout); err != nil {
		if !errors.Is(err, ErrInvalidHandshake) {
			i.setLastErr(err)
			i.markCrashed(r.gen, "handshake failed: "+err.Error())
		}
		return err
	}
	return nil
}

// startLocked spawns the process and starts its readers, leaving the
// instance in Initializing. Caller holds lifeMu.
func (i *Instance) startLocked(ctx context.Context) (*run, error) {
	if i.closed.Load() {
		return nil, wrap(i.def.ID, "start", ErrNotRunning)
	}
	if !i.transition(0, StateStarting, "start") {
		return nil, wrap(i.def.ID, "start", fmt.Errorf("%w: cannot start from %s", ErrInvalidState, i.State()))
	}

	sctx, cancel := context.WithTimeout(ctx, i.settings.StartTimeout)
	defer cancel()
	h, err := i.spawner.Spawn(sctx, i.def.ID, i.def.Command())
	if err != nil {
		err = wrap(i.def.ID, "spawn", err)
		i.fail(0, err)
		return nil, err
	}

	rctx, rcancel := context.WithCancel(i.rootCtx)
	r := &run{
		handle:    h,
		writer:    newFrameWriter(h.Stdin(), i.settings.StdinWriteTimeout),
		started:   time.Now(),
		ctx:       rctx,
		cancel:    rcancel,
		closed:    make(chan struct{}),
		handshake: make(chan protocol.InitializeResponse, 1),
	}

	i.stateMu.Lock()
	i.generation++
	r.gen = i.generation
	i.current = r
	i.stateMu.Unlock()

	i.sendFailures.Store(0)
	i.missed.Store(0)
	i.hbSent.Store(0)
	i.hbResponse.Store(0)
	i.touch()
	i.ledger.RegisterTransport(i.def.ID, i.transport)

	r.readers.Add(2)
	go i.readStdout(r)
	go i.readStderr(r)

	i.logger.Info().Int("pid", h.PID()).Uint64("generation", r.gen).Msg("extension process started")
	i.transition(r.gen, StateInitializing, "spawned")
	if h.HasExited() {
		i.markCrashed(r.gen, "exited immediately")
		return nil, wrap(i.def.ID, "start", ErrStreamClosed)
	}
	return r, nil
}

func (i *Instance) setLastErr(err error) {
	i.stateMu.Lock()
	i.lastErr = err
	i.stateMu.Unlock()
}

// readStdout dispatches one message per line. When no line arrives within
// ReadTimeout and the process has exited, the stream is treated as closed
// even if a descendant still holds the pipe open.
func (i *Instance) readStdout(r *run) {
	defer r.readers.Done()
	defer close(r.closed)

	lines := make(chan []byte)
	errc := make(chan error, 1)
	r.readers.Add(1)
	go func() {
		defer r.readers.Done()
		br := bufio.NewReaderSize(r.handle.Stdout(), 64*1024)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-r.ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	timer := time.NewTimer(i.settings.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case line := <-lines:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(i.settings.ReadTimeout)
			i.dispatch(r, line)
		case err := <-errc:
			if !errors.Is(err, io.EOF) && r.ctx.Err() == nil {
				i.logger.Debug().Err(err).Msg("stdout read failed")
			}
			i.streamClosed(r)
			return
		case <-timer.C:
			if r.handle.HasExited() {
				i.logger.Warn().Msg("extension exited but its output stream is still open")
				i.streamClosed(r)
				return
			}
			timer.Reset(i.settings.ReadTimeout)
		}
	}
}

func (i *Instance) streamClosed(r *run) {
	if r.ctx.Err() != nil {
		return
	}
	switch i.State() {
	case StateStopping, StateUnloaded:
		return
	}
	if i.markCrashed(r.gen, "output stream closed") {
		i.logger.Warn().Int("exit_code", r.handle.ExitCode()).Msg("extension process crashed")
	}
}

// readStderr logs every stderr line at debug level.
func (i *Instance) readStderr(r *run) {
	defer r.readers.Done()
	sc := bufio.NewScanner(r.handle.Stderr())
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		i.logger.Debug().Str("stderr", sc.Text()).Msg("extension stderr")
	}
}

// Stop shuts the process down gracefully, force-killing it after
// ShutdownTimeout, and leaves the instance Unloaded. resetRestartCount
// clears the restart budget.
func (i *Instance) Stop(ctx context.Context, resetRestartCount bool) error {
	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()
	return i.stopLocked(ctx, resetRestartCount)
}

func (i *Instance) stopLocked(ctx context.Context, resetRestartCount bool) error {
	r := i.currentRun()
	if r == nil && i.State() == StateUnloaded {
		return nil
	}
	i.transition(0, StateStopping, "stop")

	var stopErr error
	if r != nil {
		if !r.handle.HasExited() {
			stopErr = i.shutdownProcess(ctx, r)
		}
		i.cleanupRun(r)
	}
	if resetRestartCount {
		i.restartAttempts.Store(0)
		i.rapidCrashes = 0
	}
	i.transition(0, StateUnloaded, "stopped")
	i.logger.Info().Msg("extension stopped")
	return stopErr
}

func (i *Instance) shutdownProcess(ctx context.Context, r *run) error {
	if line, err := protocol.Encode(protocol.Notification{Type: protocol.TypeShutdown}); err == nil {
		wctx, cancel := context.WithTimeout(ctx, i.settings.StdinWriteTimeout)
		if err := r.writer.WriteFrame(wctx, line); err != nil {
			i.logger.Debug().Err(err).Msg("failed to send shutdown")
		}
		cancel()
	}

	timer := time.NewTimer(i.settings.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-r.handle.Done():
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	i.logger.Warn().Msg("extension did not exit in time, killing")
	if err := r.handle.Kill(); err != nil {
		return wrap(i.def.ID, "kill", err)
	}
	select {
	case <-r.handle.Done():
	case <-time.After(i.settings.ReaderJoinTimeout):
	}
	return nil
}

// cleanupRun releases everything bound to r: readers, handle and pending
// commands. It is safe to call more than once.
func (i *Instance) cleanupRun(r *run) {
	r.cancel()
	if !r.handle.HasExited() {
		_ = r.handle.Kill()
	}
	_ = r.handle.Close()

	joined := make(chan struct{})
	go func() {
		r.readers.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(i.settings.ReaderJoinTimeout):
		i.logger.Warn().Msg("extension readers did not stop in time")
	}

	i.failPending("extension process stopped")

	i.stateMu.Lock()
	if i.current == r {
		i.current = nil
	}
	i.stateMu.Unlock()
}

// Close disposes the instance: it stops the process (or, in Error, only
// cleans up), releases the instance's ledger entries and transport, and
// cancels the instance's root context.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed.Swap(true) {
		return nil
	}

	i.lifeMu.Lock()
	var err error
	if i.State() == StateError {
		if r := i.currentRun(); r != nil {
			i.cleanupRun(r)
		}
	} else {
		err = i.stopLocked(ctx, true)
	}
	i.lifeMu.Unlock()

	i.rootCancel()
	i.ledger.UnregisterExtension(i.def.ID)
	if cerr := i.transport.Close(); cerr != nil && err == nil {
		err = wrap(i.def.ID, "close transport", cerr)
	}
	return err
}

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	return i.closed.Load()
}

// CheckProcess marks the instance crashed when its process looks dead
// although it has not exited. It reports whether the process was
// suspicious.
func (i *Instance) CheckProcess(ctx context.Context, cfg process.ZombieConfig) bool {
	r := i.currentRun()
	if r == nil {
		return false
	}
	s := process.Suspicious(ctx, r.handle, cfg)
	if !s.Suspicious {
		return false
	}
	i.logger.Warn().Int("pid", r.handle.PID()).Str("reason", s.Reason).Msg("extension process looks dead")
	i.markCrashed(r.gen, s.Reason)
	return true
}
