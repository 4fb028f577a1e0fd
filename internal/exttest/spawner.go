package exttest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/docbridge/internal/process"
)

// ErrSpawnFailed is returned by a Spawner configured to fail.
var ErrSpawnFailed = errors.New("exttest: spawn failed")

var nextPID atomic.Int64

// Spawner starts fake extensions connected through in-memory pipes.
type Spawner struct {
	mu      sync.Mutex
	behave  func(attempt int) Behavior
	fail    error
	handles []*Handle
}

// NewSpawner returns a Spawner that runs b for every spawn.
func NewSpawner(b Behavior) *Spawner {
	return &Spawner{behave: func(int) Behavior { return b }}
}

// NewScriptedSpawner returns a Spawner that asks script for the behavior of
// each spawn. attempt starts at 1.
func NewScriptedSpawner(script func(attempt int) Behavior) *Spawner {
	return &Spawner{behave: script}
}

// FailWith makes subsequent spawns return err. Nil restores spawning.
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Spawns returns the number of successful spawns.
func (s *Spawner) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Last returns the most recent handle, or nil.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

// Spawn implements process.Spawner.
func (s *Spawner) Spawn(ctx context.Context, name string, _ process.Command) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.fail != nil {
		err := s.fail
		s.mu.Unlock()
		return nil, err
	}
	b := s.behave(len(s.handles) + 1)
	h := newHandle(name, b)
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

// Handle is an in-memory process.Handle running Serve in a goroutine.
type Handle struct {
	name    string
	pid     int
	started time.Time

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	cancel   context.CancelFunc
	done     chan struct{}
	exited   atomic.Bool
	exitCode atomic.Int32
	killed   atomic.Bool

	closeOnce sync.Once
}

func newHandle(name string, b Behavior) *Handle {
	h := &Handle{
		name:    name,
		pid:     int(nextPID.Add(1)) + 100000,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		err := Serve(ctx, h.stdinR, h.stdoutW, b)
		code := 0
		if err != nil && !h.killed.Load() {
			code = 1
		}
		h.exit(code)
	}()
	return h
}

func (h *Handle) exit(code int) {
	if !h.exited.CompareAndSwap(false, true) {
		return
	}
	if h.killed.Load() {
		code = -1
	}
	h.exitCode.Store(int32(code))
	_ = h.stdinR.Close()
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	close(h.done)
}

// Name returns the spawn name.
func (h *Handle) Name() string { return h.name }

// PID implements process.Handle.
func (h *Handle) PID() int { return h.pid }

// Stdin implements process.Handle.
func (h *Handle) Stdin() io.WriteCloser { return h.stdinW }

// Stdout implements process.Handle.
func (h *Handle) Stdout() io.ReadCloser { return h.stdoutR }

// Stderr implements process.Handle.
func (h *Handle) Stderr() io.ReadCloser { return h.stderrR }

// Done implements process.Handle.
func (h *Handle) Done() <-chan struct{} { return h.done }

// HasExited implements process.Handle.
func (h *Handle) HasExited() bool { return h.exited.Load() }

// ExitCode implements process.Handle.
func (h *Handle) ExitCode() int {
	if !h.exited.Load() {
		return -1
	}
	return int(h.exitCode.Load())
}

// StartedAt implements process.Handle.
func (h *Handle) StartedAt() time.Time { return h.started }

// Terminate implements process.Handle.
func (h *Handle) Terminate() error {
	h.cancel()
	_ = h.stdinR.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Kill implements process.Handle.
func (h *Handle) Kill() error {
	h.killed.Store(true)
	h.cancel()
	_ = h.stdinR.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Crash makes the fake exit with code 1 as if it died.
func (h *Handle) Crash() {
	h.cancel()
	_ = h.stdinR.CloseWithError(io.ErrClosedPipe)
	h.exit(1)
}

// WriteStderr writes a line to the fake's stderr. It blocks until read.
func (h *Handle) WriteStderr(line string) error {
	_, err := h.stderrW.Write([]byte(line + "\n"))
	return err
}

// Close implements process.Handle.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		_ = h.stdinW.Close()
		_ = h.stdoutR.Close()
		_ = h.stderrR.Close()
	})
	return nil
}
