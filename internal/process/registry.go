package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/logging"
)

// Registry starts children and tracks them until they exit so they can be
// terminated together. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*Process

	closed atomic.Bool
	logger zerolog.Logger

	// maxProcesses limits concurrent children (0 = unlimited).
	maxProcesses int

	onExit func(p *Process)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxProcesses limits the number of concurrent children.
func WithMaxProcesses(n int) RegistryOption {
	return func(r *Registry) {
		r.maxProcesses = n
	}
}

// WithExitCallback is invoked after each tracked child exits.
func WithExitCallback(fn func(p *Process)) RegistryOption {
	return func(r *Registry) {
		r.onExit = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		processes: make(map[string]*Process),
		logger:    logging.Component("process"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn implements Spawner.
func (r *Registry) Spawn(ctx context.Context, name string, cmd Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := r.Start(name, cmd)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start launches cmd with all three standard streams piped and tracks the
// child until it exits.
func (r *Registry) Start(name string, cmd Command) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if r.maxProcesses > 0 && len(r.processes) >= r.maxProcesses {
		return nil, fmt.Errorf("process limit reached: %d", r.maxProcesses)
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	configureCommand(c)

	proc := newProcess(uuid.NewString(), name, c)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// stdout and stderr use plain pipes rather than exec's StdoutPipe so
	// Wait does not close them underneath a reader still draining output.
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeFiles(outR, outW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	c.Stdout = outW
	c.Stderr = errW
	proc.stdin = stdin
	proc.stdout = outR
	proc.stderr = errR

	if err := proc.start(); err != nil {
		_ = stdin.Close()
		closeFiles(outR, outW, errR, errW)
		return nil, err
	}
	// The child holds its own copies of the write ends.
	closeFiles(outW, errW)

	r.processes[proc.ID] = proc
	go r.monitor(proc)

	r.logger.Debug().
		Str("name", name).
		Int("pid", proc.PID()).
		Str("path", cmd.Path).
		Msg("process started")
	return proc, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (r *Registry) monitor(proc *Process) {
	<-proc.Done()

	r.logger.Debug().
		Str("name", proc.Name).
		Int("pid", proc.PID()).
		Int("exit_code", proc.ExitCode()).
		Str("state", proc.State().String()).
		Msg("process exited")

	if r.onExit != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Interface("panic", rec).Msg("process exit callback panicked")
				}
			}()
			r.onExit(proc)
		}()
	}

	r.mu.Lock()
	delete(r.processes, proc.ID)
	r.mu.Unlock()
}

// Get returns a tracked process by id, or nil.
func (r *Registry) Get(id string) *Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processes[id]
}

// List returns all tracked processes.
func (r *Registry) List() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		result = append(result, p)
	}
	return result
}

// Count returns the number of tracked processes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processes)
}

// Kill force-terminates a tracked process by id.
func (r *Registry) Kill(id string) error {
	p := r.Get(id)
	if p == nil {
		return ErrProcessNotFound
	}
	return p.Kill()
}

// KillAll force-terminates every tracked process group.
func (r *Registry) KillAll() {
	for _, p := range r.List() {
		if p.IsRunning() {
			if err := p.Kill(); err != nil {
				r.logger.Warn().Err(err).Int("pid", p.PID()).Msg("kill failed")
			}
		}
	}
}

// Shutdown stops accepting new children, sends SIGTERM to every tracked
// process group, waits up to timeout, then sends SIGKILL to the rest.
// It returns once every child has exited and been untracked.
func (r *Registry) Shutdown(timeout time.Duration) {
	if r.closed.Swap(true) {
		return
	}

	procs := r.List()
	if len(procs) == 0 {
		return
	}

	for _, p := range procs {
		if p.IsRunning() {
			_ = p.Terminate()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			<-p.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn().Int("count", r.Count()).Msg("processes did not exit after SIGTERM, killing")
		r.KillAll()
		<-done
	}

	for r.Count() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// IsShuttingDown reports whether Shutdown has been called.
func (r *Registry) IsShuttingDown() bool {
	return r.closed.Load()
}
