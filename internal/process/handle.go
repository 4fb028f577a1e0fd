package process

import (
	"context"
	"io"
	"time"
)

// Command describes how to launch a child.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the supervisor's environment.
	Env []string
}

// Handle is a running child with its three standard streams.
type Handle interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Done is closed when the child exits.
	Done() <-chan struct{}
	HasExited() bool
	ExitCode() int
	StartedAt() time.Time

	// Terminate asks the child's process group to exit.
	Terminate() error
	// Kill force-terminates the child's process group.
	Kill() error
	// Close releases the stdio handles without signalling the child.
	Close() error
}

// Spawner starts children.
type Spawner interface {
	Spawn(ctx context.Context, name string, cmd Command) (Handle, error)
}
