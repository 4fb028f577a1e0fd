package extension

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/docbridge/internal/transport"
)

// frameWriter serializes frames onto a child's stdin.
//
// mu is the instance write lock. Each frame is written by a goroutine that
// holds inner for the duration of the Write, so a frame whose caller timed
// out still finishes before the next frame starts. A frame that has not
// started by the time its caller gives up is dropped instead.
type frameWriter struct {
	mu      sync.Mutex
	inner   sync.Mutex
	w       io.Writer
	timeout time.Duration
}

const (
	frameQueued int32 = iota
	frameWriting
	frameDropped
)

func newFrameWriter(w io.Writer, timeout time.Duration) *frameWriter {
	return &frameWriter{w: w, timeout: timeout}
}

// WriteFrame implements transport.FrameWriter.
func (f *frameWriter) WriteFrame(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(ctx, frame)
}

func (f *frameWriter) writeLocked(ctx context.Context, frame []byte) error {
	var state atomic.Int32
	done := make(chan error, 1)
	go func() {
		f.inner.Lock()
		defer f.inner.Unlock()
		if !state.CompareAndSwap(frameQueued, frameWriting) {
			return
		}
		_, err := f.w.Write(frame)
		done <- err
	}()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return giveUp(&state, ErrWriteTimeout)
	case <-ctx.Done():
		return giveUp(&state, ctx.Err())
	}
}

// giveUp drops a frame that has not started. A frame already in Write is
// reported as pending so transports keep its resource.
func giveUp(state *atomic.Int32, cause error) error {
	if state.CompareAndSwap(frameQueued, frameDropped) {
		return cause
	}
	return fmt.Errorf("%w: %w", cause, transport.ErrFramePending)
}

// lockedWriter is a view of the writer for callers already holding mu.
type lockedWriter struct {
	f *frameWriter
}

// WriteFrame implements transport.FrameWriter.
func (l lockedWriter) WriteFrame(ctx context.Context, frame []byte) error {
	return l.f.writeLocked(ctx, frame)
}
