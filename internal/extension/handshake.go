package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/docbridge/internal/protocol"
)

// PerformHandshake sends initialize and waits up to timeout for the
// extension's initialize_response. A response without name or version
// moves the instance to Error and returns ErrInvalidHandshake. A timeout or
// closed stream is returned without changing state.
func (i *Instance) PerformHandshake(ctx context.Context, timeout time.Duration) error {
	r := i.currentRun()
	if r == nil {
		return wrap(i.def.ID, "handshake", ErrNotRunning)
	}
	return i.handshake(ctx, r, timeout)
}

func (i *Instance) handshake(ctx context.Context, r *run, timeout time.Duration) error {
	switch st := i.State(); st {
	case StateStarting, StateInitializing, StateIdle:
	default:
		return wrap(i.def.ID, "handshake", fmt.Errorf("%w: %s", ErrInvalidState, st))
	}

	// Drop any stale response from an earlier attempt on this run.
	select {
	case <-r.handshake:
	default:
	}

	if err := i.writeMessage(ctx, r, protocol.Initialize{
		Type:            protocol.TypeInitialize,
		ProtocolVersion: i.settings.ProtocolVersion,
	}); err != nil {
		return wrap(i.def.ID, "handshake", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp protocol.InitializeResponse
	select {
	case resp = <-r.handshake:
	case <-timer.C:
		return wrap(i.def.ID, "handshake", ErrHandshakeTimeout)
	case <-ctx.Done():
		return wrap(i.def.ID, "handshake", ctx.Err())
	case <-r.closed:
		return wrap(i.def.ID, "handshake", ErrStreamClosed)
	}

	if resp.Name == "" || resp.Version == "" {
		err := wrap(i.def.ID, "handshake", fmt.Errorf("%w: name=%q version=%q", ErrInvalidHandshake, resp.Name, resp.Version))
		i.fail(r.gen, err)
		return err
	}

	i.def.setRuntime(RuntimeInfo{
		Name:        resp.Name,
		Version:     resp.Version,
		Title:       resp.Title,
		Description: resp.Description,
		Author:      resp.Author,
		WebsiteURL:  resp.WebsiteURL,
	})

	if err := i.writeMessage(ctx, r, protocol.Notification{Type: protocol.TypeInitialized}); err != nil {
		return wrap(i.def.ID, "handshake", err)
	}

	i.transition(r.gen, StateIdle, "handshake complete", StateStarting, StateInitializing)
	i.touch()
	i.logger.Info().Str("name", resp.Name).Str("version", resp.Version).Msg("extension initialized")
	return nil
}

// writeMessage encodes v and writes it as one frame on r.
func (i *Instance) writeMessage(ctx context.Context, r *run, v any) error {
	line, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return r.writer.WriteFrame(ctx, line)
}
