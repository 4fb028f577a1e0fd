package extension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dshills/docbridge/internal/metrics"
	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/snapshot"
	"github.com/dshills/docbridge/internal/transport"
)

// SnapshotMeta describes a snapshot apart from its payload.
type SnapshotMeta struct {
	SessionID    string
	DocumentType string
	OriginalPath string
	OutputFormat string
	MimeType     string
	Owner        *protocol.Owner
	CustomData   json.RawMessage
}

// SendSnapshot delivers data to the extension, starting it if needed. The
// snapshot is recorded in the ledger before its frame is written and stays
// there until acknowledged. Consecutive send
// failures reaching MaxSendFailures mark the process crashed.
func (i *Instance) SendSnapshot(ctx context.Context, data []byte, meta SnapshotMeta) error {
	if !i.EnsureStarted(ctx) {
		return wrap(i.def.ID, "send snapshot", ErrNotRunning)
	}
	r := i.currentRun()
	if r == nil {
		return wrap(i.def.ID, "send snapshot", ErrNotRunning)
	}

	seq := i.sequence.Add(1)
	header, err := protocol.Encode(protocol.Snapshot{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: i.settings.ProtocolVersion,
		SessionID:       meta.SessionID,
		DocumentType:    meta.DocumentType,
		OriginalPath:    meta.OriginalPath,
		OutputFormat:    meta.OutputFormat,
		MimeType:        meta.MimeType,
		Timestamp:       time.Now().UnixMilli(),
		SequenceNumber:  seq,
		Owner:           meta.Owner,
		CustomData:      protocol.Compact(meta.CustomData),
	})
	if err != nil {
		return wrap(i.def.ID, "send snapshot", err)
	}

	i.beginSend(r.gen)
	defer i.endSend(r.gen)

	r.writer.mu.Lock()
	if i.Generation() != r.gen || i.currentRun() != r {
		r.writer.mu.Unlock()
		return wrap(i.def.ID, "send snapshot", ErrProcessReplaced)
	}
	// Record before writing: the ack can arrive before Send returns.
	i.ledger.Record(i.def.ID, snapshot.Metadata{
		Sequence:     seq,
		SessionID:    meta.SessionID,
		OutputFormat: meta.OutputFormat,
		DataSize:     len(data),
	}, i.def.Effective().SnapshotTTL)
	receipt, err := i.transport.Send(ctx, lockedWriter{r.writer}, transport.Payload{
		ExtensionID: i.def.ID,
		Sequence:    seq,
		Header:      header,
		Data:        data,
	})
	r.writer.mu.Unlock()

	if err != nil {
		if errors.Is(err, transport.ErrFramePending) {
			// The frame still reaches the child; the ack or the TTL releases it.
			i.ledger.Attach(i.def.ID, seq, receipt)
		} else {
			i.ledger.Discard(i.def.ID, seq)
		}
		metrics.RecordSnapshotFailed(i.def.ID)
		if errors.Is(err, transport.ErrPayloadTooLarge) || errors.Is(err, transport.ErrInsufficientSpace) {
			return wrap(i.def.ID, "send snapshot", err)
		}
		n := i.sendFailures.Add(1)
		i.logger.Warn().Err(err).Int64("sequence", seq).Int32("consecutive_failures", n).Msg("snapshot send failed")
		if int(n) >= i.settings.MaxSendFailures {
			i.markCrashed(r.gen, fmt.Sprintf("%d consecutive send failures", n))
		}
		return wrap(i.def.ID, "send snapshot", err)
	}

	i.ledger.Attach(i.def.ID, seq, receipt)
	i.sendFailures.Store(0)
	i.touch()
	metrics.RecordSnapshotSent(i.def.ID, i.transport.Mode(), len(data))
	return nil
}

func (i *Instance) beginSend(gen uint64) {
	if i.inFlight.Add(1) == 1 {
		i.transition(gen, StateBusy, "snapshot in flight", StateIdle)
	}
}

func (i *Instance) endSend(gen uint64) {
	if i.inFlight.Add(-1) == 0 {
		i.transition(gen, StateIdle, "snapshot sent", StateBusy)
	}
}

// SendHeartbeat sends a heartbeat when the extension supports them. An
// unanswered previous heartbeat counts as missed; reaching the effective
// maximum marks the process crashed.
func (i *Instance) SendHeartbeat(ctx context.Context) error {
	if !i.def.Capabilities.Heartbeat {
		return nil
	}
	r := i.currentRun()
	if r == nil || !i.State().Usable() {
		return nil
	}

	sent := i.hbSent.Load()
	if sent != 0 && i.hbResponse.Load() < sent {
		missed := i.missed.Add(1)
		// A pong may have landed between the two loads above.
		if i.hbResponse.Load() >= sent {
			i.missed.Store(0)
		} else {
			metrics.RecordHeartbeatMissed(i.def.ID)
			i.logger.Warn().Int32("missed", missed).Msg("heartbeat not answered")
			if int(missed) >= i.def.Effective().MaxMissedHeartbeats {
				i.markCrashed(r.gen, fmt.Sprintf("%d heartbeats missed", missed))
				return wrap(i.def.ID, "heartbeat", ErrHeartbeatTimeout)
			}
		}
	}

	i.hbSent.Store(time.Now().UnixNano())
	if err := i.writeMessage(ctx, r, protocol.Notification{Type: protocol.TypeHeartbeat}); err != nil {
		return wrap(i.def.ID, "heartbeat", err)
	}
	return nil
}

// CommandResponse is the outcome of SendCommand.
type CommandResponse struct {
	CommandID string
	Success   bool
	Error     string
	Result    json.RawMessage
	TimedOut  bool
}

// SendCommand sends a command. With wait it blocks until the matching
// command_result, the timeout, or the process going away. A non-positive
// timeout uses CommandTimeout.
func (i *Instance) SendCommand(ctx context.Context, sessionID, commandType string, payload json.RawMessage, wait bool, timeout time.Duration) CommandResponse {
	id := uuid.NewString()
	resp := CommandResponse{CommandID: id}
	if !i.EnsureStarted(ctx) {
		resp.Error = ErrNotRunning.Error()
		return resp
	}
	r := i.currentRun()
	if r == nil {
		resp.Error = ErrNotRunning.Error()
		return resp
	}
	if timeout <= 0 {
		timeout = i.settings.CommandTimeout
	}

	var ch chan protocol.CommandResult
	if wait {
		ch = make(chan protocol.CommandResult, 1)
		i.pendingMu.Lock()
		i.pending[id] = ch
		i.pendingMu.Unlock()
		defer func() {
			i.pendingMu.Lock()
			delete(i.pending, id)
			i.pendingMu.Unlock()
		}()
	}

	start := time.Now()
	err := i.writeMessage(ctx, r, protocol.Command{
		Type:           protocol.TypeCommand,
		CommandID:      id,
		CommandType:    commandType,
		CommandPayload: protocol.Compact(payload),
		SessionID:      sessionID,
	})
	if err != nil {
		resp.Error = err.Error()
		metrics.RecordCommand(i.def.ID, "failure", time.Since(start))
		return resp
	}
	i.touch()
	if !wait {
		resp.Success = true
		return resp
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		resp.Success = res.Success
		resp.Error = res.Error
		resp.Result = res.Result
	case <-timer.C:
		resp.TimedOut = true
		resp.Error = fmt.Sprintf("command %s timed out after %s", commandType, timeout)
	case <-ctx.Done():
		resp.Error = ctx.Err().Error()
	case <-r.closed:
		resp.Error = ErrStreamClosed.Error()
	}

	outcome := "success"
	switch {
	case resp.TimedOut:
		outcome = "timeout"
	case !resp.Success:
		outcome = "failure"
	}
	metrics.RecordCommand(i.def.ID, outcome, time.Since(start))
	return resp
}

func (i *Instance) completeCommand(res protocol.CommandResult) {
	i.pendingMu.Lock()
	ch, ok := i.pending[res.CommandID]
	if ok {
		delete(i.pending, res.CommandID)
	}
	i.pendingMu.Unlock()
	if !ok {
		i.logger.Debug().Str("command_id", res.CommandID).Msg("result for unknown command")
		return
	}
	ch <- res
}

func (i *Instance) failPending(reason string) {
	i.pendingMu.Lock()
	pending := i.pending
	i.pending = make(map[string]chan protocol.CommandResult)
	i.pendingMu.Unlock()
	for id, ch := range pending {
		select {
		case ch <- protocol.CommandResult{CommandID: id, Error: reason}:
		default:
		}
	}
}

// SendSessionNotice tells a running extension that a session was closed or
// unbound. noticeType is protocol.TypeSessionClosed or
// protocol.TypeSessionUnbound. It never starts the process.
func (i *Instance) SendSessionNotice(ctx context.Context, noticeType, sessionID string, owner *protocol.Owner) error {
	if noticeType != protocol.TypeSessionClosed && noticeType != protocol.TypeSessionUnbound {
		return wrap(i.def.ID, "session notice", fmt.Errorf("unknown notice type %q", noticeType))
	}
	r := i.currentRun()
	if r == nil || !i.State().Usable() {
		return wrap(i.def.ID, "session notice", ErrNotRunning)
	}
	return wrap(i.def.ID, "session notice", i.writeMessage(ctx, r, protocol.SessionNotice{
		Type:      noticeType,
		SessionID: sessionID,
		Owner:     owner,
	}))
}

// HandleAck forwards an acknowledgment to the ledger.
func (i *Instance) HandleAck(seq int64, status, errMsg string) {
	i.touch()
	i.ledger.Ack(i.def.ID, seq)
	if status != protocol.AckProcessed {
		i.logger.Warn().Int64("sequence", seq).Str("status", status).Str("error", errMsg).Msg("extension reported snapshot failure")
	}
}
