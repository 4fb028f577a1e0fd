// Package exttest provides a protocol-speaking fake extension and an
// in-memory process Spawner for tests and the reference echo extension.
package exttest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/dshills/docbridge/internal/protocol"
)

// Behavior scripts how a fake extension responds.
type Behavior struct {
	Name    string
	Version string
	Title   string

	// SilentHandshake never answers initialize.
	SilentHandshake bool
	// OmitVersion answers initialize without the required version.
	OmitVersion bool
	// ExitImmediately returns before reading anything.
	ExitImmediately bool
	// ExitAfterHandshake returns once initialized arrives.
	ExitAfterHandshake bool
	// IgnoreHeartbeats never answers heartbeat.
	IgnoreHeartbeats bool
	// SkipAcks never acknowledges snapshots.
	SkipAcks bool
	// AckStatus overrides the ack status. Defaults to processed.
	AckStatus string
	// AckDelay delays every ack.
	AckDelay time.Duration
	// HoldShutdown keeps running after a shutdown message until the
	// input closes.
	HoldShutdown bool

	// HandleCommand answers commands. Nil echoes the payload back.
	HandleCommand func(protocol.Command) protocol.CommandResult
	// Recorder receives every message the fake reads.
	Recorder *Recorder
}

// Received is one snapshot as seen by the fake.
type Received struct {
	Header protocol.Snapshot
	Data   []byte
}

// Recorder captures what a fake extension received.
type Recorder struct {
	mu        sync.Mutex
	types     []string
	snapshots []Received
	notices   []protocol.SessionNotice
	commands  []protocol.Command
}

// Types returns the message types received in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

// Count returns how many messages of type typ were received.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == typ {
			n++
		}
	}
	return n
}

// Snapshots returns the snapshots received.
func (r *Recorder) Snapshots() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Received(nil), r.snapshots...)
}

// Notices returns the session notices received.
func (r *Recorder) Notices() []protocol.SessionNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.SessionNotice(nil), r.notices...)
}

// Commands returns the commands received.
func (r *Recorder) Commands() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Command(nil), r.commands...)
}

func (r *Recorder) add(typ string, fn func()) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.types = append(r.types, typ)
	if fn != nil {
		fn()
	}
	r.mu.Unlock()
}

// Serve speaks the extension side of the protocol on in and out until the
// input closes, ctx is canceled, or a shutdown message arrives.
func Serve(ctx context.Context, in io.Reader, out io.Writer, b Behavior) error {
	if b.ExitImmediately {
		return nil
	}
	if b.Name == "" {
		b.Name = "fake"
	}
	if b.Version == "" {
		b.Version = "1.0.0"
	}
	if b.AckStatus == "" {
		b.AckStatus = protocol.AckProcessed
	}

	var wmu sync.Mutex
	send := func(v any) error {
		line, err := protocol.Encode(v)
		if err != nil {
			return err
		}
		wmu.Lock()
		defer wmu.Unlock()
		_, err = out.Write(line)
		return err
	}

	r := bufio.NewReader(in)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}

		typ, err := protocol.ParseType(line)
		if err != nil {
			continue
		}

		switch typ {
		case protocol.TypeInitialize:
			b.Recorder.add(typ, nil)
			if b.SilentHandshake {
				continue
			}
			resp := protocol.InitializeResponse{
				Type:    protocol.TypeInitializeResponse,
				Name:    b.Name,
				Version: b.Version,
				Title:   b.Title,
			}
			if b.OmitVersion {
				resp.Version = ""
			}
			if err := send(resp); err != nil {
				return err
			}

		case protocol.TypeInitialized:
			b.Recorder.add(typ, nil)
			if b.ExitAfterHandshake {
				return nil
			}

		case protocol.TypeHeartbeat:
			b.Recorder.add(typ, nil)
			if !b.IgnoreHeartbeats {
				if err := send(protocol.Notification{Type: protocol.TypePong}); err != nil {
					return err
				}
			}

		case protocol.TypeSnapshot:
			var hdr protocol.Snapshot
			if err := protocol.Decode(line, &hdr); err != nil {
				continue
			}
			data, err := readPayload(r, hdr)
			if err != nil {
				return err
			}
			b.Recorder.add(typ, func() {
				b.Recorder.snapshots = append(b.Recorder.snapshots, Received{Header: hdr, Data: data})
			})
			if b.SkipAcks {
				continue
			}
			ack := protocol.Ack{Type: protocol.TypeAck, SequenceNumber: hdr.SequenceNumber, Status: b.AckStatus}
			if hdr.TransportMode != protocol.ModeMmap && !protocol.VerifyChecksum(data, hdr.Checksum) {
				ack.Status = protocol.AckError
				ack.Error = "checksum mismatch"
			}
			if b.AckDelay > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					select {
					case <-time.After(b.AckDelay):
						_ = send(ack)
					case <-ctx.Done():
					}
				}()
				continue
			}
			if err := send(ack); err != nil {
				return err
			}

		case protocol.TypeSessionClosed, protocol.TypeSessionUnbound:
			var n protocol.SessionNotice
			if err := protocol.Decode(line, &n); err != nil {
				continue
			}
			b.Recorder.add(typ, func() {
				b.Recorder.notices = append(b.Recorder.notices, n)
			})

		case protocol.TypeCommand:
			var cmd protocol.Command
			if err := protocol.Decode(line, &cmd); err != nil {
				continue
			}
			b.Recorder.add(typ, func() {
				b.Recorder.commands = append(b.Recorder.commands, cmd)
			})
			result := echoCommand(cmd)
			if b.HandleCommand != nil {
				result = b.HandleCommand(cmd)
			}
			result.Type = protocol.TypeCommandResult
			result.CommandID = cmd.CommandID
			if err := send(result); err != nil {
				return err
			}

		case protocol.TypeShutdown:
			b.Recorder.add(typ, nil)
			if !b.HoldShutdown {
				return nil
			}

		default:
			b.Recorder.add(typ, nil)
		}
	}
}

func readPayload(r *bufio.Reader, hdr protocol.Snapshot) ([]byte, error) {
	switch hdr.TransportMode {
	case protocol.ModeStdin:
		data := make([]byte, hdr.DataSize)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read snapshot payload: %w", err)
		}
		return data, nil
	case protocol.ModeFile:
		return os.ReadFile(hdr.FilePath)
	default:
		// Shared memory is read by name; the fake only checks the header.
		return nil, nil
	}
}

func echoCommand(cmd protocol.Command) protocol.CommandResult {
	result := protocol.CommandResult{Success: true}
	if len(cmd.CommandPayload) > 0 && gjson.ValidBytes(cmd.CommandPayload) {
		result.Result = json.RawMessage(cmd.CommandPayload)
	}
	return result
}
