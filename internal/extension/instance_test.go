package extension

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/exttest"
	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/snapshot"
	"github.com/dshills/docbridge/internal/transport"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.RestartCooldown = 0
	s.ErrorRecoveryCooldown = 0
	s.HandshakeTimeout = 2 * time.Second
	s.StartTimeout = 2 * time.Second
	s.ShutdownTimeout = 500 * time.Millisecond
	s.ReaderJoinTimeout = 500 * time.Millisecond
	s.StdinWriteTimeout = 2 * time.Second
	s.CloseTimeout = 2 * time.Second
	s.CommandTimeout = 2 * time.Second
	return s
}

func testDef(id string, heartbeat bool) *Definition {
	d := &Definition{
		ID:            id,
		Executable:    "/opt/" + id,
		DocumentTypes: []string{"word", "excel"},
		OutputFormats: []string{"pdf", "png"},
		Capabilities:  Capabilities{Heartbeat: heartbeat},
	}
	d.Resolve(config.Defaults().Limits, protocol.ModeStdin)
	d.MarkAvailable()
	return d
}

type fixture struct {
	inst     *Instance
	spawner  *exttest.Spawner
	ledger   *snapshot.Ledger
	recorder *exttest.Recorder
}

func newFixture(t *testing.T, b exttest.Behavior, tweak func(*Settings, *Definition)) *fixture {
	t.Helper()
	rec := &exttest.Recorder{}
	b.Recorder = rec
	def := testDef("viewer", true)
	settings := testSettings()
	if tweak != nil {
		tweak(&settings, def)
	}
	sp := exttest.NewSpawner(b)
	ledger := snapshot.NewLedger(100)
	inst, err := NewInstance(def, settings, sp, ledger)
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = inst.Close(ctx)
	})
	return &fixture{inst: inst, spawner: sp, ledger: ledger, recorder: rec}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, inst *Instance, states ...State) State {
	t.Helper()
	var got State
	waitFor(t, fmt.Sprintf("state in %v", states), func() bool {
		got = inst.State()
		return containsState(states, got)
	})
	return got
}

func TestEnsureStarted(t *testing.T) {
	f := newFixture(t, exttest.Behavior{Name: "viewer", Version: "2.1.0", Title: "Viewer"}, nil)
	ctx := context.Background()

	if !f.inst.EnsureStarted(ctx) {
		t.Fatalf("EnsureStarted() = false, last error %v", f.inst.LastError())
	}
	if got := f.inst.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	rt := f.inst.Definition().Runtime()
	if rt.Name != "viewer" || rt.Version != "2.1.0" || rt.Title != "Viewer" {
		t.Errorf("runtime = %+v", rt)
	}
	if f.inst.Generation() != 1 {
		t.Errorf("Generation() = %d, want 1", f.inst.Generation())
	}

	if !f.inst.EnsureStarted(ctx) {
		t.Fatal("second EnsureStarted() = false")
	}
	if f.spawner.Spawns() != 1 {
		t.Errorf("spawned %d processes, want 1", f.spawner.Spawns())
	}
	// The initialized write can complete before the fake has read it.
	waitFor(t, "initialized", func() bool { return len(f.recorder.Types()) >= 2 })
	if types := f.recorder.Types(); types[0] != protocol.TypeInitialize || types[1] != protocol.TypeInitialized {
		t.Errorf("received %v, want initialize then initialized", types)
	}
}

func TestEnsureStartedConcurrent(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.inst.EnsureStarted(context.Background()) {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 8 {
		t.Errorf("%d of 8 callers saw the extension start", ok.Load())
	}
	if f.spawner.Spawns() != 1 {
		t.Errorf("spawned %d processes, want 1", f.spawner.Spawns())
	}
}

func TestInvalidHandshakeMovesToError(t *testing.T) {
	f := newFixture(t, exttest.Behavior{OmitVersion: true}, nil)

	if f.inst.EnsureStarted(context.Background()) {
		t.Fatal("EnsureStarted() = true with invalid handshake")
	}
	if got := f.inst.State(); got != StateError {
		t.Errorf("State() = %v, want error", got)
	}
	if !errors.Is(f.inst.LastError(), ErrInvalidHandshake) {
		t.Errorf("LastError() = %v, want ErrInvalidHandshake", f.inst.LastError())
	}
	// Error is sticky for EnsureStarted.
	if f.inst.EnsureStarted(context.Background()) || f.spawner.Spawns() != 1 {
		t.Error("EnsureStarted() restarted an instance in error")
	}
}

func TestHandshakeTimeoutInEnsureStartedCrashes(t *testing.T) {
	f := newFixture(t, exttest.Behavior{SilentHandshake: true}, func(s *Settings, _ *Definition) {
		s.HandshakeTimeout = 100 * time.Millisecond
	})

	if f.inst.EnsureStarted(context.Background()) {
		t.Fatal("EnsureStarted() = true without handshake response")
	}
	if got := f.inst.State(); got != StateCrashed {
		t.Errorf("State() = %v, want crashed", got)
	}
	if !errors.Is(f.inst.LastError(), ErrHandshakeTimeout) {
		t.Errorf("LastError() = %v, want ErrHandshakeTimeout", f.inst.LastError())
	}
}

func TestPerformHandshakeTimeoutLeavesState(t *testing.T) {
	f := newFixture(t, exttest.Behavior{SilentHandshake: true}, nil)

	f.inst.lifeMu.Lock()
	_, err := f.inst.startLocked(context.Background())
	f.inst.lifeMu.Unlock()
	if err != nil {
		t.Fatalf("startLocked() error = %v", err)
	}

	err = f.inst.PerformHandshake(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("PerformHandshake() error = %v, want ErrHandshakeTimeout", err)
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.ExtensionID != "viewer" || ee.Op != "handshake" {
		t.Errorf("error = %#v, want *Error for viewer/handshake", err)
	}
	if got := f.inst.State(); got != StateInitializing {
		t.Errorf("State() = %v, want initializing", got)
	}
}

func TestSpawnFailureMovesToError(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	f.spawner.FailWith(exttest.ErrSpawnFailed)

	if f.inst.EnsureStarted(context.Background()) {
		t.Fatal("EnsureStarted() = true with failing spawner")
	}
	if got := f.inst.State(); got != StateError {
		t.Errorf("State() = %v, want error", got)
	}
	if !errors.Is(f.inst.LastError(), exttest.ErrSpawnFailed) {
		t.Errorf("LastError() = %v", f.inst.LastError())
	}
}

func TestSendSnapshot(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	data := []byte("%PDF-1.7\nbinary\x00content")

	err := f.inst.SendSnapshot(context.Background(), data, SnapshotMeta{
		SessionID:    "s1",
		DocumentType: "word",
		OutputFormat: "pdf",
		MimeType:     "application/pdf",
		Owner:        protocol.IsolationUser.Owner(protocol.Identity{GroupID: "g", UserID: "u"}),
		CustomData:   json.RawMessage("{\n  \"zoom\": 2\n}"),
	})
	if err != nil {
		t.Fatalf("SendSnapshot() error = %v", err)
	}

	waitFor(t, "snapshot delivery", func() bool { return len(f.recorder.Snapshots()) == 1 })
	got := f.recorder.Snapshots()[0]
	if !bytes.Equal(got.Data, data) {
		t.Errorf("payload = %q", got.Data)
	}
	h := got.Header
	if h.SequenceNumber != 1 || h.SessionID != "s1" || h.TransportMode != protocol.ModeStdin || h.DataSize != int64(len(data)) {
		t.Errorf("header = %+v", h)
	}
	if h.Owner == nil || h.Owner.GroupID != "g" || h.Owner.UserID != "u" {
		t.Errorf("owner = %+v", h.Owner)
	}
	if string(h.CustomData) != `{"zoom":2}` {
		t.Errorf("customData = %s", h.CustomData)
	}

	waitFor(t, "ack", func() bool { return f.ledger.Pending("viewer") == 0 })
	if got := f.inst.State(); got != StateIdle {
		t.Errorf("State() = %v after send, want idle", got)
	}
}

func TestSnapshotStaysInLedgerWithoutAck(t *testing.T) {
	f := newFixture(t, exttest.Behavior{SkipAcks: true}, nil)
	if err := f.inst.SendSnapshot(context.Background(), []byte("x"), SnapshotMeta{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if n := f.ledger.Pending("viewer"); n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
	e, ok := f.ledger.Get("viewer", 1)
	if !ok || e.TTL != 30*time.Second {
		t.Errorf("ledger entry = %+v, %v", e, ok)
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	ctx := context.Background()
	if !f.inst.EnsureStarted(ctx) {
		t.Fatal("EnsureStarted() = false")
	}

	const senders = 24
	payloads := make(map[string][]byte, senders)
	for n := 0; n < senders; n++ {
		payloads[fmt.Sprintf("s%d", n)] = bytes.Repeat([]byte{byte('a' + n%26), '\n'}, 1000+n*517)
	}

	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for id, data := range payloads {
		wg.Add(1)
		go func(id string, data []byte) {
			defer wg.Done()
			errs <- f.inst.SendSnapshot(ctx, data, SnapshotMeta{SessionID: id})
		}(id, data)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SendSnapshot() error = %v", err)
		}
	}

	waitFor(t, "all snapshots", func() bool { return len(f.recorder.Snapshots()) == senders })
	seen := make(map[int64]bool)
	for _, r := range f.recorder.Snapshots() {
		if !bytes.Equal(r.Data, payloads[r.Header.SessionID]) {
			t.Errorf("session %s payload corrupted", r.Header.SessionID)
		}
		if seen[r.Header.SequenceNumber] {
			t.Errorf("sequence %d delivered twice", r.Header.SequenceNumber)
		}
		seen[r.Header.SequenceNumber] = true
	}
	waitFor(t, "acks", func() bool { return f.ledger.Pending("viewer") == 0 })
}

func TestAcksRacingSendsLeaveNothingPending(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	ctx := context.Background()

	const sends = 200
	for n := 0; n < sends; n++ {
		if err := f.inst.SendSnapshot(ctx, []byte("frame"), SnapshotMeta{SessionID: "s1"}); err != nil {
			t.Fatalf("SendSnapshot(%d) error = %v", n, err)
		}
	}
	waitFor(t, "deliveries", func() bool { return len(f.recorder.Snapshots()) == sends })
	waitFor(t, "acks", func() bool { return f.ledger.Pending("viewer") == 0 })
}

func TestFileSnapshotsReleasedOnAck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	tr, err := transport.NewFile(transport.Options{TempDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	rec := &exttest.Recorder{}
	ledger := snapshot.NewLedger(100)
	inst, err := NewInstance(testDef("viewer", false), testSettings(), exttest.NewSpawner(exttest.Behavior{Recorder: rec}), ledger, WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = inst.Close(ctx)
	})

	const sends = 50
	for n := 0; n < sends; n++ {
		if err := inst.SendSnapshot(context.Background(), []byte("page"), SnapshotMeta{SessionID: "s1"}); err != nil {
			t.Fatalf("SendSnapshot(%d) error = %v", n, err)
		}
	}
	waitFor(t, "deliveries", func() bool { return len(rec.Snapshots()) == sends })
	waitFor(t, "acks", func() bool { return ledger.Pending("viewer") == 0 })
	waitFor(t, "payload files removed", func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 0
	})
}

func TestThreeRapidCrashesMoveToError(t *testing.T) {
	f := newFixture(t, exttest.Behavior{ExitAfterHandshake: true}, nil)
	ctx := context.Background()

	f.inst.EnsureStarted(ctx)
	for attempt := 0; attempt < 10; attempt++ {
		if waitState(t, f.inst, StateCrashed, StateError) == StateError {
			break
		}
		f.inst.TryRestart(ctx)
	}

	if got := f.inst.State(); got != StateError {
		t.Fatalf("State() = %v, want error", got)
	}
	if f.spawner.Spawns() != 3 {
		t.Errorf("spawned %d processes, want 3", f.spawner.Spawns())
	}
	if !errors.Is(f.inst.LastError(), ErrExtensionFailed) {
		t.Errorf("LastError() = %v, want ErrExtensionFailed", f.inst.LastError())
	}
}

func TestRestartBudget(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, func(s *Settings, _ *Definition) {
		s.MaxRestartAttempts = 2
		s.RapidCrashWindow = time.Nanosecond
	})
	ctx := context.Background()

	for n := 0; n < 2; n++ {
		if !f.inst.EnsureStarted(ctx) && f.inst.State() != StateCrashed {
			t.Fatalf("start %d failed: %v", n, f.inst.LastError())
		}
		waitState(t, f.inst, StateIdle)
		f.spawner.Last().Crash()
		waitState(t, f.inst, StateCrashed)
		if !f.inst.TryRestart(ctx) {
			t.Fatalf("TryRestart() %d = false, state %v", n, f.inst.State())
		}
	}
	if f.inst.RestartAttempts() != 2 {
		t.Errorf("RestartAttempts() = %d, want 2", f.inst.RestartAttempts())
	}

	f.spawner.Last().Crash()
	waitState(t, f.inst, StateCrashed)
	if f.inst.TryRestart(ctx) {
		t.Fatal("TryRestart() = true with exhausted budget")
	}
	if got := f.inst.State(); got != StateError {
		t.Errorf("State() = %v, want error", got)
	}
}

func TestTryRestartOnlyFromCrashed(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	if !f.inst.EnsureStarted(context.Background()) {
		t.Fatal("EnsureStarted() = false")
	}
	if f.inst.TryRestart(context.Background()) {
		t.Error("TryRestart() = true for idle instance")
	}
	if f.spawner.Spawns() != 1 {
		t.Errorf("spawned %d processes, want 1", f.spawner.Spawns())
	}
}

func TestTryRecoverFromError(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	f.spawner.FailWith(exttest.ErrSpawnFailed)
	f.inst.EnsureStarted(context.Background())
	if f.inst.State() != StateError {
		t.Fatalf("State() = %v, want error", f.inst.State())
	}

	f.spawner.FailWith(nil)
	if !f.inst.TryRecoverFromError(context.Background()) {
		t.Fatalf("TryRecoverFromError() = false: %v", f.inst.LastError())
	}
	if got := f.inst.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if f.inst.TryRecoverFromError(context.Background()) {
		t.Error("TryRecoverFromError() = true outside the error state")
	}
}

func TestCrashDetected(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	var changes []StateChange
	var mu sync.Mutex
	f.inst.OnStateChange(func(ch StateChange) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	if !f.inst.EnsureStarted(context.Background()) {
		t.Fatal("EnsureStarted() = false")
	}
	f.spawner.Last().Crash()
	waitState(t, f.inst, StateCrashed)
	waitFor(t, "observer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	var path []string
	for _, ch := range changes {
		path = append(path, ch.To.String())
	}
	want := "starting,initializing,idle,crashed"
	if got := strings.Join(path, ","); got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
}

func TestHeartbeatCrashOnThirdMiss(t *testing.T) {
	f := newFixture(t, exttest.Behavior{IgnoreHeartbeats: true}, nil)
	ctx := context.Background()
	if !f.inst.EnsureStarted(ctx) {
		t.Fatal("EnsureStarted() = false")
	}

	for n := 1; n <= 3; n++ {
		if err := f.inst.SendHeartbeat(ctx); err != nil {
			t.Fatalf("heartbeat %d error = %v", n, err)
		}
		if got := f.inst.State(); got != StateIdle {
			t.Fatalf("State() after heartbeat %d = %v", n, got)
		}
	}
	if f.inst.MissedHeartbeats() != 2 {
		t.Errorf("MissedHeartbeats() = %d, want 2", f.inst.MissedHeartbeats())
	}

	if err := f.inst.SendHeartbeat(ctx); !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("fourth heartbeat error = %v, want ErrHeartbeatTimeout", err)
	}
	if got := f.inst.State(); got != StateCrashed {
		t.Errorf("State() = %v, want crashed", got)
	}
}

func TestPongResetsMissed(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	ctx := context.Background()
	if !f.inst.EnsureStarted(ctx) {
		t.Fatal("EnsureStarted() = false")
	}

	for n := 0; n < 5; n++ {
		if err := f.inst.SendHeartbeat(ctx); err != nil {
			t.Fatalf("heartbeat %d error = %v", n, err)
		}
		waitFor(t, "pong", func() bool {
			return f.inst.hbResponse.Load() >= f.inst.hbSent.Load()
		})
	}
	if f.inst.MissedHeartbeats() != 0 || f.inst.State() != StateIdle {
		t.Errorf("missed = %d, state = %v", f.inst.MissedHeartbeats(), f.inst.State())
	}
}

func TestHeartbeatDisabled(t *testing.T) {
	f := newFixture(t, exttest.Behavior{IgnoreHeartbeats: true}, func(_ *Settings, d *Definition) {
		d.Capabilities.Heartbeat = false
	})
	ctx := context.Background()
	f.inst.EnsureStarted(ctx)
	for n := 0; n < 5; n++ {
		if err := f.inst.SendHeartbeat(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if f.recorder.Count(protocol.TypeHeartbeat) != 0 {
		t.Error("heartbeat sent to extension without heartbeat support")
	}
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t, exttest.Behavior{
		HandleCommand: func(c protocol.Command) protocol.CommandResult {
			if c.CommandType == "fail" {
				return protocol.CommandResult{Success: false, Error: "nope"}
			}
			return protocol.CommandResult{Success: true, Result: c.CommandPayload}
		},
	}, nil)
	ctx := context.Background()

	resp := f.inst.SendCommand(ctx, "s1", "echo", json.RawMessage(`{"page": 3}`), true, time.Second)
	if !resp.Success || string(resp.Result) != `{"page":3}` {
		t.Errorf("echo response = %+v (result %s)", resp, resp.Result)
	}

	resp = f.inst.SendCommand(ctx, "s1", "fail", nil, true, time.Second)
	if resp.Success || resp.Error != "nope" {
		t.Errorf("fail response = %+v", resp)
	}

	resp = f.inst.SendCommand(ctx, "s1", "fire", nil, false, 0)
	if !resp.Success {
		t.Errorf("fire-and-forget response = %+v", resp)
	}

	cmds := f.recorder.Commands()
	if len(cmds) < 2 || cmds[0].SessionID != "s1" || cmds[0].CommandID == cmds[1].CommandID {
		t.Errorf("commands = %+v", cmds)
	}
	f.inst.pendingMu.Lock()
	pending := len(f.inst.pending)
	f.inst.pendingMu.Unlock()
	if pending != 0 {
		t.Errorf("%d pending commands left registered", pending)
	}
}

func TestSendCommandTimeout(t *testing.T) {
	f := newFixture(t, exttest.Behavior{
		HandleCommand: func(protocol.Command) protocol.CommandResult {
			time.Sleep(300 * time.Millisecond)
			return protocol.CommandResult{Success: true}
		},
	}, nil)

	resp := f.inst.SendCommand(context.Background(), "s1", "slow", nil, true, 50*time.Millisecond)
	if !resp.TimedOut || resp.Success {
		t.Errorf("response = %+v, want timeout", resp)
	}
}

func TestSessionNotice(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	ctx := context.Background()

	if err := f.inst.SendSessionNotice(ctx, protocol.TypeSessionClosed, "s1", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("notice before start error = %v, want ErrNotRunning", err)
	}
	if f.spawner.Spawns() != 0 {
		t.Error("session notice started the extension")
	}

	f.inst.EnsureStarted(ctx)
	owner := protocol.IsolationGroup.Owner(protocol.Identity{GroupID: "g1", UserID: "u1"})
	if err := f.inst.SendSessionNotice(ctx, protocol.TypeSessionUnbound, "s1", owner); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "notice", func() bool { return len(f.recorder.Notices()) == 1 })
	n := f.recorder.Notices()[0]
	if n.Type != protocol.TypeSessionUnbound || n.SessionID != "s1" || n.Owner == nil || n.Owner.GroupID != "g1" || n.Owner.UserID != "" {
		t.Errorf("notice = %+v owner %+v", n, n.Owner)
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	ctx := context.Background()
	f.inst.EnsureStarted(ctx)
	h := f.spawner.Last()

	if err := f.inst.Stop(ctx, true); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := f.inst.State(); got != StateUnloaded {
		t.Errorf("State() = %v, want unloaded", got)
	}
	if !h.HasExited() || h.ExitCode() != 0 {
		t.Errorf("process exited=%v code=%d", h.HasExited(), h.ExitCode())
	}
	if f.recorder.Count(protocol.TypeShutdown) != 1 {
		t.Error("shutdown message not sent")
	}

	// A stopped instance starts again lazily with a new generation.
	if !f.inst.EnsureStarted(ctx) || f.inst.Generation() != 2 {
		t.Errorf("restart after stop: state %v generation %d", f.inst.State(), f.inst.Generation())
	}
}

func TestStopKillsUnresponsive(t *testing.T) {
	f := newFixture(t, exttest.Behavior{HoldShutdown: true}, func(s *Settings, _ *Definition) {
		s.ShutdownTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	f.inst.EnsureStarted(ctx)
	h := f.spawner.Last()

	start := time.Now()
	if err := f.inst.Stop(ctx, false); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Stop() did not bound the shutdown wait")
	}
	if h.ExitCode() != -1 {
		t.Errorf("ExitCode() = %d, want -1 (killed)", h.ExitCode())
	}
}

func TestStopFailsPendingCommands(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, exttest.Behavior{
		HandleCommand: func(protocol.Command) protocol.CommandResult {
			<-release
			return protocol.CommandResult{Success: true}
		},
	}, func(s *Settings, _ *Definition) {
		s.ShutdownTimeout = 50 * time.Millisecond
		s.StdinWriteTimeout = 100 * time.Millisecond
	})
	defer close(release)
	ctx := context.Background()
	f.inst.EnsureStarted(ctx)

	done := make(chan CommandResponse, 1)
	go func() { done <- f.inst.SendCommand(ctx, "s1", "hang", nil, true, 5*time.Second) }()
	waitFor(t, "command registered", func() bool {
		f.inst.pendingMu.Lock()
		defer f.inst.pendingMu.Unlock()
		return len(f.inst.pending) == 1
	})

	if err := f.inst.Stop(ctx, false); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-done:
		if resp.Success {
			t.Errorf("response = %+v, want failure", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not failed by Stop")
	}
}

func TestCloseUnregistersLedger(t *testing.T) {
	f := newFixture(t, exttest.Behavior{SkipAcks: true}, nil)
	ctx := context.Background()
	if err := f.inst.SendSnapshot(ctx, []byte("x"), SnapshotMeta{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if err := f.inst.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.ledger.Pending("viewer") != 0 {
		t.Error("ledger entries survived Close")
	}
	if f.inst.EnsureStarted(ctx) {
		t.Error("EnsureStarted() = true after Close")
	}
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	var got []Message
	f.inst.OnMessage(func(m Message) { got = append(got, m) })
	r := &run{handshake: make(chan protocol.InitializeResponse, 1)}

	f.inst.dispatch(r, []byte(`{"type":"progress","percent":40}`))
	f.inst.dispatch(r, []byte(`not json`))
	f.inst.dispatch(r, []byte(`{"percent":40}`))
	f.inst.dispatch(r, []byte(`{"type":"initialize_response","name":"n","version":"1"}`))

	if len(got) != 1 || got[0].Type != "progress" || got[0].ExtensionID != "viewer" {
		t.Errorf("messages = %+v", got)
	}
	select {
	case resp := <-r.handshake:
		if resp.Name != "n" {
			t.Errorf("handshake response = %+v", resp)
		}
	default:
		t.Error("initialize_response not delivered")
	}
}

// gatedWriter blocks every Write until release is closed.
type gatedWriter struct {
	started chan struct{}
	release chan struct{}
	active  atomic.Int32
	overlap atomic.Bool
	mu      sync.Mutex
	writes  []string
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	if w.active.Add(1) > 1 {
		w.overlap.Store(true)
	}
	defer w.active.Add(-1)
	select {
	case w.started <- struct{}{}:
	default:
	}
	<-w.release
	w.mu.Lock()
	w.writes = append(w.writes, string(p))
	w.mu.Unlock()
	return len(p), nil
}

func TestFrameWriterTimeoutKeepsOrder(t *testing.T) {
	w := newGatedWriter()
	fw := newFrameWriter(w, 10*time.Second)

	// The first frame is already in Write when its caller gives up.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-w.started
		cancel()
	}()
	err := fw.WriteFrame(ctx, []byte("first\n"))
	if !errors.Is(err, context.Canceled) || !errors.Is(err, transport.ErrFramePending) {
		t.Fatalf("first WriteFrame() error = %v, want canceled and pending", err)
	}

	// The second frame never starts and is dropped.
	fw.timeout = 20 * time.Millisecond
	err = fw.WriteFrame(context.Background(), []byte("second\n"))
	if !errors.Is(err, ErrWriteTimeout) || errors.Is(err, transport.ErrFramePending) {
		t.Fatalf("second WriteFrame() error = %v, want a dropped timeout", err)
	}

	close(w.release)
	fw.timeout = time.Second
	if err := fw.WriteFrame(context.Background(), []byte("third\n")); err != nil {
		t.Fatalf("third WriteFrame() error = %v", err)
	}

	if w.overlap.Load() {
		t.Error("frames were written concurrently")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) != 2 || w.writes[0] != "first\n" || w.writes[1] != "third\n" {
		t.Errorf("writes = %q, want first then third", w.writes)
	}
}
