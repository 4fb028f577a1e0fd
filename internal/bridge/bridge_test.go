package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/extension"
	"github.com/dshills/docbridge/internal/exttest"
	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/snapshot"
)

type fakeSession struct {
	id      string
	docType string
	mu      sync.Mutex
	version int
}

func (s *fakeSession) ID() string           { return s.id }
func (s *fakeSession) DocumentType() string { return s.docType }
func (s *fakeSession) OriginalPath() string { return "/docs/" + s.id }

func (s *fakeSession) Execute(ctx context.Context, fn func(doc Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
}

func (p *fakeProvider) add(id, docType string) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSession{id: id, docType: docType}
	p.sessions[id] = s
	return s
}

func (p *fakeProvider) TryGetSession(id string, _ protocol.Identity) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

type fakeConverter struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *fakeConverter) ConvertToBytes(_ context.Context, doc Document, documentType, format string, options map[string]string) ([]byte, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("renderer crashed")
	}
	s := doc.(*fakeSession)
	return []byte(fmt.Sprintf("%s:%s:%s:v%d:%d", s.id, documentType, format, s.version, len(options))), nil
}

func (c *fakeConverter) IsFormatSupported(_ string, format string) bool {
	return format == "pdf" || format == "png"
}

func (c *fakeConverter) MimeType(format string) string {
	if format == "pdf" {
		return "application/pdf"
	}
	return "image/" + format
}

type harness struct {
	bridge   *Bridge
	registry *extension.Registry
	spawner  *exttest.Spawner
	recorder *exttest.Recorder
	sessions *fakeProvider
	conv     *fakeConverter
}

var alice = protocol.Identity{GroupID: "team", UserID: "alice"}

func newHarness(t *testing.T, tweak func(*Settings)) *harness {
	t.Helper()
	rec := &exttest.Recorder{}
	sp := exttest.NewSpawner(exttest.Behavior{Name: "viewer", Version: "1.0.0", Recorder: rec})

	def := &extension.Definition{
		ID:            "viewer",
		Executable:    "/opt/viewer",
		DocumentTypes: []string{"word", "slides"},
		OutputFormats: []string{"pdf", "png", "docx"},
	}
	def.Resolve(config.Defaults().Limits, protocol.ModeStdin)
	def.MarkAvailable()

	es := extension.DefaultSettings()
	es.RestartCooldown = 0
	reg := extension.NewRegistry([]*extension.Definition{def}, es, sp, extension.WithLedger(snapshot.NewLedger(100)))

	settings := DefaultSettings()
	settings.RetryInterval = time.Hour
	if tweak != nil {
		tweak(&settings)
	}
	provider := &fakeProvider{sessions: make(map[string]*fakeSession)}
	provider.add("s1", "word")
	provider.add("s2", "word")
	provider.add("sheet", "excel")
	conv := &fakeConverter{}

	b := New(provider, conv, reg, settings)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
		_ = reg.Close(ctx)
	})
	return &harness{bridge: b, registry: reg, spawner: sp, recorder: rec, sessions: provider, conv: conv}
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

func (h *harness) snapshots() int { return len(h.recorder.Snapshots()) }

func (h *harness) bind(t *testing.T, sessionID string) Key {
	t.Helper()
	res := h.bridge.Bind(context.Background(), sessionID, "viewer", "pdf", nil, alice)
	if !res.OK() {
		t.Fatalf("Bind(%s) = %v %s", sessionID, res.Code, res.Message)
	}
	return Key{SessionID: sessionID, ExtensionID: "viewer"}
}

func TestBindFormatNotSupported(t *testing.T) {
	h := newHarness(t, nil)

	res := h.bridge.Bind(context.Background(), "sheet", "viewer", "pdf", nil, alice)
	if res.Code != CodeFormatNotSupported {
		t.Fatalf("Bind() = %v, want format_not_supported", res.Code)
	}
	if len(h.bridge.Bindings()) != 0 {
		t.Error("binding created for unsupported document type")
	}
	if h.spawner.Spawns() != 0 {
		t.Error("extension started for a rejected binding")
	}
}

func TestBindValidation(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.MaxBindings = 1 })
	ctx := context.Background()

	tests := []struct {
		name      string
		session   string
		extension string
		format    string
		want      Code
	}{
		{"unknown session", "missing", "viewer", "pdf", CodeSessionNotFound},
		{"unknown extension", "s1", "missing", "pdf", CodeExtensionNotFound},
		{"extension format", "s1", "viewer", "svg", CodeFormatNotSupported},
		{"converter format", "s1", "viewer", "docx", CodeFormatNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := h.bridge.Bind(ctx, tt.session, tt.extension, tt.format, nil, alice); res.Code != tt.want {
				t.Errorf("Bind() = %v (%s), want %v", res.Code, res.Message, tt.want)
			}
		})
	}

	h.bind(t, "s1")
	if res := h.bridge.Bind(ctx, "s1", "viewer", "pdf", nil, alice); res.Code != CodeAlreadyBound {
		t.Errorf("duplicate Bind() = %v", res.Code)
	}
	if res := h.bridge.Bind(ctx, "s2", "viewer", "pdf", nil, alice); res.Code != CodeTooManyBindings {
		t.Errorf("Bind() over limit = %v", res.Code)
	}
}

func TestBindUnavailableExtension(t *testing.T) {
	h := newHarness(t, nil)
	def, _ := h.registry.Definition("viewer")
	def.MarkUnavailable("maintenance")

	res := h.bridge.Bind(context.Background(), "s1", "viewer", "pdf", nil, alice)
	if res.Code != CodeExtensionUnavailable || !strings.Contains(res.Message, "maintenance") {
		t.Errorf("Bind() = %v %q", res.Code, res.Message)
	}
}

func TestBindSendsInitialSnapshot(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Isolation = protocol.IsolationUser })

	res := h.bridge.Bind(context.Background(), "s1", "viewer", "pdf", map[string]string{"dpi": "300"}, alice)
	if !res.OK() {
		t.Fatalf("Bind() = %v %s", res.Code, res.Message)
	}
	waitFor(t, "initial snapshot", func() bool { return h.snapshots() == 1 })

	got := h.recorder.Snapshots()[0]
	hdr := got.Header
	if hdr.SessionID != "s1" || hdr.DocumentType != "word" || hdr.OutputFormat != "pdf" || hdr.MimeType != "application/pdf" {
		t.Errorf("header = %+v", hdr)
	}
	if hdr.OriginalPath != "/docs/s1" {
		t.Errorf("originalPath = %q", hdr.OriginalPath)
	}
	if hdr.Owner == nil || hdr.Owner.UserID != "alice" || hdr.Owner.GroupID != "team" {
		t.Errorf("owner = %+v", hdr.Owner)
	}
	if string(hdr.CustomData) != `{"dpi":"300"}` {
		t.Errorf("customData = %s", hdr.CustomData)
	}
	if string(got.Data) != "s1:word:pdf:v0:1" {
		t.Errorf("payload = %q", got.Data)
	}

	infos := h.bridge.Bindings()
	if len(infos) != 1 || infos[0].NeedsSend || infos[0].LastSent.IsZero() || infos[0].Breaker != "closed" {
		t.Errorf("Bindings() = %+v", infos)
	}
}

func TestFrameIntervalSingleDispatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := h.bind(t, "s1")
	waitFor(t, "initial snapshot", func() bool { return h.snapshots() == 1 })

	// Default frame interval is 100ms.
	time.Sleep(150 * time.Millisecond)
	h.bridge.OnSessionModified(ctx, key.SessionID)
	time.Sleep(10 * time.Millisecond)
	h.bridge.OnSessionModified(ctx, key.SessionID)

	waitFor(t, "second snapshot", func() bool { return h.snapshots() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := h.snapshots(); n != 2 {
		t.Errorf("dispatched %d snapshots, want 2", n)
	}
	if infos := h.bridge.Bindings(); !infos[0].NeedsSend {
		t.Error("skipped send did not flag the binding")
	}
}

func TestSessionModifiedDebounces(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.DebounceDelay = 50 * time.Millisecond })
	h.bind(t, "s1")
	waitFor(t, "initial snapshot", func() bool { return h.snapshots() == 1 })
	time.Sleep(150 * time.Millisecond)

	for n := 0; n < 5; n++ {
		h.bridge.SessionModified("s1", alice)
		time.Sleep(10 * time.Millisecond)
	}
	if !h.bridge.debounce.IsPending("s1") {
		t.Fatal("modification not pending")
	}

	waitFor(t, "debounced snapshot", func() bool { return h.snapshots() == 2 })
	time.Sleep(150 * time.Millisecond)
	if n := h.snapshots(); n != 2 {
		t.Errorf("dispatched %d snapshots, want 2", n)
	}
	if n := h.conv.calls.Load(); n != 2 {
		t.Errorf("converted %d times, want 2", n)
	}

	// Sessions without bindings are ignored.
	h.bridge.SessionModified("s2", alice)
	if h.bridge.debounce.IsPending("s2") {
		t.Error("unbound session scheduled")
	}
}

func TestConversionCached(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := h.bind(t, "s1")
	time.Sleep(150 * time.Millisecond)

	sent, err := h.bridge.SendSnapshotIfNeeded(ctx, key)
	if err != nil || !sent {
		t.Fatalf("SendSnapshotIfNeeded() = %v, %v", sent, err)
	}
	if n := h.conv.calls.Load(); n != 1 {
		t.Errorf("converted %d times, want 1 (cache hit)", n)
	}

	time.Sleep(150 * time.Millisecond)
	h.bridge.OnSessionModified(ctx, "s1")
	if n := h.conv.calls.Load(); n != 2 {
		t.Errorf("converted %d times after modification, want 2", n)
	}
}

func TestConversionBackoff(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.ConversionFailureThreshold = 2
		s.ConversionBackoff = time.Hour
	})
	ctx := context.Background()
	h.conv.fail.Store(true)
	key := h.bind(t, "s1")

	if _, err := h.bridge.SendSnapshotIfNeeded(ctx, key); err == nil {
		t.Fatal("SendSnapshotIfNeeded() succeeded with failing converter")
	}
	if n := h.conv.calls.Load(); n != 2 {
		t.Fatalf("converted %d times, want 2", n)
	}

	sent, err := h.bridge.SendSnapshotIfNeeded(ctx, key)
	if sent || err != nil {
		t.Errorf("SendSnapshotIfNeeded() in backoff = %v, %v", sent, err)
	}
	if n := h.conv.calls.Load(); n != 2 {
		t.Errorf("converter called during backoff: %d calls", n)
	}
	info := h.bridge.Bindings()[0]
	if info.Breaker != "open" || !info.NeedsSend {
		t.Errorf("binding = %+v", info)
	}
	if h.snapshots() != 0 {
		t.Error("snapshot sent despite conversion failures")
	}
}

func TestSetFormat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := h.bind(t, "s1")
	waitFor(t, "initial snapshot", func() bool { return h.snapshots() == 1 })

	if res := h.bridge.SetFormat(ctx, key, "svg", nil); res.Code != CodeFormatNotSupported {
		t.Errorf("SetFormat(svg) = %v", res.Code)
	}
	if res := h.bridge.SetFormat(ctx, key, "png", nil); !res.OK() {
		t.Fatalf("SetFormat(png) = %v %s", res.Code, res.Message)
	}
	waitFor(t, "png snapshot", func() bool { return h.snapshots() == 2 })
	if got := h.recorder.Snapshots()[1].Header.OutputFormat; got != "png" {
		t.Errorf("outputFormat = %q", got)
	}
	if info := h.bridge.Bindings()[0]; info.Format != "png" {
		t.Errorf("binding format = %q", info.Format)
	}

	missing := Key{SessionID: "s2", ExtensionID: "viewer"}
	if res := h.bridge.SetFormat(ctx, missing, "png", nil); res.Code != CodeNotBound {
		t.Errorf("SetFormat(unbound) = %v", res.Code)
	}
}

func TestUnbind(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Isolation = protocol.IsolationGroup })
	ctx := context.Background()
	key := h.bind(t, "s1")

	if res := h.bridge.Unbind(ctx, key, true); !res.OK() {
		t.Fatalf("Unbind() = %v", res.Code)
	}
	waitFor(t, "unbound notice", func() bool { return len(h.recorder.Notices()) == 1 })
	n := h.recorder.Notices()[0]
	if n.Type != protocol.TypeSessionUnbound || n.SessionID != "s1" || n.Owner == nil || n.Owner.GroupID != "team" || n.Owner.UserID != "" {
		t.Errorf("notice = %+v owner %+v", n, n.Owner)
	}

	if res := h.bridge.Unbind(ctx, key, true); res.Code != CodeNotBound {
		t.Errorf("second Unbind() = %v", res.Code)
	}
	if sent, err := h.bridge.SendSnapshotIfNeeded(ctx, key); sent || !errors.Is(err, ErrNotBound) {
		t.Errorf("SendSnapshotIfNeeded(unbound) = %v, %v", sent, err)
	}
	if live, retired := h.bridge.locks.sizes(); live != 0 || retired != 1 {
		t.Errorf("locks live=%d retired=%d", live, retired)
	}
}

func TestUnbindAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.bind(t, "s1")
	h.bind(t, "s2")

	if res := h.bridge.UnbindAll(ctx, "s1", false); !res.OK() || res.Message != "unbound 1" {
		t.Errorf("UnbindAll() = %+v", res)
	}
	if infos := h.bridge.Bindings(); len(infos) != 1 || infos[0].SessionID != "s2" {
		t.Errorf("Bindings() = %+v", infos)
	}
	if res := h.bridge.UnbindAll(ctx, "s1", false); res.Code != CodeNotBound {
		t.Errorf("UnbindAll(empty) = %v", res.Code)
	}
	time.Sleep(20 * time.Millisecond)
	if len(h.recorder.Notices()) != 0 {
		t.Error("notice sent without notify")
	}
}

func TestSessionClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, "s1")
	h.bind(t, "s2")

	h.bridge.SessionClosed("s1", alice)

	if infos := h.bridge.Bindings(); len(infos) != 1 || infos[0].SessionID != "s2" {
		t.Errorf("Bindings() = %+v", infos)
	}
	waitFor(t, "closed notice", func() bool { return len(h.recorder.Notices()) == 1 })
	if n := h.recorder.Notices()[0]; n.Type != protocol.TypeSessionClosed || n.SessionID != "s1" || n.Owner != nil {
		t.Errorf("notice = %+v", n)
	}
	if !h.bridge.cache.IsClosed("s1") {
		t.Error("session not marked closed")
	}
	if h.bridge.cache.Put(cacheKey{SessionID: "s1", Format: "pdf"}, []byte("late")) {
		t.Error("late conversion cached for closed session")
	}
}

func TestExtensionErrorRemovesBindings(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, "s1")
	h.bind(t, "s2")

	h.bridge.onExtensionError(extension.ErrorEvent{ExtensionID: "viewer", Err: extension.ErrExtensionFailed})

	if n := len(h.bridge.Bindings()); n != 0 {
		t.Errorf("%d bindings survived the extension error", n)
	}
}

func TestRetryPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := h.bind(t, "s1")

	// Within the frame interval: deferred.
	if sent, err := h.bridge.SendSnapshotIfNeeded(ctx, key); sent || err != nil {
		t.Fatalf("SendSnapshotIfNeeded() = %v, %v", sent, err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := h.bridge.RetryPending(ctx); n != 1 {
		t.Errorf("RetryPending() = %d, want 1", n)
	}
	if h.bridge.Bindings()[0].NeedsSend {
		t.Error("binding still flagged after retry")
	}
	if n := h.bridge.RetryPending(ctx); n != 0 {
		t.Errorf("RetryPending() with nothing flagged = %d", n)
	}

	h.bridge.sweeping.Store(true)
	h.bridge.markNeedsSend(key)
	time.Sleep(150 * time.Millisecond)
	if n := h.bridge.RetryPending(ctx); n != 0 {
		t.Errorf("overlapping RetryPending() = %d, want 0", n)
	}
	h.bridge.sweeping.Store(false)
}

func TestRetryServiceStops(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.RetryInterval = 10 * time.Millisecond })
	svc := NewRetryService(h.bridge)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve() did not stop")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, nil)
	h.bind(t, "s1")

	if err := h.bridge.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if res := h.bridge.Bind(context.Background(), "s2", "viewer", "pdf", nil, alice); res.Code != CodeClosed {
		t.Errorf("Bind() after Close = %v", res.Code)
	}
	if live, retired := h.bridge.locks.sizes(); live+retired != 0 {
		t.Errorf("locks not drained: live=%d retired=%d", live, retired)
	}
	h.bridge.SessionModified("s1", alice)
	if h.bridge.debounce.IsPending("s1") {
		t.Error("modification scheduled after Close")
	}
}

func TestCloseWaitsForAcceptedTasks(t *testing.T) {
	h := newHarness(t, nil)

	var accepted, finished atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if h.bridge.goTask("spin", func(context.Context) { finished.Add(1) }) {
					accepted.Add(1)
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := h.bridge.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := finished.Load()
	close(stop)
	wg.Wait()

	if got := accepted.Load(); got != done {
		t.Errorf("Close returned with %d of %d tasks finished", done, got)
	}
	ran := false
	if h.bridge.goTask("late", func(context.Context) { ran = true }) {
		t.Error("goTask accepted work after Close")
	}
	if ran {
		t.Error("task ran after Close")
	}
}
