package host

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/docbridge/internal/bridge"
	"github.com/dshills/docbridge/internal/logging"
)

// SessionWatcher turns file changes into bridge events: a write marks the
// file's session modified, a removal or rename closes it.
type SessionWatcher struct {
	sessions *FileSessions
	bridge   *bridge.Bridge
	logger   zerolog.Logger
}

// NewSessionWatcher creates the watcher service.
func NewSessionWatcher(sessions *FileSessions, b *bridge.Bridge) *SessionWatcher {
	return &SessionWatcher{
		sessions: sessions,
		bridge:   b,
		logger:   logging.Component("session-watch"),
	}
}

// Serve implements suture.Service. Directories of the sessions open when
// it starts are watched.
func (w *SessionWatcher) Serve(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create session watcher: %w", err)
	}
	defer fw.Close()

	dirs := make(map[string]bool)
	for _, p := range w.sessions.Paths() {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("session watcher error")
		}
	}
}

func (w *SessionWatcher) handle(ev fsnotify.Event) {
	id, ok := w.sessions.Lookup(ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if owner, closed := w.sessions.Close(id); closed {
			w.bridge.SessionClosed(id, owner)
		}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		owner, _ := w.sessions.Owner(id)
		w.bridge.SessionModified(id, owner)
	}
}

// String implements fmt.Stringer.
func (w *SessionWatcher) String() string { return "session-watch" }
