package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dshills/docbridge/internal/protocol"
)

// SessionModified records a modification of sessionID. Bursts are
// debounced: the session's bindings are sent once DebounceDelay has passed
// without a further modification.
func (b *Bridge) SessionModified(sessionID string, requestor protocol.Identity) {
	if b.closed.Load() || !b.hasBindings(sessionID) {
		return
	}
	b.logger.Debug().Str("session", sessionID).Str("user", requestor.UserID).Msg("session modified")
	b.debounce.Call(sessionID)
}

func (b *Bridge) fireModified(sessionID string) {
	if b.closed.Load() {
		return
	}
	b.goTask("modified", func(ctx context.Context) {
		b.OnSessionModified(ctx, sessionID)
	})
}

// OnSessionModified drops the session's cached conversions and sends
// every binding of the session. It returns the number of snapshots sent.
func (b *Bridge) OnSessionModified(ctx context.Context, sessionID string) int {
	b.cache.InvalidateSession(sessionID)

	var keys []Key
	b.mu.RLock()
	for k := range b.bindings {
		if k.SessionID == sessionID {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()

	var sent atomic.Int32
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			done, err := b.SendSnapshotIfNeeded(ctx, k)
			if err != nil {
				b.logger.Warn().Err(err).Str("binding", k.String()).Msg("snapshot not sent")
			}
			if done {
				sent.Add(1)
			}
		}(k)
	}
	wg.Wait()
	return int(sent.Load())
}

// SessionClosed removes the session's bindings immediately and tells the
// detached extensions in the background. Conversions of the session that
// finish afterwards are not cached.
func (b *Bridge) SessionClosed(sessionID string, owner protocol.Identity) {
	b.debounce.Cancel(sessionID)
	b.cache.MarkClosed(sessionID)
	removed := b.removeWhere(func(k Key) bool { return k.SessionID == sessionID })
	for _, bd := range removed {
		b.notify(protocol.TypeSessionClosed, bd.key, owner)
	}
	if len(removed) > 0 {
		b.logger.Info().Str("session", sessionID).Int("bindings", len(removed)).Msg("session closed")
	}
}

func (b *Bridge) hasBindings(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k := range b.bindings {
		if k.SessionID == sessionID {
			return true
		}
	}
	return false
}
