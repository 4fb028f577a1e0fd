package bridge

import (
	"context"
	"time"
)

// RetryPending resends every binding flagged as needing a send. The sweep
// is bounded by RetrySweepTimeout, and a call while another sweep runs
// returns immediately. It returns the number of snapshots sent.
func (b *Bridge) RetryPending(ctx context.Context) int {
	if b.closed.Load() || !b.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer b.sweeping.Store(false)

	ctx, cancel := context.WithTimeout(ctx, b.settings.RetrySweepTimeout)
	defer cancel()

	var keys []Key
	b.mu.RLock()
	for k, bd := range b.bindings {
		if bd.needsSend {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()

	sent := 0
	for i, k := range keys {
		if ctx.Err() != nil {
			b.logger.Warn().Int("remaining", len(keys)-i).Msg("retry sweep timed out")
			break
		}
		done, err := b.SendSnapshotIfNeeded(ctx, k)
		if err != nil {
			b.logger.Debug().Err(err).Str("binding", k.String()).Msg("retry failed")
		}
		if done {
			sent++
		}
	}
	return sent
}

// RetryService runs RetryPending every RetryInterval.
type RetryService struct {
	bridge   *Bridge
	interval time.Duration
}

// NewRetryService creates the retry loop service.
func NewRetryService(b *Bridge) *RetryService {
	return &RetryService{bridge: b, interval: b.settings.RetryInterval}
}

// Serve implements suture.Service.
func (s *RetryService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.bridge.RetryPending(ctx)
		}
	}
}

// String implements fmt.Stringer.
func (s *RetryService) String() string { return "bridge-retry" }
