package snapshot

import (
	"context"
	"time"
)

// SweepService runs Ledger.Sweep on an interval as a supervised service.
type SweepService struct {
	ledger   *Ledger
	interval time.Duration
	name     string
}

// NewSweepService creates a sweep service. A non-positive interval uses 10s.
func NewSweepService(l *Ledger, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SweepService{
		ledger:   l,
		interval: interval,
		name:     "snapshot-ledger-sweep",
	}
}

// Serve implements suture.Service. It blocks until ctx is canceled.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := s.ledger.Sweep(now); n > 0 {
				s.ledger.logger.Debug().Int("expired", n).Msg("ledger sweep released expired snapshots")
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *SweepService) String() string {
	return s.name
}
