package process

import (
	"context"
	"slices"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// ZombieConfig tunes the Suspicious heuristic.
type ZombieConfig struct {
	// GracePeriod exempts children younger than this.
	GracePeriod time.Duration
	// SampleWindow is the interval between the two CPU time samples.
	SampleWindow time.Duration
}

// DefaultZombieConfig returns the standard heuristic settings.
func DefaultZombieConfig() ZombieConfig {
	return ZombieConfig{
		GracePeriod:  10 * time.Second,
		SampleWindow: 500 * time.Millisecond,
	}
}

// Suspicion is the outcome of a zombie check.
type Suspicion struct {
	Suspicious bool
	Reason     string
}

// Suspicious reports whether a child that has not exited looks dead: its
// OS handle or status cannot be read, the kernel reports it as a zombie,
// or it has no threads and its CPU time does not advance over the sample
// window. Children younger than the grace period are never suspicious.
func Suspicious(ctx context.Context, h Handle, cfg ZombieConfig) Suspicion {
	if h.HasExited() {
		return Suspicion{}
	}
	if time.Since(h.StartedAt()) < cfg.GracePeriod {
		return Suspicion{}
	}

	p, err := gproc.NewProcessWithContext(ctx, int32(h.PID()))
	if err != nil {
		if h.HasExited() {
			return Suspicion{}
		}
		return Suspicion{Suspicious: true, Reason: "process handle inaccessible: " + err.Error()}
	}

	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return Suspicion{Suspicious: true, Reason: "process status inaccessible: " + err.Error()}
	}
	if slices.Contains(status, gproc.Zombie) {
		return Suspicion{Suspicious: true, Reason: "process is a zombie"}
	}

	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		return Suspicion{Suspicious: true, Reason: "thread access failed: " + err.Error()}
	}
	if threads > 0 {
		return Suspicion{}
	}

	before, err := p.TimesWithContext(ctx)
	if err != nil {
		return Suspicion{Suspicious: true, Reason: "cpu times inaccessible: " + err.Error()}
	}
	select {
	case <-ctx.Done():
		return Suspicion{}
	case <-time.After(cfg.SampleWindow):
	}
	after, err := p.TimesWithContext(ctx)
	if err != nil {
		return Suspicion{Suspicious: true, Reason: "cpu times inaccessible: " + err.Error()}
	}

	if after.User+after.System <= before.User+before.System {
		return Suspicion{Suspicious: true, Reason: "no threads and cpu time not advancing"}
	}
	return Suspicion{}
}
