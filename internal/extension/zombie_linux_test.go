//go:build linux

package extension

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dshills/docbridge/internal/exttest"
	"github.com/dshills/docbridge/internal/process"
)

func TestCheckProcess(t *testing.T) {
	f := newFixture(t, exttest.Behavior{}, nil)
	ctx := context.Background()
	cfg := process.ZombieConfig{GracePeriod: time.Hour, SampleWindow: 10 * time.Millisecond}

	if f.inst.CheckProcess(ctx, cfg) {
		t.Error("CheckProcess() flagged an instance that never started")
	}
	if !f.inst.EnsureStarted(ctx) {
		t.Fatal("EnsureStarted() = false")
	}
	if f.inst.CheckProcess(ctx, cfg) {
		t.Error("CheckProcess() flagged a child inside its grace period")
	}

	// The fake handle's pid has no OS process behind it.
	pid := f.spawner.Last().PID()
	if err := unix.Kill(pid, 0); err != unix.ESRCH {
		t.Skipf("pid %d exists on this host", pid)
	}
	cfg.GracePeriod = 0
	if !f.inst.CheckProcess(ctx, cfg) {
		t.Fatal("CheckProcess() missed an inaccessible process")
	}
	if got := f.inst.State(); got != StateCrashed {
		t.Errorf("State() = %v, want crashed", got)
	}
}
