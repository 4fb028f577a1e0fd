package extension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/docbridge/internal/metrics"
)

// TryRestart restarts a crashed extension. Concurrent calls collapse to
// one. A crash within RapidCrashWindow of its start counts as rapid;
// MaxRapidCrashes consecutive rapid crashes, or an exhausted restart
// budget, move the instance to Error instead. The cooldown is slept
// without holding the lifecycle lock, and the restart is abandoned if the
// instance was stopped or failed meanwhile.
func (i *Instance) TryRestart(ctx context.Context) bool {
	if !i.restarting.CompareAndSwap(false, true) {
		return false
	}
	defer i.restarting.Store(false)

	if !i.prepareRestart() {
		return false
	}

	if cd := i.settings.RestartCooldown; cd > 0 {
		timer := time.NewTimer(cd)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-i.rootCtx.Done():
			timer.Stop()
			return false
		}
	}

	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()

	if i.closed.Load() {
		return false
	}
	if st := i.State(); st != StateCrashed {
		i.logger.Debug().Str("state", st.String()).Msg("restart abandoned")
		return false
	}

	i.logger.Info().Int32("attempt", i.restartAttempts.Load()).Msg("restarting extension")
	if err := i.startAndHandshakeLocked(ctx); err != nil {
		metrics.RecordRestart(i.def.ID, "failed")
		i.logger.Warn().Err(err).Msg("restart failed")
		return false
	}
	metrics.RecordRestart(i.def.ID, "success")
	return true
}

// prepareRestart is the first phase of TryRestart: it updates the crash
// counters, gives up when the limits are reached, and cleans up the dead
// process.
func (i *Instance) prepareRestart() bool {
	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()

	if i.closed.Load() || i.State() != StateCrashed {
		return false
	}

	r := i.currentRun()
	i.stateMu.Lock()
	crashedAt := i.crashedAt
	i.stateMu.Unlock()

	if r != nil {
		uptime := crashedAt.Sub(r.started)
		if uptime >= i.settings.RestartResetWindow {
			i.restartAttempts.Store(0)
		}
		if uptime < i.settings.RapidCrashWindow {
			i.rapidCrashes++
		} else {
			i.rapidCrashes = 0
		}
		i.cleanupRun(r)
	}

	var giveUp error
	switch {
	case i.rapidCrashes >= i.settings.MaxRapidCrashes:
		giveUp = fmt.Errorf("%d rapid crashes within %s", i.rapidCrashes, i.settings.RapidCrashWindow)
	case int(i.restartAttempts.Load()) >= i.settings.MaxRestartAttempts:
		giveUp = fmt.Errorf("restart budget of %d attempts exhausted", i.settings.MaxRestartAttempts)
	}
	if giveUp != nil {
		metrics.RecordRestart(i.def.ID, "gave_up")
		i.logger.Error().Err(giveUp).Msg("extension will not be restarted")
		i.fail(0, wrap(i.def.ID, "restart", errors.Join(ErrExtensionFailed, giveUp)))
		return false
	}

	i.restartAttempts.Add(1)
	return true
}

// TryRecoverFromError starts a failed extension afresh with a cleared
// restart budget. It only acts in the Error state.
func (i *Instance) TryRecoverFromError(ctx context.Context) bool {
	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()

	if i.closed.Load() || i.State() != StateError {
		return false
	}
	if r := i.currentRun(); r != nil {
		i.cleanupRun(r)
	}
	i.restartAttempts.Store(0)
	i.rapidCrashes = 0
	i.sendFailures.Store(0)

	i.logger.Info().Msg("recovering extension from error")
	if err := i.startAndHandshakeLocked(ctx); err != nil {
		i.logger.Warn().Err(err).Msg("recovery failed")
		return false
	}
	return true
}
