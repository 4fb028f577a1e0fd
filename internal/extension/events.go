package extension

import (
	"slices"
	"time"
)

// ErrorEvent reports an extension that reached the error state.
type ErrorEvent struct {
	ExtensionID string
	Err         error
	At          time.Time
}

// Status is a point-in-time view of one extension.
type Status struct {
	ID               string
	Name             string
	Version          string
	Available        bool
	Reason           string
	State            State
	PID              int
	Generation       uint64
	RestartAttempts  int
	MissedHeartbeats int
	LastActivity     time.Time
	TransportMode    string
	FailedAt         time.Time
	LastError        string
}

func (r *Registry) emitError(ev ErrorEvent) {
	r.mu.RLock()
	handlers := slices.Clone(r.errorHandlers)
	r.mu.RUnlock()
	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Str("extension", ev.ExtensionID).Msg("error handler panicked")
				}
			}()
			fn(ev)
		}()
	}
}

func (r *Registry) emitState(ch StateChange) {
	r.mu.RLock()
	handlers := slices.Clone(r.stateHandlers)
	r.mu.RUnlock()
	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Str("extension", ch.ExtensionID).Msg("state handler panicked")
				}
			}()
			fn(ch)
		}()
	}
}
