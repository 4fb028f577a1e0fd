package extension

import "time"

// State is the lifecycle state of an extension instance.
type State int32

const (
	// StateUnloaded means no process exists.
	StateUnloaded State = iota
	// StateStarting means the process is being spawned.
	StateStarting
	// StateInitializing means the process runs and the handshake is pending.
	StateInitializing
	// StateIdle means the extension is ready and has no send in flight.
	StateIdle
	// StateBusy means at least one snapshot send is in flight.
	StateBusy
	// StateCrashed means the process died or stopped responding.
	StateCrashed
	// StateError means the extension failed terminally and needs recovery.
	StateError
	// StateStopping means a shutdown is in progress.
	StateStopping
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateError:
		return "error"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Usable reports whether the extension accepts messages.
func (s State) Usable() bool {
	return s == StateIdle || s == StateBusy
}

// transitions lists the legal target states per source state. Stopping is
// reachable from everywhere.
var transitions = map[State][]State{
	StateUnloaded:     {StateStarting, StateError},
	StateStarting:     {StateInitializing, StateIdle, StateCrashed, StateError},
	StateInitializing: {StateIdle, StateCrashed, StateError},
	StateIdle:         {StateBusy, StateCrashed, StateError},
	StateBusy:         {StateIdle, StateCrashed, StateError},
	StateCrashed:      {StateStarting, StateError},
	StateError:        {StateStarting},
	StateStopping:     {StateUnloaded},
}

func canTransition(from, to State) bool {
	if to == StateStopping {
		return from != StateStopping
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange describes one transition.
type StateChange struct {
	ExtensionID string
	From        State
	To          State
	Generation  uint64
	Reason      string
	At          time.Time
}

// Message is an extension message with no built-in handler.
type Message struct {
	ExtensionID string
	Type        string
	Raw         []byte
}
