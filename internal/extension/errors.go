package extension

import (
	"errors"
	"fmt"
)

// Standard errors returned by the extension package.
var (
	// ErrUnknownExtension indicates no definition exists for an id.
	ErrUnknownExtension = errors.New("unknown extension")

	// ErrUnavailable indicates a definition that failed validation or
	// initialization.
	ErrUnavailable = errors.New("extension unavailable")

	// ErrNotRunning indicates the extension has no live process.
	ErrNotRunning = errors.New("extension not running")

	// ErrInvalidState indicates an operation not valid in the current state.
	ErrInvalidState = errors.New("invalid extension state")

	// ErrInvalidHandshake indicates an initialize_response without name or
	// version.
	ErrInvalidHandshake = errors.New("invalid handshake metadata")

	// ErrHandshakeTimeout indicates no initialize_response arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrProcessReplaced indicates the process changed while a send was
	// in progress.
	ErrProcessReplaced = errors.New("extension process replaced")

	// ErrStreamClosed indicates the extension's stdout ended.
	ErrStreamClosed = errors.New("extension output closed")

	// ErrWriteTimeout indicates a stdin write that did not finish in time.
	ErrWriteTimeout = errors.New("stdin write timed out")

	// ErrHeartbeatTimeout indicates too many unanswered heartbeats.
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")

	// ErrExtensionFailed indicates the extension is in the error state and
	// must be recovered explicitly.
	ErrExtensionFailed = errors.New("extension failed")

	// ErrRestartInFlight denies recovery while a restart task runs.
	ErrRestartInFlight = errors.New("restart already in progress")

	// ErrRecoveryCooldown denies recovery before the cooldown elapsed.
	ErrRecoveryCooldown = errors.New("error recovery cooldown active")

	// ErrNotInError denies recovery of an extension that has not failed.
	ErrNotInError = errors.New("extension is not in the error state")

	// ErrRegistryClosed indicates use of a closed registry.
	ErrRegistryClosed = errors.New("extension registry closed")

	// ErrInvalidDefinition indicates a manifest that parsed but is unusable.
	ErrInvalidDefinition = errors.New("invalid extension definition")
)

// Error is an error tied to one extension and operation.
type Error struct {
	ExtensionID string
	Op          string
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("extension %s: %s: %v", e.ExtensionID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(id, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) && ee.ExtensionID == id {
		return err
	}
	return &Error{ExtensionID: id, Op: op, Err: err}
}
