package bridge

import "errors"

// Errors returned by send and event operations.
var (
	ErrClosed           = errors.New("bridge closed")
	ErrNotBound         = errors.New("binding not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrUnknownExtension = errors.New("extension not found")
)

// Code classifies the outcome of a binding operation.
type Code int

// Binding result codes.
const (
	CodeOK Code = iota
	CodeSessionNotFound
	CodeExtensionNotFound
	CodeExtensionUnavailable
	CodeFormatNotSupported
	CodeAlreadyBound
	CodeNotBound
	CodeTooManyBindings
	CodeClosed
)

var codeNames = map[Code]string{
	CodeOK:                   "ok",
	CodeSessionNotFound:      "session_not_found",
	CodeExtensionNotFound:    "extension_not_found",
	CodeExtensionUnavailable: "extension_unavailable",
	CodeFormatNotSupported:   "format_not_supported",
	CodeAlreadyBound:         "already_bound",
	CodeNotBound:             "not_bound",
	CodeTooManyBindings:      "too_many_bindings",
	CodeClosed:               "closed",
}

// String returns the code's wire name.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

// Result is the outcome of a binding operation.
type Result struct {
	Code    Code
	Message string
}

// OK reports success.
func (r Result) OK() bool { return r.Code == CodeOK }

func ok(msg string) Result { return Result{Code: CodeOK, Message: msg} }

func failed(code Code, msg string) Result { return Result{Code: code, Message: msg} }
