// Package enginerr defines the error taxonomy shared by every layer of the
// bridge. Each error carries a stable machine-readable Kind and an optional
// remediation hint for user-facing surfaces.
//
// Errors match by kind under errors.Is:
//
//	if errors.Is(err, enginerr.ErrCancelled) { ... }
package enginerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSecurity   Kind = "security"
	KindNetwork    Kind = "network"
	KindAborted    Kind = "aborted"
	KindCancelled  Kind = "cancelled"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
	KindNotReady   Kind = "not_ready"
	KindEngine     Kind = "engine"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrSecurity   = &Error{Kind: KindSecurity}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrAborted    = &Error{Kind: KindAborted}
	ErrCancelled  = &Error{Kind: KindCancelled}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrInternal   = &Error{Kind: KindInternal}
	ErrNotReady   = &Error{Kind: KindNotReady}
	ErrEngine     = &Error{Kind: KindEngine}
)

var defaultHints = map[Kind]string{
	KindSecurity: "check the resource integrity hash and the engine endpoint origin",
	KindNetwork:  "check connectivity to the resource host and retry",
	KindTimeout:  "the engine did not answer in time; reload it",
	KindNotReady: "load the engine before searching",
}

// Error is the structured error type used across the bridge.
type Error struct {
	Kind     Kind
	Op       string
	EngineID string
	Message  string
	Hint     string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + " " + prefix
	}
	if e.EngineID != "" {
		prefix = "[" + e.EngineID + "] " + prefix
	}
	return prefix + ": " + msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Remediation returns the hint, falling back to a per-kind default.
func (e *Error) Remediation() string {
	if e.Hint != "" {
		return e.Hint
	}
	return defaultHints[e.Kind]
}

// WithHint sets the remediation hint and returns e for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithEngine tags the error with an engine id and returns e for chaining.
func (e *Error) WithEngine(id string) *Error {
	e.EngineID = id
	return e
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Validation creates a ValidationError.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// Security creates a SecurityError.
func Security(op, format string, args ...any) *Error {
	return New(KindSecurity, op, format, args...)
}

// Network creates a NetworkError around cause.
func Network(op string, cause error) *Error {
	return Wrap(KindNetwork, op, cause)
}

// Internal creates an InternalError.
func Internal(op, format string, args ...any) *Error {
	return New(KindInternal, op, format, args...)
}

// KindOf returns the kind of err, or "" when err carries no kind.
// Context errors map to timeout and aborted.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindAborted
	}
	return ""
}

// IsControl reports whether err is a routine control signal (a superseded or
// user-stopped task) rather than a failure.
func IsControl(err error) bool {
	k := KindOf(err)
	return k == KindAborted || k == KindCancelled
}

// Normalize converts any error into an *Error. Existing *Error values keep
// their kind; context errors become timeout/aborted; everything else is
// internal. The op and engine id are filled in when missing.
func Normalize(op, engineID string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		out := *e
		if out.Op == "" {
			out.Op = op
		}
		if out.EngineID == "" {
			out.EngineID = engineID
		}
		return &out
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindInternal
	}
	return &Error{Kind: kind, Op: op, EngineID: engineID, Err: err}
}
