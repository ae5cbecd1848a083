// Package errs provides the kinded error type shared by the collector,
// the metrics server and the daemon supervisor. Every error carries a
// Kind so callers can branch with errors.Is without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the condition that produced it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAlreadyRunning Kind = "already_running"
	KindNotRunning     Kind = "not_running"
	KindStartupTimeout Kind = "startup_timeout"
	KindStopTimeout    Kind = "stop_timeout"
	KindBind           Kind = "bind"
	KindIO             Kind = "io"
	KindSerialization  Kind = "serialization"
	KindClosed         Kind = "closed"
	KindConfig         Kind = "config"
	KindDriver         Kind = "driver"
)

// Error is the structured error used throughout chopsticks.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind. A target with
// an empty Kind never matches.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind != "" && e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind from the first *Error in the chain.
// Returns the empty Kind if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
