package vcs

import (
	"errors"
	"fmt"
)

// Code classifies a Store failure into the closed taxonomy the engine
// package switches on. New codes are never added without updating every
// switch that handles Code exhaustively.
type Code int

const (
	// Unsupported covers operations the underlying VCS doesn't support
	// at all, as opposed to Invalid (the operation is fine, the input
	// is not).
	Unsupported Code = iota
	// NotFound covers missing refs, objects, and blobs.
	NotFound
	// Conflict covers compare-and-swap ref update failures.
	Conflict
	// Invalid covers malformed input: bad hashes, bad paths, empty
	// required fields.
	Invalid
	// Io covers filesystem and object-database failures below the VCS
	// abstraction.
	Io
	// Timeout covers context deadline and network timeouts (push).
	Timeout
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Invalid:
		return "invalid"
	case Io:
		return "io"
	case Timeout:
		return "timeout"
	default:
		return "unsupported"
	}
}

// Error wraps an underlying go-git/filesystem error with a closed Code so
// callers can branch on failure category without depending on go-git's
// own error types.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vcs: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("vcs: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, and Unsupported otherwise. Unsupported, not a boolean ok, is
// the zero value so callers that forget to check still fail closed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unsupported
}

// IsNotFound is a convenience wrapper around CodeOf for the most common
// branch callers need.
func IsNotFound(err error) bool { return CodeOf(err) == NotFound }

// IsConflict is a convenience wrapper around CodeOf for CAS failures.
func IsConflict(err error) bool { return CodeOf(err) == Conflict }
