package store

import (
	"errors"
	"fmt"
)

// Kind classifies the failures the core engine can report. The protocol
// layer maps kinds onto wire-level status and error codes.
type Kind int

const (
	// KindNotFound reports an absent object, bucket, or upload.
	KindNotFound Kind = iota

	// KindRangeNotSatisfiable reports a byte range whose start lies at or
	// beyond the object's content length.
	KindRangeNotSatisfiable

	// KindInvalidArgument reports a malformed input: a bad part number, a
	// zero key limit, an oversized batch, an invalid object key.
	KindInvalidArgument

	// KindInvalidPart reports a completion request referencing a part that
	// was never uploaded or whose entity tag does not match.
	KindInvalidPart

	// KindInvalidUploadState reports an operation against an upload that
	// has already completed or been aborted.
	KindInvalidUploadState

	// KindIOFailure reports an underlying storage medium error. It is
	// always surfaced to the caller, never retried silently.
	KindIOFailure
)

// Error is the typed error returned by the core engine.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapIOFailure(op string, err error) *Error {
	return &Error{Kind: KindIOFailure, Op: op, Message: "storage medium error", Err: err}
}

// ErrorKind extracts the Kind from err, returning ok=false when err was
// not produced by this package.
func ErrorKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := ErrorKind(err)
	return ok && k == kind
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
