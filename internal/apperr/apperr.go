// Package apperr defines the error kinds shared by the scheduling core.
//
// Every error returned by a mutating operation carries exactly one kind so
// callers can decide between retrying, re-fetching and reporting:
//
//	if errors.Is(err, apperr.ErrConflictState) { /* re-fetch, someone else won */ }
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflictState       = errors.New("conflict state changed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPersistence         = errors.New("persistence failed")
)

// Error annotates one of the sentinel kinds with the failing operation.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if s != "" {
		s += ": "
	}
	if e.Msg != "" {
		s += e.Msg
	} else {
		s += e.Kind.Error()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is reports a match against the kind so errors.Is works with the sentinels.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind error, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func Validation(op, format string, args ...any) error {
	return newErr(ErrValidation, op, nil, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newErr(ErrNotFound, op, nil, format, args...)
}

func ConflictState(op, format string, args ...any) error {
	return newErr(ErrConflictState, op, nil, format, args...)
}

func Upstream(op string, cause error) error {
	return newErr(ErrUpstreamUnavailable, op, cause, "advisory service unavailable")
}

func Persistence(op string, cause error) error {
	return newErr(ErrPersistence, op, cause, "store write failed")
}

// KindOf returns the sentinel kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrConflictState, ErrUpstreamUnavailable, ErrPersistence} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
