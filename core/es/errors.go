package es

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStreamNotFound    = fmt.Errorf("stream %w", ErrNotFound)
	ErrAggregateNotFound = fmt.Errorf("aggregate %w", ErrNotFound)

	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrVersionRange         = errors.New("version out of range")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrProtectedStream      = errors.New("protected stream")
	ErrIO                   = errors.New("i/o failure")
	ErrStoreClosed          = errors.New("store closed")
	ErrSubscriptionOverflow = errors.New("subscription queue overflow")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrNoEvents             = fmt.Errorf("%w: no events", ErrInvalidArgument)
)

// ConflictError is returned when the expected version of a write does not
// match the current version of the stream.
type ConflictError struct {
	Stream   string
	Expected ExpectedVersion
	// Actual is the stream version at the time of the write, -1 if the
	// stream did not exist.
	Actual int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s: stream %q expected version %s, actual %d",
		ErrConcurrencyConflict, e.Stream, e.Expected, e.Actual,
	)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// VersionRangeError is returned when an aggregate is requested at a version
// the stream has not reached.
type VersionRangeError struct {
	Stream    string
	Requested int
	Available int
}

func (e *VersionRangeError) Error() string {
	return fmt.Sprintf(
		"%s: stream %q requested %d events, %d available",
		ErrVersionRange, e.Stream, e.Requested, e.Available,
	)
}

func (e *VersionRangeError) Unwrap() error { return ErrVersionRange }

// IOError wraps a failure of the persistence backend.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %s: %v", ErrIO, e.Op, e.Err) }

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
