package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSnapshotNotFound is returned by a snapshot cache with no entry for a key.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrEventNotFound is returned when no event of the requested type exists.
	ErrEventNotFound = errors.New("event not found")

	// ErrUnsupportedQuery is returned when an adapter receives a query type it cannot execute.
	ErrUnsupportedQuery = errors.New("unsupported store query")

	// ErrInvalidEventType is returned for event types that cannot be routed.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrInvalidPayload is returned when a payload fails its validation rules.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrIO marks transport failures of the log, cache or bus.
	ErrIO = errors.New("i/o failure")

	// ErrDecode marks payloads that do not parse against their declared type.
	ErrDecode = errors.New("decode failure")

	// ErrReplayAborted marks a replay that stopped on a publish failure.
	ErrReplayAborted = errors.New("replay aborted")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// IOError wraps a failure of an external collaborator.
type IOError struct {
	Op  string
	Err error
}

// NewIOError wraps err, or returns nil when err is nil.
func NewIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// DecodeError reports a stored or delivered payload that failed to parse.
type DecodeError struct {
	Type EventType
	ID   uuid.UUID
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s event %s: %v", e.Type, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// ReplayAbortError reports a replay that stopped after Published envelopes.
type ReplayAbortError struct {
	Type      EventType
	Published int
	Err       error
}

func (e *ReplayAbortError) Error() string {
	return fmt.Sprintf("replay of %s aborted after %d events: %v", e.Type, e.Published, e.Err)
}

func (e *ReplayAbortError) Unwrap() error {
	return e.Err
}

func (e *ReplayAbortError) Is(target error) bool {
	return target == ErrReplayAborted
}
