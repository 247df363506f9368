package logging

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPayload = errors.New("logship: invalid payload")
	ErrNoData         = errors.New("logship: no data")
	ErrBufferFull     = errors.New("logship: buffer full")
	ErrTransport      = errors.New("logship: transport failure")
	ErrAlreadyRunning = errors.New("logship: consumer already running")
)

// ValidationError describes a payload that was dropped before it reached the
// queue.
type ValidationError struct {
	Reason string
	Value  any
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Err, e.Reason, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(base error, reason string, value any) *ValidationError {
	if base == nil {
		base = ErrInvalidPayload
	}
	return &ValidationError{Reason: reason, Value: value, Err: base}
}

type CapacityExceededError struct {
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%v (capacity %d)", ErrBufferFull, e.Capacity)
}

func (e *CapacityExceededError) Is(target error) bool { return target == ErrBufferFull }

// TransportError wraps a failed transmit. StatusCode is set when the remote
// end answered with a non-2xx HTTP status.
type TransportError struct {
	Op         string
	Target     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// AlreadyRunningError is the only error surfaced to callers: Start was called
// while a previous worker is still alive.
type AlreadyRunningError struct {
	Consumer string
	State    State
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%v: %s is %s", ErrAlreadyRunning, e.Consumer, e.State)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }
