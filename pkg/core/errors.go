package core

import (
	"errors"
	"fmt"
)

// FaultKind categorizes pipeline faults.
type FaultKind string

const (
	// FaultDevice covers audio or screen capture unavailability. Recoverable;
	// the owning component retries with backoff and the session degrades
	// rather than terminating.
	FaultDevice FaultKind = "device_fault"
	// FaultNetwork covers an unreachable AI endpoint or a stream broken
	// mid-turn. Retried a bounded number of times, then the turn is marked
	// failed.
	FaultNetwork FaultKind = "network_fault"
	// FaultProtocol covers unexpected or malformed endpoint data, such as a
	// missing ready acknowledgment. Fatal to session start.
	FaultProtocol FaultKind = "protocol_fault"
	// FaultStorage covers session store write failures. Retried; the session
	// continues in a degraded-recording state.
	FaultStorage FaultKind = "storage_fault"
	// FaultSessionClosed marks an operation attempted after finalize. Always
	// reported, never silently ignored.
	FaultSessionClosed FaultKind = "session_closed"
)

// Error is the canonical pipeline fault. It carries the fault kind, the
// operation that failed, and the underlying cause.
type Error struct {
	Kind    FaultKind `json:"kind"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two pipeline errors by fault kind. This lets callers test
// errors.Is(err, core.ErrSessionClosed) against wrapped instances.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// IsRetryable reports whether the fault is worth retrying. Protocol faults
// and writes after finalize never are.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case FaultDevice, FaultNetwork, FaultStorage:
		return true
	default:
		return false
	}
}

// NewDeviceFault creates a recoverable capture-device fault.
func NewDeviceFault(op, message string, err error) *Error {
	return &Error{Kind: FaultDevice, Op: op, Message: message, Err: err}
}

// NewNetworkFault creates a transient endpoint connectivity fault.
func NewNetworkFault(op, message string, err error) *Error {
	return &Error{Kind: FaultNetwork, Op: op, Message: message, Err: err}
}

// NewProtocolFault creates a fatal endpoint protocol fault.
func NewProtocolFault(op, message string, err error) *Error {
	return &Error{Kind: FaultProtocol, Op: op, Message: message, Err: err}
}

// NewStorageFault creates a session store write fault.
func NewStorageFault(op, message string, err error) *Error {
	return &Error{Kind: FaultStorage, Op: op, Message: message, Err: err}
}

// ErrSessionClosed is returned for any append or send attempted after the
// session has been finalized.
var ErrSessionClosed = &Error{Kind: FaultSessionClosed, Message: "session is finalized"}

// ErrRecordingDegraded signals that an interaction was accepted but could not
// be written to durable storage yet. The recorder retains it and retries once
// storage recovers; the pipeline keeps running.
var ErrRecordingDegraded = &Error{Kind: FaultStorage, Message: "recording degraded; interaction retained for retry"}
