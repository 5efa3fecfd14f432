// Package mtsched provides the public API for embedding the
// multithreaded signal scheduler: assembling an Engine from
// EngineParams and driving signals through sendlocal/sendprioa/
// senddelay.
package mtsched

import (
	"errors"
	"fmt"
)

// SchedErrorCode classifies a scheduler Error the way the teacher's
// UblkErrorCode classified a device error, but for the fatal paths
// spec.md section 7 names instead of block-device failures.
type SchedErrorCode string

const (
	ErrCodeOutOfJobBuffer     SchedErrorCode = "out_of_job_buffer"
	ErrCodeJobBufferFull      SchedErrorCode = "job_buffer_full"
	ErrCodeTimeQueueFull      SchedErrorCode = "time_queue_full"
	ErrCodeSignalTooLarge     SchedErrorCode = "signal_too_large"
	ErrCodeUnknownDestination SchedErrorCode = "unknown_destination"
	ErrCodeSendBufferFull     SchedErrorCode = "send_buffer_full"
	ErrCodeTransporterClosed  SchedErrorCode = "transporter_closed"
	ErrCodeCrashAckTimeout    SchedErrorCode = "crash_ack_timeout"
	ErrCodeInvalidParameters  SchedErrorCode = "invalid_parameters"
)

// Error is the scheduler's structured error, generalized from the
// teacher's device-oriented Error: Op names the failing operation,
// ThreadID/QueueID (a JBB index) and GSN identify where in the
// scheduler the failure occurred, and Inner optionally wraps the
// underlying cause.
type Error struct {
	Op       string
	ThreadID uint32
	QueueID  uint32
	GSN      uint16
	Code     SchedErrorCode
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	if e.ThreadID != 0 || e.QueueID != 0 {
		return fmt.Sprintf("mtsched: %s (op=%s thread=%d queue=%d)", e.Msg, e.Op, e.ThreadID, e.QueueID)
	}
	return fmt.Sprintf("mtsched: %s (op=%s)", e.Msg, e.Op)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is reports code equality so errors.Is(err, someSchedErrorCodeSentinel)
// style checks keep working across wrapping, matching the teacher's
// Error.Is contract.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError constructs a bare scheduler error with no thread/queue/GSN
// context.
func NewError(op string, code SchedErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewThreadError constructs an error attributed to a specific thread.
func NewThreadError(op string, threadID uint32, code SchedErrorCode, msg string) *Error {
	return &Error{Op: op, ThreadID: threadID, Code: code, Msg: msg}
}

// NewQueueError constructs an error attributed to a specific thread's
// job buffer queue.
func NewQueueError(op string, threadID, queueID uint32, code SchedErrorCode, msg string) *Error {
	return &Error{Op: op, ThreadID: threadID, QueueID: queueID, Code: code, Msg: msg}
}

// NewSignalError constructs an error attributed to a specific signal.
func NewSignalError(op string, gsn uint16, code SchedErrorCode, msg string) *Error {
	return &Error{Op: op, GSN: gsn, Code: code, Msg: msg}
}

// WrapError wraps inner under op with code ErrCodeInvalidParameters; no
// code is inferred from inner.
func WrapError(op string, inner error) *Error {
	return &Error{Op: op, Code: ErrCodeInvalidParameters, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code SchedErrorCode) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
