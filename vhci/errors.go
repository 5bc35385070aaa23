package vhci

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted means no submission slot was free within the timeout.
	ErrResourceExhausted = errors.New("submission queue exhausted")
	// ErrTimeout means no response arrived before the deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrDesync means host and device disagree on which command is outstanding.
	ErrDesync = errors.New("protocol desync")
	// ErrUnexpectedMessage is logged for notifications no request can consume.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrAborted is delivered to waiters when a queue is torn down or flushed.
	ErrAborted = errors.New("aborted")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrIO is the giveback error of a control transfer with a failed status.
	ErrIO = errors.New("i/o error")
	// ErrUnexpectedState means the device did not confirm a requested endpoint state.
	ErrUnexpectedState = errors.New("unexpected endpoint state")
	// ErrURBNotPending is returned when cancelling a request that already completed.
	ErrURBNotPending = errors.New("urb not pending")
	// ErrOutboundResume marks an outbound transfer interrupted by a pause.
	// Re-submitting partially sent OUT data after resume is not supported.
	ErrOutboundResume = errors.New("outbound transfer cannot be resumed")
)

// StatusError reports a command the device answered with a non-success status.
type StatusError struct {
	Cmd    uint16
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %#x rejected: %s", e.Cmd, e.Status)
}

// Is makes an abort status match ErrAborted.
func (e *StatusError) Is(target error) bool {
	return target == ErrAborted && e.Status == StatusAbort
}

// StatusOf extracts the device status from err, or StatusNone.
func StatusOf(err error) Status {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusNone
}
