// Package ring defines the submission/completion queue contract the protocol
// engine consumes, plus a software loopback implementation of it.
//
// A submission queue (SQ) carries fixed-size descriptors (address + length)
// towards the device. Every descriptor is eventually answered by exactly one
// completion record, delivered in submission order. Completions are announced
// through a per-queue callback which runs in the provider's completion
// context and must not block indefinitely.
package ring

import (
	"context"
	"errors"
)

var (
	// ErrExhausted is returned when no submission slot became free in time.
	ErrExhausted = errors.New("no free submission slot")
	// ErrClosed is returned by operations on a destroyed queue or provider.
	ErrClosed = errors.New("ring closed")
	// ErrStale is returned when the device side completes a descriptor that is
	// no longer in flight (it was flushed or the queue was destroyed).
	ErrStale = errors.New("stale descriptor")
)

// Direction of the data moved by a submission queue.
type Direction int

const (
	// ToDevice queues carry host-filled buffers to the device.
	ToDevice Direction = iota
	// FromDevice queues post host buffers the device fills.
	FromDevice
)

func (d Direction) String() string {
	if d == FromDevice {
		return "from-device"
	}
	return "to-device"
}

// CompletionStatus is the device-reported outcome of one descriptor.
type CompletionStatus uint32

const (
	CompletionOK CompletionStatus = iota
	// CompletionAborted marks descriptors dropped by a queue flush.
	CompletionAborted
	CompletionError
)

func (s CompletionStatus) String() string {
	switch s {
	case CompletionOK:
		return "ok"
	case CompletionAborted:
		return "aborted"
	default:
		return "error"
	}
}

// Completion is the record produced for one finished descriptor.
type Completion struct {
	Status   CompletionStatus
	DataSize uint64
}

// SubmissionQueue is the host-facing half of a ring pair.
//
// The usual producer sequence is Reserve, Append, Submit. The consumer side,
// run from the completion callback, loops NextCompletion and releases each
// slot with NotifyConsumed.
type SubmissionQueue interface {
	Name() string
	Depth() int
	Direction() Direction

	// Reserve blocks until a slot is free or ctx is done (ErrExhausted).
	Reserve(ctx context.Context) error
	// TryReserve reserves a slot without waiting.
	TryReserve() bool
	// CancelReservation returns a reserved, unused slot.
	CancelReservation()

	// Head is the slot of the oldest unconsumed descriptor.
	Head() int
	// Tail is the slot the next Append writes to.
	Tail() int
	// Append writes a descriptor into the tail slot and returns that slot.
	// The caller must hold a reservation.
	Append(addr uint64, size uint32) int
	// Submit makes every appended descriptor visible to the device.
	Submit()

	// NextCompletion pops the next completion record, if any.
	NextCompletion() (Completion, bool)
	// NotifyConsumed releases the slot at Head.
	NotifyConsumed()
}

// CompletionFunc is invoked by the provider whenever new completions are
// available on sq.
type CompletionFunc func(sq SubmissionQueue)

// Provider creates and manages submission queues and the DMA memory they
// reference.
type Provider interface {
	CreateSubmissionQueue(name string, depth int, dir Direction, fn CompletionFunc) (SubmissionQueue, error)
	DestroySubmissionQueue(sq SubmissionQueue)
	// FlushSubmissionQueue aborts every descriptor still owned by the device.
	// Each of them completes with CompletionAborted.
	FlushSubmissionQueue(ctx context.Context, sq SubmissionQueue) error
	// Alloc returns device-visible memory.
	Alloc(size int) (Buffer, error)
}
