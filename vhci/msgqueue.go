package vhci

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/vhcibridge/internal/log"
	"github.com/Alia5/vhcibridge/ring"
)

const (
	// EventQueueDepth is the slot count of message and event rings.
	EventQueueDepth = 0x100
	// EventPendingCount is the number of receive buffers an event queue keeps posted.
	EventPendingCount = 32
)

// MessageQueue sends framed messages to the device over one submission
// queue. It does no correlation; replies arrive on an EventQueue.
type MessageQueue struct {
	name   string
	rings  ring.Provider
	sq     ring.SubmissionQueue
	buf    ring.Buffer
	logger *slog.Logger

	// slot lookup, copy and append must not interleave between writers
	mu sync.Mutex
}

// NewMessageQueue creates a to-device ring and its message storage.
func NewMessageQueue(rings ring.Provider, name string, logger *slog.Logger) (*MessageQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MessageQueue{name: name, rings: rings, logger: logger}
	buf, err := rings.Alloc(MessageSize * EventQueueDepth)
	if err != nil {
		return nil, fmt.Errorf("message queue %s: alloc: %w", name, err)
	}
	q.buf = buf
	sq, err := rings.CreateSubmissionQueue(name, EventQueueDepth, ring.ToDevice, q.completion)
	if err != nil {
		return nil, fmt.Errorf("message queue %s: %w", name, err)
	}
	q.sq = sq
	return q, nil
}

// Name returns the ring name.
func (q *MessageQueue) Name() string { return q.name }

// Reserve waits for a free slot until ctx is done.
func (q *MessageQueue) Reserve(ctx context.Context) error {
	if err := q.sq.Reserve(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return nil
}

// TryReserve reserves a slot without waiting.
func (q *MessageQueue) TryReserve() bool { return q.sq.TryReserve() }

// CancelReservation returns an unused reservation.
func (q *MessageQueue) CancelReservation() { q.sq.CancelReservation() }

// Write copies msg into the next slot and submits it. A slot must have been
// reserved beforehand.
func (q *MessageQueue) Write(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot := q.sq.Tail()
	off := uint32(slot * MessageSize)
	msg.Put(q.buf.Data[off : off+MessageSize])
	q.logger.Log(context.Background(), log.LevelTrace, "send message",
		"queue", q.name, "cmd", fmt.Sprintf("%#x", msg.Cmd), "status", fmt.Sprintf("%#x", msg.Status),
		"p1", fmt.Sprintf("%#x", msg.Param1), "p2", fmt.Sprintf("%#x", msg.Param2))
	q.sq.Append(q.buf.Addr+uint64(off), MessageSize)
	q.sq.Submit()
}

// Send reserves a slot and writes msg.
func (q *MessageQueue) Send(ctx context.Context, msg Message) error {
	if err := q.Reserve(ctx); err != nil {
		return err
	}
	q.Write(msg)
	return nil
}

// Close destroys the ring.
func (q *MessageQueue) Close() {
	if q.sq != nil {
		q.rings.DestroySubmissionQueue(q.sq)
	}
}

func (q *MessageQueue) completion(sq ring.SubmissionQueue) {
	for {
		if _, ok := sq.NextCompletion(); !ok {
			return
		}
		sq.NotifyConsumed()
	}
}
