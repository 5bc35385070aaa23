package vhci

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/vhcibridge/internal/log"
	"github.com/Alia5/vhcibridge/ring"
)

// EventHandler consumes one decoded event. It runs in completion context and
// must not block indefinitely.
type EventHandler func(q *EventQueue, msg Message)

// EventQueue keeps EventPendingCount receive buffers posted on a
// from-device ring and dispatches every message the device writes into them.
type EventQueue struct {
	name    string
	rings   ring.Provider
	sq      ring.SubmissionQueue
	buf     ring.Buffer
	handler EventHandler
	logger  *slog.Logger

	mu sync.Mutex
	// receive buffers owed to the device after a failed re-post
	owed int
}

// NewEventQueue creates the ring and posts the initial receive buffers.
func NewEventQueue(rings ring.Provider, name string, handler EventHandler, logger *slog.Logger) (*EventQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &EventQueue{name: name, rings: rings, handler: handler, logger: logger}
	buf, err := rings.Alloc(MessageSize * EventQueueDepth)
	if err != nil {
		return nil, fmt.Errorf("event queue %s: alloc: %w", name, err)
	}
	q.buf = buf
	sq, err := rings.CreateSubmissionQueue(name, EventQueueDepth, ring.FromDevice, q.completion)
	if err != nil {
		return nil, fmt.Errorf("event queue %s: %w", name, err)
	}
	q.sq = sq
	q.mu.Lock()
	q.submitPending(EventPendingCount)
	q.mu.Unlock()
	return q, nil
}

// Name returns the ring name.
func (q *EventQueue) Name() string { return q.name }

// Close destroys the ring.
func (q *EventQueue) Close() {
	if q.sq != nil {
		q.rings.DestroySubmissionQueue(q.sq)
	}
}

// submitPending posts count receive buffers plus any owed from an earlier
// underrun. Caller holds q.mu.
func (q *EventQueue) submitPending(count int) {
	count += q.owed
	q.owed = 0
	posted := 0
	for ; posted < count; posted++ {
		if !q.sq.TryReserve() {
			q.owed = count - posted
			q.logger.Error("failed to reserve an event queue submission", "queue", q.name, "owed", q.owed)
			break
		}
		slot := q.sq.Tail()
		q.sq.Append(q.buf.Addr+uint64(slot*MessageSize), MessageSize)
	}
	if posted > 0 {
		q.sq.Submit()
	}
}

func (q *EventQueue) completion(sq ring.SubmissionQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cnt := 0
	for {
		c, ok := sq.NextCompletion()
		if !ok {
			break
		}
		if c.Status == ring.CompletionOK {
			off := uint32(sq.Head() * MessageSize)
			msg := DecodeMessage(q.buf.Data[off : off+MessageSize])
			q.logger.Log(context.Background(), log.LevelTrace, "got event",
				"queue", q.name, "cmd", fmt.Sprintf("%#x", msg.Cmd), "status", fmt.Sprintf("%#x", msg.Status),
				"p1", fmt.Sprintf("%#x", msg.Param1), "p2", fmt.Sprintf("%#x", msg.Param2))
			q.handler(q, msg)
		} else {
			q.logger.Debug("event buffer returned without data", "queue", q.name, "status", c.Status)
		}
		sq.NotifyConsumed()
		cnt++
	}
	q.submitPending(cnt)
}
