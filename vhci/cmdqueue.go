package vhci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CancelTimeout bounds the cancellation sub-request issued after a timeout.
const CancelTimeout = 1000 * time.Millisecond

type pendingCommand struct {
	done    chan struct{}
	res     Message
	aborted bool
}

// CommandQueue runs synchronous request/response cycles over a MessageQueue.
// Only one command is outstanding at a time; replies are fed in through
// DeliverCompletion by whoever reads the matching event queue.
type CommandQueue struct {
	mq     *MessageQueue
	logger *slog.Logger

	// held for a whole request/response cycle, cancellation included
	mu sync.Mutex

	completionMu sync.Mutex
	pending      *pendingCommand
	closed       bool

	// cancelled by Close so a cycle blocked on a full ring lets go of mu
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

// NewCommandQueue wraps mq.
func NewCommandQueue(mq *MessageQueue, logger *slog.Logger) *CommandQueue {
	if logger == nil {
		logger = slog.Default()
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &CommandQueue{mq: mq, logger: logger, closeCtx: closeCtx, closeCancel: closeCancel}
}

// Execute sends req and waits up to timeout for its reply.
//
// On timeout a cancellation of req is issued. If the device confirms the
// cancellation the result is ErrTimeout; if its reply lacks the cancel flag
// the original command finished after all and that reply is returned.
func (q *CommandQueue) Execute(ctx context.Context, req Message, timeout time.Duration) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.execute(ctx, req, timeout)
}

func (q *CommandQueue) execute(ctx context.Context, req Message, timeout time.Duration) (Message, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(q.closeCtx, cancel)
	defer stop()

	if err := q.mq.Reserve(wctx); err != nil {
		if ctx.Err() != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		if q.closeCtx.Err() != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrAborted, ErrClosed)
		}
		return Message{}, err
	}

	pc := &pendingCommand{done: make(chan struct{})}
	q.completionMu.Lock()
	if q.closed {
		q.completionMu.Unlock()
		q.mq.CancelReservation()
		return Message{}, ErrClosed
	}
	q.pending = pc
	q.completionMu.Unlock()

	q.mq.Write(req)

	select {
	case <-pc.done:
	case <-wctx.Done():
		q.completionMu.Lock()
		if q.pending == pc {
			q.pending = nil
		}
		q.completionMu.Unlock()

		select {
		case <-pc.done:
			// the reply won the race against the deadline
		default:
			if ctx.Err() != nil {
				return Message{}, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			}
			if q.closeCtx.Err() != nil {
				return Message{}, fmt.Errorf("%w: %w", ErrAborted, ErrClosed)
			}
			if req.Cmd&CmdCancel == 0 {
				return q.cancel(ctx, req)
			}
			return Message{}, ErrTimeout
		}
	}

	if pc.aborted {
		return Message{}, ErrAborted
	}
	res := pc.res
	if res.Cmd&^CmdTagMask != req.Cmd&^CmdCancel {
		q.logger.Error("possible desync, command reply mismatch",
			"req", fmt.Sprintf("%#x", req.Cmd), "res", fmt.Sprintf("%#x", res.Cmd))
		return res, fmt.Errorf("%w: reply %#x to request %#x", ErrDesync, res.Cmd, req.Cmd)
	}
	if Status(res.Status) == StatusSuccess {
		return res, nil
	}
	return res, &StatusError{Cmd: req.Cmd, Status: Status(res.Status)}
}

func (q *CommandQueue) cancel(ctx context.Context, req Message) (Message, error) {
	creq := req
	creq.Cmd |= CmdCancel
	res, err := q.execute(ctx, creq, CancelTimeout)
	if errors.Is(err, ErrTimeout) {
		q.logger.Error("possible desync, cancel timeout", "cmd", fmt.Sprintf("%#x", req.Cmd))
		return res, fmt.Errorf("%w: cancel of %#x: %w", ErrDesync, req.Cmd, ErrTimeout)
	}
	if errors.Is(err, ErrDesync) {
		return res, err
	}
	if res.Cmd&CmdCancel == 0 {
		// the cancellation did not get through; the reply belongs to req
		return res, err
	}
	return res, ErrTimeout
}

// DeliverCompletion hands a reply to the waiting command. Replies with no
// waiter are dropped.
func (q *CommandQueue) DeliverCompletion(msg Message) {
	q.completionMu.Lock()
	defer q.completionMu.Unlock()
	pc := q.pending
	if pc == nil {
		q.logger.Debug("dropping command reply with no waiter", "msg", msg)
		return
	}
	pc.res = msg
	q.pending = nil
	close(pc.done)
}

// Close aborts a waiting command, rejects new ones and waits for the
// in-flight cycle to return.
func (q *CommandQueue) Close() {
	q.closeCancel()

	q.completionMu.Lock()
	q.closed = true
	if pc := q.pending; pc != nil {
		pc.aborted = true
		q.pending = nil
		close(pc.done)
	}
	q.completionMu.Unlock()

	q.mu.Lock()
	q.mu.Unlock()
}
