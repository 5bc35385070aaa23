package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrTaskQueueFull is returned when deferred work cannot be scheduled.
var ErrTaskQueueFull = errors.New("task queue full")

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// taskQueue runs deferred controller work one item at a time, off the
// completion path.
type taskQueue struct {
	ch     chan task
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newTaskQueue(size int, logger *slog.Logger) *taskQueue {
	return &taskQueue{ch: make(chan task, size), logger: logger}
}

func (t *taskQueue) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tk := <-t.ch:
				if err := tk.fn(ctx); err != nil {
					t.logger.Error("deferred task failed", "task", tk.name, "error", err)
				}
			}
		}
	}()
}

// submit schedules fn without blocking.
func (t *taskQueue) submit(name string, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return context.Canceled
	}
	select {
	case t.ch <- task{name: name, fn: fn}:
		return nil
	default:
		return ErrTaskQueueFull
	}
}

func (t *taskQueue) stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}
