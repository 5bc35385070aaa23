package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/internal/log"
)

func TestTaskQueueRunsInOrder(t *testing.T) {
	q := newTaskQueue(4, log.Discard())
	q.start(context.Background())
	defer q.stop()

	got := make(chan int, 3)
	for i := range 3 {
		require.NoError(t, q.submit("step", func(context.Context) error {
			got <- i
			return nil
		}))
	}
	require.NoError(t, q.submit("failing", func(context.Context) error { return errors.New("boom") }))
	for want := range 3 {
		select {
		case n := <-got:
			assert.Equal(t, want, n)
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
}

func TestTaskQueueFull(t *testing.T) {
	q := newTaskQueue(1, log.Discard())
	// not started, nothing drains the channel
	require.NoError(t, q.submit("first", func(context.Context) error { return nil }))
	assert.ErrorIs(t, q.submit("second", func(context.Context) error { return nil }), ErrTaskQueueFull)
}

func TestTaskQueueStop(t *testing.T) {
	q := newTaskQueue(1, log.Discard())
	q.start(context.Background())

	running := make(chan struct{})
	require.NoError(t, q.submit("blocking", func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-running
	q.stop()

	assert.ErrorIs(t, q.submit("late", func(context.Context) error { return nil }), context.Canceled)
}
