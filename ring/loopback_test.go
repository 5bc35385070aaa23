package ring_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/ring"
)

type recorder struct {
	mu sync.Mutex
	c  []ring.Completion
}

func (r *recorder) fn(sq ring.SubmissionQueue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		c, ok := sq.NextCompletion()
		if !ok {
			return
		}
		r.c = append(r.c, c)
		sq.NotifyConsumed()
	}
}

func (r *recorder) all() []ring.Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ring.Completion(nil), r.c...)
}

func newLoopback(t *testing.T, opts ...ring.LoopbackOption) *ring.Loopback {
	t.Helper()
	arena, err := ring.NewArena(1 << 20)
	require.NoError(t, err)
	lb := ring.NewLoopback(arena, opts...)
	t.Cleanup(func() {
		lb.Close()
		_ = arena.Close()
	})
	return lb
}

func TestArenaAlloc(t *testing.T) {
	arena, err := ring.NewArena(4096)
	require.NoError(t, err)
	defer arena.Close()

	a, err := arena.Alloc(10)
	require.NoError(t, err)
	b, err := arena.Alloc(10)
	require.NoError(t, err)
	assert.NotZero(t, a.Addr)
	assert.Zero(t, b.Addr%64, "allocations are cache line aligned")
	assert.Greater(t, b.Addr, a.Addr)

	copy(a.Data, "0123456789")
	got, err := arena.Bytes(a.Addr+2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), got)

	_, err = arena.Bytes(a.Addr, 1<<20)
	assert.Error(t, err)
	_, err = arena.Alloc(8192)
	assert.Error(t, err)

	require.NoError(t, arena.Close())
	_, err = arena.Alloc(1)
	assert.ErrorIs(t, err, ring.ErrClosed)
}

func TestLoopbackCompletionOrder(t *testing.T) {
	lb := newLoopback(t)
	var rec recorder
	sq, err := lb.CreateSubmissionQueue("q", 4, ring.FromDevice, rec.fn)
	require.NoError(t, err)
	buf, err := lb.Alloc(64)
	require.NoError(t, err)

	for i := range 3 {
		require.True(t, sq.TryReserve())
		slot := sq.Append(buf.Addr+uint64(i*16), 16)
		assert.Equal(t, i, slot)
	}
	sq.Submit()

	q := lb.Queue("q")
	require.NotNil(t, q)
	assert.Equal(t, 3, q.Posted())

	ctx := context.Background()
	var ds []ring.Descriptor
	for range 3 {
		d, err := q.Take(ctx)
		require.NoError(t, err)
		ds = append(ds, d)
	}
	assert.Equal(t, 3, q.InFlight())

	assert.ErrorIs(t, q.Complete(ds[1], ring.CompletionOK, 1), ring.ErrStale, "completion must follow submission order")
	for i, d := range ds {
		require.NoError(t, q.Complete(d, ring.CompletionOK, uint64(i+1)))
	}
	got := rec.all()
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, uint64(i+1), c.DataSize)
	}
	assert.Equal(t, 3, sq.Head())
	assert.Equal(t, 3, sq.Tail())
}

func TestLoopbackReserve(t *testing.T) {
	lb := newLoopback(t)
	sq, err := lb.CreateSubmissionQueue("q", 2, ring.ToDevice, nil)
	require.NoError(t, err)

	require.True(t, sq.TryReserve())
	require.True(t, sq.TryReserve())
	assert.False(t, sq.TryReserve())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sq.Reserve(ctx), ring.ErrExhausted)

	sq.CancelReservation()
	assert.True(t, sq.TryReserve())
}

func TestLoopbackFlush(t *testing.T) {
	lb := newLoopback(t)
	var rec recorder
	sq, err := lb.CreateSubmissionQueue("q", 3, ring.FromDevice, rec.fn)
	require.NoError(t, err)
	buf, err := lb.Alloc(8)
	require.NoError(t, err)
	for range 3 {
		require.True(t, sq.TryReserve())
		sq.Append(buf.Addr, 8)
	}
	sq.Submit()

	q := lb.Queue("q")
	d, err := q.Take(context.Background())
	require.NoError(t, err)

	require.NoError(t, lb.FlushSubmissionQueue(context.Background(), sq))
	got := rec.all()
	require.Len(t, got, 3)
	for _, c := range got {
		assert.Equal(t, ring.CompletionAborted, c.Status)
	}
	assert.ErrorIs(t, q.Complete(d, ring.CompletionOK, 8), ring.ErrStale)
	assert.Zero(t, q.Posted())
	assert.True(t, sq.TryReserve(), "flushed slots are released")
}

func TestLoopbackWaitQueue(t *testing.T) {
	lb := newLoopback(t)
	done := make(chan *ring.Queue)
	go func() {
		q, _ := lb.WaitQueue(context.Background(), "late")
		done <- q
	}()

	var created []string
	lb.OnCreate(func(q *ring.Queue) { created = append(created, q.Name()) })

	_, err := lb.CreateSubmissionQueue("late", 1, ring.ToDevice, nil)
	require.NoError(t, err)
	select {
	case q := <-done:
		require.NotNil(t, q)
		assert.Equal(t, "late", q.Name())
	case <-time.After(time.Second):
		t.Fatal("WaitQueue did not return")
	}
	assert.Equal(t, []string{"late"}, created)

	_, err = lb.CreateSubmissionQueue("late", 1, ring.ToDevice, nil)
	assert.Error(t, err, "duplicate names are rejected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = lb.WaitQueue(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopbackDestroyWakesTake(t *testing.T) {
	lb := newLoopback(t)
	sq, err := lb.CreateSubmissionQueue("q", 1, ring.ToDevice, nil)
	require.NoError(t, err)
	q := lb.Queue("q")

	errc := make(chan error)
	go func() {
		_, err := q.Take(context.Background())
		errc <- err
	}()
	lb.DestroySubmissionQueue(sq)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ring.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Take still blocked")
	}
	assert.Nil(t, lb.Queue("q"))
}

type tap struct {
	mu  sync.Mutex
	buf bytes.Buffer
	in  []bool
}

func (tp *tap) Log(in bool, data []byte) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.in = append(tp.in, in)
	tp.buf.Write(data)
}

func TestLoopbackTap(t *testing.T) {
	tp := &tap{}
	lb := newLoopback(t, ring.WithTap(tp))
	out, err := lb.CreateSubmissionQueue("out", 1, ring.ToDevice, func(sq ring.SubmissionQueue) {
		for {
			if _, ok := sq.NextCompletion(); !ok {
				return
			}
			sq.NotifyConsumed()
		}
	})
	require.NoError(t, err)
	in, err := lb.CreateSubmissionQueue("in", 1, ring.FromDevice, func(sq ring.SubmissionQueue) {
		for {
			if _, ok := sq.NextCompletion(); !ok {
				return
			}
			sq.NotifyConsumed()
		}
	})
	require.NoError(t, err)

	ob, _ := lb.Alloc(3)
	copy(ob.Data, "abc")
	ib, _ := lb.Alloc(8)

	require.True(t, out.TryReserve())
	out.Append(ob.Addr, 3)
	out.Submit()
	require.True(t, in.TryReserve())
	in.Append(ib.Addr, 8)
	in.Submit()

	ctx := context.Background()
	d, err := lb.Queue("out").Take(ctx)
	require.NoError(t, err)
	require.NoError(t, lb.Queue("out").Complete(d, ring.CompletionOK, 3))

	d, err = lb.Queue("in").Take(ctx)
	require.NoError(t, err)
	b, _ := lb.Queue("in").Bytes(d)
	copy(b, "xy")
	require.NoError(t, lb.Queue("in").Complete(d, ring.CompletionOK, 2))

	assert.Equal(t, "abcxy", tp.buf.String())
	assert.Equal(t, []bool{true, false}, tp.in)
}
