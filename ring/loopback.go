package ring

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Tap observes payloads crossing the loopback. in=true is host->device.
type Tap interface {
	Log(in bool, data []byte)
}

// Loopback is a Provider whose device side lives in the same process. The
// device half of each queue is driven through Take and Complete.
type Loopback struct {
	arena *Arena
	tap   Tap

	mu       sync.Mutex
	queues   map[string]*Queue
	watchers []func(*Queue)
	changed  chan struct{}
	closed   bool
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithTap installs a payload observer.
func WithTap(t Tap) LoopbackOption {
	return func(l *Loopback) { l.tap = t }
}

// NewLoopback creates a provider that allocates DMA memory from arena.
func NewLoopback(arena *Arena, opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		arena:   arena,
		queues:  make(map[string]*Queue),
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Arena returns the memory the loopback resolves descriptor addresses in.
func (l *Loopback) Arena() *Arena { return l.arena }

// OnCreate registers fn for every existing and future queue. fn runs on the
// goroutine creating the queue and must not block.
func (l *Loopback) OnCreate(fn func(q *Queue)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	existing := make([]*Queue, 0, len(l.queues))
	for _, q := range l.queues {
		existing = append(existing, q)
	}
	l.mu.Unlock()
	for _, q := range existing {
		fn(q)
	}
}

// Queue returns the live queue with the given name, or nil.
func (l *Loopback) Queue(name string) *Queue {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queues[name]
}

// WaitQueue blocks until a queue with the given name exists.
func (l *Loopback) WaitQueue(ctx context.Context, name string) (*Queue, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("wait for queue %s: %w", name, err)
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		q, ok := l.queues[name]
		ch := l.changed
		l.mu.Unlock()
		if ok {
			return q, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for queue %s: %w", name, ctx.Err())
		case <-ch:
		}
	}
}

func (l *Loopback) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Loopback) CreateSubmissionQueue(name string, depth int, dir Direction, fn CompletionFunc) (SubmissionQueue, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("queue %s: invalid depth %d", name, depth)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := l.queues[name]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("queue %s already exists", name)
	}
	q := &Queue{
		l:       l,
		name:    name,
		depth:   depth,
		dir:     dir,
		fn:      fn,
		sem:     semaphore.NewWeighted(int64(depth)),
		changed: make(chan struct{}),
	}
	l.queues[name] = q
	l.notifyLocked()
	watchers := append([]func(*Queue){}, l.watchers...)
	l.mu.Unlock()

	for _, w := range watchers {
		w(q)
	}
	return q, nil
}

func (l *Loopback) DestroySubmissionQueue(sq SubmissionQueue) {
	q, ok := sq.(*Queue)
	if !ok {
		return
	}
	l.mu.Lock()
	if l.queues[q.name] == q {
		delete(l.queues, q.name)
		l.notifyLocked()
	}
	l.mu.Unlock()
	q.close()
}

func (l *Loopback) FlushSubmissionQueue(ctx context.Context, sq SubmissionQueue) error {
	q, ok := sq.(*Queue)
	if !ok {
		return fmt.Errorf("queue %s does not belong to this provider", sq.Name())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.Flush()
}

func (l *Loopback) Alloc(size int) (Buffer, error) {
	return l.arena.Alloc(size)
}

// Close destroys every queue. Blocked device-side Take calls return ErrClosed.
func (l *Loopback) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	queues := make([]*Queue, 0, len(l.queues))
	for _, q := range l.queues {
		queues = append(queues, q)
	}
	l.queues = map[string]*Queue{}
	l.notifyLocked()
	l.mu.Unlock()
	for _, q := range queues {
		q.close()
	}
}

// Descriptor is one submitted entry as seen by the device.
type Descriptor struct {
	Slot int
	Addr uint64
	Size uint32
	seq  uint64
}

// Queue is a loopback submission queue. Host code uses it through
// SubmissionQueue; the device side uses Take and Complete.
type Queue struct {
	l     *Loopback
	name  string
	depth int
	dir   Direction
	fn    CompletionFunc
	sem   *semaphore.Weighted

	mu       sync.Mutex
	changed  chan struct{}
	head     int
	tail     int
	seq      uint64
	appended []Descriptor
	posted   []Descriptor
	inflight []Descriptor
	done     []Completion
	closed   bool

	// serializes completion callbacks
	cbMu sync.Mutex
}

func (q *Queue) Name() string         { return q.name }
func (q *Queue) Depth() int           { return q.depth }
func (q *Queue) Direction() Direction { return q.dir }

func (q *Queue) Reserve(ctx context.Context) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		if q.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("%s: %w: %w", q.name, ErrExhausted, err)
	}
	return nil
}

func (q *Queue) TryReserve() bool {
	return !q.isClosed() && q.sem.TryAcquire(1)
}

func (q *Queue) CancelReservation() {
	q.sem.Release(1)
}

func (q *Queue) Head() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

func (q *Queue) Tail() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail
}

func (q *Queue) Append(addr uint64, size uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot := q.tail
	q.tail = (q.tail + 1) % q.depth
	q.seq++
	q.appended = append(q.appended, Descriptor{Slot: slot, Addr: addr, Size: size, seq: q.seq})
	return slot
}

func (q *Queue) Submit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.appended) == 0 {
		return
	}
	q.posted = append(q.posted, q.appended...)
	q.appended = q.appended[:0]
	q.notifyLocked()
}

func (q *Queue) NextCompletion() (Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.done) == 0 {
		return Completion{}, false
	}
	c := q.done[0]
	q.done = q.done[1:]
	return c, true
}

func (q *Queue) NotifyConsumed() {
	q.mu.Lock()
	q.head = (q.head + 1) % q.depth
	q.mu.Unlock()
	q.sem.Release(1)
}

// Posted returns the number of descriptors submitted but not yet taken.
func (q *Queue) Posted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.posted)
}

// InFlight returns the number of descriptors taken but not completed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Take blocks until the host submits a descriptor and hands it to the device.
func (q *Queue) Take(ctx context.Context) (Descriptor, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Descriptor{}, err
		}
		d, ok, ch, err := q.take()
		if err != nil {
			return Descriptor{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		case <-ch:
		}
	}
}

// TryTake hands out the oldest posted descriptor without waiting.
func (q *Queue) TryTake() (Descriptor, bool) {
	d, ok, _, _ := q.take()
	return d, ok
}

func (q *Queue) take() (Descriptor, bool, <-chan struct{}, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Descriptor{}, false, nil, ErrClosed
	}
	if len(q.posted) == 0 {
		ch := q.changed
		q.mu.Unlock()
		return Descriptor{}, false, ch, nil
	}
	d := q.posted[0]
	q.posted = q.posted[1:]
	q.inflight = append(q.inflight, d)
	q.mu.Unlock()

	if q.dir == ToDevice && q.l.tap != nil {
		if b, err := q.l.arena.Bytes(d.Addr, d.Size); err == nil {
			q.l.tap.Log(true, b)
		}
	}
	return d, true, nil, nil
}

// Bytes resolves the memory a descriptor points at.
func (q *Queue) Bytes(d Descriptor) ([]byte, error) {
	return q.l.arena.Bytes(d.Addr, d.Size)
}

// Complete finishes d, which must be the oldest in-flight descriptor, and
// runs the host completion callback on the calling goroutine.
func (q *Queue) Complete(d Descriptor, status CompletionStatus, n uint64) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.inflight) == 0 || q.inflight[0].seq != d.seq {
		q.mu.Unlock()
		return fmt.Errorf("%s slot %d: %w", q.name, d.Slot, ErrStale)
	}
	q.inflight = q.inflight[1:]
	q.done = append(q.done, Completion{Status: status, DataSize: n})
	q.mu.Unlock()

	if q.dir == FromDevice && status == CompletionOK && q.l.tap != nil && n > 0 {
		if b, err := q.l.arena.Bytes(d.Addr, uint32(min(n, uint64(d.Size)))); err == nil {
			q.l.tap.Log(false, b)
		}
	}
	q.deliver()
	return nil
}

// Flush aborts every descriptor the device currently owns, in slot order.
func (q *Queue) Flush() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	n := len(q.inflight) + len(q.posted)
	for range n {
		q.done = append(q.done, Completion{Status: CompletionAborted})
	}
	q.inflight = nil
	q.posted = nil
	q.notifyLocked()
	q.mu.Unlock()
	if n > 0 {
		q.deliver()
	}
	return nil
}

func (q *Queue) deliver() {
	if q.fn == nil {
		return
	}
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.fn(q)
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}
