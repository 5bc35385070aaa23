package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/vhci"
)

// errInterrupted: the host changed the endpoint state while the device was
// waiting on a ring. The current step is redone once the endpoint is
// active again.
var errInterrupted = errors.New("endpoint state changed")

type endpoint struct {
	dev    *simDevice
	addr   uint8
	cancel context.CancelFunc

	mu      sync.Mutex
	state   vhci.EndpointState
	changed chan struct{}
}

func newEndpoint(dev *simDevice, addr uint8) *endpoint {
	return &endpoint{dev: dev, addr: addr, changed: make(chan struct{})}
}

func (ep *endpoint) State() vhci.EndpointState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

func (ep *endpoint) setState(st vhci.EndpointState) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == st {
		return
	}
	ep.state = st
	close(ep.changed)
	ep.changed = make(chan struct{})
}

func (ep *endpoint) waitActive(ctx context.Context) error {
	for {
		ep.mu.Lock()
		st, ch := ep.state, ep.changed
		ep.mu.Unlock()
		if st == vhci.EndpointActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// watch returns a context cancelled on the next state change, or right
// away if the endpoint is no longer active.
func (ep *endpoint) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ep.mu.Lock()
	ch, active := ep.changed, ep.state == vhci.EndpointActive
	ep.mu.Unlock()
	wctx, cancel := context.WithCancel(ctx)
	if !active {
		cancel()
		return wctx, cancel
	}
	go func() {
		select {
		case <-ch:
			cancel()
		case <-wctx.Done():
		}
	}()
	return wctx, cancel
}

// sleep waits for d. It fails with errInterrupted if the endpoint state
// changes first.
func (ep *endpoint) sleep(ctx context.Context, d time.Duration) error {
	wctx, cancel := ep.watch(ctx)
	defer cancel()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-wctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errInterrupted
	}
}

// take waits for the next descriptor the host posts on q.
func (ep *endpoint) take(ctx context.Context, q *ring.Queue) (ring.Descriptor, []byte, error) {
	if err := ep.waitActive(ctx); err != nil {
		return ring.Descriptor{}, nil, err
	}
	wctx, cancel := ep.watch(ctx)
	defer cancel()
	d, err := q.Take(wctx)
	if err != nil {
		if ctx.Err() == nil && wctx.Err() != nil {
			return ring.Descriptor{}, nil, errInterrupted
		}
		return ring.Descriptor{}, nil, err
	}
	b, err := q.Bytes(d)
	if err != nil {
		// the host posted memory outside the arena
		_ = q.Complete(d, ring.CompletionError, 0)
		return ring.Descriptor{}, nil, err
	}
	return d, b, nil
}

// complete finishes d, mapping a flushed descriptor to errInterrupted.
func complete(q *ring.Queue, d ring.Descriptor, n int) error {
	err := q.Complete(d, ring.CompletionOK, uint64(n))
	if errors.Is(err, ring.ErrStale) {
		return errInterrupted
	}
	return err
}
