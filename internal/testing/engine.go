// Package testing holds helpers shared by the package tests: a bare engine
// with a scripted command responder, and a full controller wired to the
// simulator.
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/internal/log"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/vhci"
)

const (
	EngineCommandRing = "test-commands"
	EngineAsyncRing   = "test-async"

	arenaSize = 16 << 20
)

// Responder answers one command. Returning false drops it.
type Responder func(req vhci.Message) (vhci.Message, bool)

// Success replies to every command with StatusSuccess and echoes param2,
// which makes an EndpointSetState report the state it was asked for.
func Success(req vhci.Message) (vhci.Message, bool) {
	return vhci.Message{
		Cmd:    req.Cmd | vhci.CmdReply,
		Status: uint16(vhci.StatusSuccess),
		Param1: req.Param1,
		Param2: req.Param2,
	}, true
}

// Engine is a command queue and an async message queue on a loopback
// provider. A goroutine plays the device: it answers commands through the
// installed Responder and records every async message.
type Engine struct {
	Rings    *ring.Loopback
	Commands *vhci.CommandQueue
	Async    *vhci.MessageQueue

	mu       sync.Mutex
	respond  Responder
	received []vhci.Message
	asyncCh  chan vhci.Message
}

// NewEngine starts an engine that answers everything with Success. It is
// torn down when t finishes.
func NewEngine(t *testing.T) *Engine {
	t.Helper()
	arena, err := ring.NewArena(arenaSize)
	require.NoError(t, err)
	lb := ring.NewLoopback(arena)

	cmds, err := vhci.NewMessageQueue(lb, EngineCommandRing, log.Discard())
	require.NoError(t, err)
	async, err := vhci.NewMessageQueue(lb, EngineAsyncRing, log.Discard())
	require.NoError(t, err)

	e := &Engine{
		Rings:    lb,
		Commands: vhci.NewCommandQueue(cmds, log.Discard()),
		Async:    async,
		respond:  Success,
		asyncCh:  make(chan vhci.Message, vhci.EventQueueDepth),
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.serve(ctx, lb.Queue(EngineCommandRing), e.command)
	}()
	go func() {
		defer wg.Done()
		e.serve(ctx, lb.Queue(EngineAsyncRing), func(m vhci.Message) { e.asyncCh <- m })
	}()

	t.Cleanup(func() {
		cancel()
		e.Commands.Close()
		lb.Close()
		wg.Wait()
		_ = arena.Close()
	})
	return e
}

// Respond installs r for the following commands.
func (e *Engine) Respond(r Responder) {
	e.mu.Lock()
	e.respond = r
	e.mu.Unlock()
}

// Received returns every command the device saw, cancellations included.
func (e *Engine) Received() []vhci.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vhci.Message(nil), e.received...)
}

// NextAsync waits for the next message the host sent on the async ring.
func (e *Engine) NextAsync(t *testing.T) vhci.Message {
	t.Helper()
	select {
	case m := <-e.asyncCh:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no async message")
		return vhci.Message{}
	}
}

// NoAsync asserts that the host sent nothing on the async ring for a while.
func (e *Engine) NoAsync(t *testing.T) {
	t.Helper()
	select {
	case m := <-e.asyncCh:
		t.Fatalf("unexpected async message %s", m)
	case <-time.After(20 * time.Millisecond):
	}
}

// Alloc returns a buffer holding data, or n zero bytes if data is nil.
func (e *Engine) Alloc(t *testing.T, n int, data []byte) ring.Buffer {
	t.Helper()
	return Alloc(t, e.Rings, n, data)
}

// Alloc returns a buffer from p holding data, or n zero bytes if data is nil.
func Alloc(t *testing.T, p ring.Provider, n int, data []byte) ring.Buffer {
	t.Helper()
	if data != nil {
		n = len(data)
	}
	b, err := p.Alloc(n)
	require.NoError(t, err)
	copy(b.Data, data)
	return b
}

func (e *Engine) command(req vhci.Message) {
	e.mu.Lock()
	e.received = append(e.received, req)
	respond := e.respond
	e.mu.Unlock()
	if res, ok := respond(req); ok {
		e.Commands.DeliverCompletion(res)
	}
}

func (e *Engine) serve(ctx context.Context, q *ring.Queue, handle func(vhci.Message)) {
	for {
		d, err := q.Take(ctx)
		if err != nil {
			return
		}
		b, err := q.Bytes(d)
		if err != nil {
			_ = q.Complete(d, ring.CompletionError, 0)
			continue
		}
		msg := vhci.DecodeMessage(b)
		if err := q.Complete(d, ring.CompletionOK, uint64(d.Size)); err != nil {
			return
		}
		handle(msg)
	}
}

// Device is the device side of one endpoint's data rings.
type Device struct {
	In  *ring.Queue
	Out *ring.Queue
}

// EndpointDevice looks up the rings of endpoint ep on dev.
func EndpointDevice(t *testing.T, lb *ring.Loopback, dev, ep uint8) Device {
	t.Helper()
	num := ep & 0x0F
	d := Device{
		In:  lb.Queue(vhci.RingName(dev, 0x80|num)),
		Out: lb.Queue(vhci.RingName(dev, num)),
	}
	require.True(t, d.In != nil || d.Out != nil, "no rings for %d-%02x", dev, ep)
	return d
}

// Take waits for the next descriptor on q.
func Take(t *testing.T, q *ring.Queue) (ring.Descriptor, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := q.Take(ctx)
	require.NoError(t, err, "take from %s", q.Name())
	b, err := q.Bytes(d)
	require.NoError(t, err)
	return d, b
}
