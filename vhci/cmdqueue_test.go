package vhci_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/internal/log"
	th "github.com/Alia5/vhcibridge/internal/testing"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/vhci"
)

func TestCommandQueueExecute(t *testing.T) {
	tests := []struct {
		name    string
		respond th.Responder
		wantErr error
		status  vhci.Status
	}{
		{
			name:    "success",
			respond: th.Success,
		},
		{
			name: "device rejects",
			respond: func(req vhci.Message) (vhci.Message, bool) {
				res, _ := th.Success(req)
				res.Status = uint16(vhci.StatusPipeStall)
				return res, true
			},
			status: vhci.StatusPipeStall,
		},
		{
			name: "reply to another opcode",
			respond: func(req vhci.Message) (vhci.Message, bool) {
				return vhci.Message{Cmd: vhci.CmdPortStatus | vhci.CmdReply, Status: uint16(vhci.StatusSuccess)}, true
			},
			wantErr: vhci.ErrDesync,
		},
		{
			name: "reply with cancel flag still matches",
			respond: func(req vhci.Message) (vhci.Message, bool) {
				res, _ := th.Success(req)
				res.Cmd |= vhci.CmdCancel
				return res, true
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := th.NewEngine(t)
			e.Respond(tt.respond)
			res, err := e.Commands.Execute(context.Background(),
				vhci.Message{Cmd: vhci.CmdPortReset, Param1: 3}, time.Second)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.status != vhci.StatusNone:
				require.Error(t, err)
				assert.Equal(t, tt.status, vhci.StatusOf(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, vhci.CmdPortReset, res.Opcode())
			}
			assert.Len(t, e.Received(), 1, "exactly one request on the wire")
		})
	}
}

func TestCommandQueueTimeoutCancelled(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(req vhci.Message) (vhci.Message, bool) {
		if !req.IsCancel() {
			return vhci.Message{}, false
		}
		return vhci.Message{Cmd: req.Cmd | vhci.CmdReply, Status: uint16(vhci.StatusSuccess), Param1: req.Param1}, true
	})

	start := time.Now()
	_, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: 0x07, Param1: 5}, 500*time.Millisecond)
	assert.ErrorIs(t, err, vhci.ErrTimeout)
	assert.NotErrorIs(t, err, vhci.ErrDesync)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	got := e.Received()
	require.Len(t, got, 2, "exactly one cancellation is issued")
	assert.Equal(t, vhci.Message{Cmd: 0x07, Param1: 5}, got[0])
	assert.Equal(t, vhci.Message{Cmd: 0x07 | vhci.CmdCancel, Param1: 5}, got[1])
}

func TestCommandQueueTimeoutOriginalWins(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(req vhci.Message) (vhci.Message, bool) {
		if !req.IsCancel() {
			return vhci.Message{}, false
		}
		// the command finished just before the cancellation arrived
		return vhci.Message{Cmd: req.Opcode() | vhci.CmdReply, Status: uint16(vhci.StatusSuccess), Param2: 9}, true
	})

	res, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdDeviceCreate}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), res.Param2)
	assert.Len(t, e.Received(), 2)
}

func TestCommandQueueCancelTimeout(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(vhci.Message) (vhci.Message, bool) { return vhci.Message{}, false })

	_, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdPortStatus}, 20*time.Millisecond)
	assert.ErrorIs(t, err, vhci.ErrDesync)
	assert.ErrorIs(t, err, vhci.ErrTimeout)
	assert.Len(t, e.Received(), 2)

	// the queue stays usable
	e.Respond(th.Success)
	_, err = e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdPortStatus}, time.Second)
	assert.NoError(t, err)
}

func TestCommandQueueCancelReplyMismatch(t *testing.T) {
	tests := []struct {
		name  string
		reply uint16
	}{
		{name: "cancel flag on another opcode", reply: vhci.CmdPortStatus | vhci.CmdCancel | vhci.CmdReply},
		{name: "plain reply to another opcode", reply: vhci.CmdPortStatus | vhci.CmdReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := th.NewEngine(t)
			e.Respond(func(req vhci.Message) (vhci.Message, bool) {
				if !req.IsCancel() {
					return vhci.Message{}, false
				}
				return vhci.Message{Cmd: tt.reply, Status: uint16(vhci.StatusSuccess)}, true
			})

			_, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdDeviceCreate}, 20*time.Millisecond)
			assert.ErrorIs(t, err, vhci.ErrDesync)
			assert.NotErrorIs(t, err, vhci.ErrTimeout)
			assert.Len(t, e.Received(), 2)
		})
	}
}

func TestCommandQueueLateReplyDropped(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(vhci.Message) (vhci.Message, bool) { return vhci.Message{}, false })
	_, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdPortStatus}, 10*time.Millisecond)
	require.Error(t, err)

	// a stray reply with nobody waiting must not satisfy the next command
	e.Commands.DeliverCompletion(vhci.Message{Cmd: vhci.CmdPortStatus | vhci.CmdReply, Status: uint16(vhci.StatusSuccess)})
	e.Respond(th.Success)
	res, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdDeviceCreate, Param2: 4}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, vhci.CmdDeviceCreate, res.Opcode())
}

func TestCommandQueueClose(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(vhci.Message) (vhci.Message, bool) { return vhci.Message{}, false })

	errc := make(chan error, 1)
	go func() {
		_, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdControllerStart}, time.Minute)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(e.Received()) == 1 }, time.Second, time.Millisecond)

	e.Commands.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, vhci.ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	_, err := e.Commands.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdControllerStart}, time.Second)
	assert.ErrorIs(t, err, vhci.ErrClosed)
}

func TestCommandQueueCloseWhileRingFull(t *testing.T) {
	arena, err := ring.NewArena(1 << 20)
	require.NoError(t, err)
	lb := ring.NewLoopback(arena)
	t.Cleanup(func() {
		lb.Close()
		_ = arena.Close()
	})
	mq, err := vhci.NewMessageQueue(lb, "commands", log.Discard())
	require.NoError(t, err)
	t.Cleanup(mq.Close)
	cq := vhci.NewCommandQueue(mq, log.Discard())

	// nothing takes from the ring, so every slot stays owned by the device
	for range vhci.EventQueueDepth {
		require.NoError(t, mq.Send(context.Background(), vhci.Message{Cmd: vhci.CmdPortStatus}))
	}
	require.False(t, mq.TryReserve())

	errc := make(chan error, 1)
	go func() {
		_, err := cq.Execute(context.Background(), vhci.Message{Cmd: vhci.CmdControllerStart}, time.Minute)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	cq.Close()
	assert.Less(t, time.Since(start), time.Second)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, vhci.ErrAborted)
		assert.ErrorIs(t, err, vhci.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Execute still blocked after Close")
	}
	assert.Equal(t, vhci.EventQueueDepth, lb.Queue("commands").Posted())
}

func TestCommandQueueContextCancel(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(vhci.Message) (vhci.Message, bool) { return vhci.Message{}, false })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := e.Commands.Execute(ctx, vhci.Message{Cmd: vhci.CmdControllerStart}, time.Minute)
	assert.ErrorIs(t, err, vhci.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, e.Received(), 1, "no cancellation for a caller that gave up")
}

func TestCommandQueueSingleOutstanding(t *testing.T) {
	e := th.NewEngine(t)
	var outstanding, peak atomic.Int32
	e.Respond(func(req vhci.Message) (vhci.Message, bool) {
		n := outstanding.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// answer from another goroutine so a second request could overtake
		go func() {
			time.Sleep(50 * time.Microsecond)
			res, _ := th.Success(req)
			outstanding.Add(-1)
			e.Commands.DeliverCompletion(res)
		}()
		return vhci.Message{}, false
	})

	const callers = 16
	const perCaller = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers*perCaller)
	for c := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perCaller {
				want := uint64(c*perCaller + i)
				res, err := e.Commands.Execute(context.Background(),
					vhci.Message{Cmd: vhci.CmdPortStatus, Param2: want}, 5*time.Second)
				if err == nil && res.Param2 != want {
					t.Errorf("caller %d got reply %d, want %d", c, res.Param2, want)
				}
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, e.Received(), callers*perCaller)
	assert.Equal(t, int32(1), peak.Load())
}

func TestEndpointSetState(t *testing.T) {
	tests := []struct {
		name      string
		status    vhci.Status
		reported  vhci.EndpointState
		wantState vhci.EndpointState
		wantErr   bool
	}{
		{name: "accepted", status: vhci.StatusSuccess, reported: vhci.EndpointPaused, wantState: vhci.EndpointPaused},
		{name: "rejected keeps current", status: vhci.StatusBadArgument, reported: vhci.EndpointActive, wantState: vhci.EndpointActive, wantErr: true},
		{name: "internal error stalls", status: vhci.StatusInternalError, reported: vhci.EndpointActive, wantState: vhci.EndpointStalled, wantErr: true},
		{name: "no power stalls", status: vhci.StatusNoPower, reported: vhci.EndpointActive, wantState: vhci.EndpointStalled, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := th.NewEngine(t)
			e.Respond(func(req vhci.Message) (vhci.Message, bool) {
				return vhci.Message{Cmd: req.Cmd | vhci.CmdReply, Status: uint16(tt.status), Param2: uint64(tt.reported)}, true
			})
			st, err := e.Commands.EndpointSetState(context.Background(), 1, 0x81, vhci.EndpointPaused)
			assert.Equal(t, tt.wantState, st)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			got := e.Received()
			require.Len(t, got, 1)
			assert.Equal(t, vhci.Message{Cmd: vhci.CmdEndpointSetState, Param1: 0x8101, Param2: uint64(vhci.EndpointPaused)}, got[0])
		})
	}
}

func TestTypedCommands(t *testing.T) {
	e := th.NewEngine(t)
	e.Respond(func(req vhci.Message) (vhci.Message, bool) {
		res, _ := th.Success(req)
		switch req.Opcode() {
		case vhci.CmdDeviceCreate:
			res.Param2 = 7
		case vhci.CmdPortStatus:
			res.Param2 = 0x103 &^ req.Param2
		}
		return res, true
	})
	ctx := context.Background()

	require.NoError(t, e.Commands.ControllerEnable(ctx, 2))
	addr, err := e.Commands.DeviceCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), addr)
	st, err := e.Commands.PortStatus(ctx, 1, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x003), st)

	got := e.Received()
	require.Len(t, got, 3)
	assert.Equal(t, uint32(2)<<24, got[0].Param1)
	assert.Equal(t, vhci.CmdDeviceCreate, got[1].Cmd)
	assert.Equal(t, uint32(1), got[1].Param1)
}
