package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/controller"
	"github.com/Alia5/vhcibridge/internal/log"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/sim"
	"github.com/Alia5/vhcibridge/usb"
	"github.com/Alia5/vhcibridge/vhci"
)

// Harness is a started controller talking to a running simulator.
type Harness struct {
	Rings *ring.Loopback
	Sim   *sim.Simulator
	Ctrl  *controller.Controller

	givebacks chan *vhci.URB
}

// StartController wires a controller to a simulator over a fresh loopback
// and starts both. Everything is closed when t finishes.
func StartController(t *testing.T, cfg controller.Config, simCfg sim.Config) *Harness {
	t.Helper()
	arena, err := ring.NewArena(arenaSize)
	require.NoError(t, err)
	lb := ring.NewLoopback(arena)

	h := &Harness{
		Rings:     lb,
		Sim:       sim.New(lb, simCfg, log.Discard()),
		givebacks: make(chan *vhci.URB, 1024),
	}
	h.Ctrl, err = controller.New(lb, cfg, func(u *vhci.URB) { h.givebacks <- u }, log.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	simDone := make(chan error, 1)
	go func() { simDone <- h.Sim.Run(ctx) }()

	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = h.Ctrl.Close(cctx)
		cancel()
		lb.Close()
		<-simDone
		_ = arena.Close()
	})

	require.NoError(t, h.Ctrl.Start(ctx))
	return h
}

// Attach plugs dev into port and attaches it. It returns the device
// address.
func (h *Harness) Attach(t *testing.T, port uint32, dev usb.Device) uint8 {
	t.Helper()
	require.NoError(t, h.Sim.Plug(port, dev))
	addr, err := h.Ctrl.AttachDevice(context.Background(), port)
	require.NoError(t, err)
	return addr
}

// Giveback waits for the next URB the controller gave back.
func (h *Harness) Giveback(t *testing.T) *vhci.URB {
	t.Helper()
	select {
	case u := <-h.givebacks:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("no URB given back")
		return nil
	}
}

// NoGiveback asserts that nothing is given back for a while.
func (h *Harness) NoGiveback(t *testing.T) {
	t.Helper()
	select {
	case u := <-h.givebacks:
		t.Fatalf("unexpected giveback, err=%v", u.Err())
	case <-time.After(20 * time.Millisecond):
	}
}

// Control runs one control transfer on dev and waits for it. For IN
// requests the returned slice holds the bytes received.
func (h *Harness) Control(t *testing.T, dev uint8, setup usb.SetupPacket, out []byte) ([]byte, error) {
	t.Helper()
	var buf ring.Buffer
	if setup.In() {
		buf = Alloc(t, h.Rings, int(setup.WLength), nil)
	} else {
		buf = Alloc(t, h.Rings, len(out), out)
	}
	u, err := h.Ctrl.Submit(dev, 0, vhci.Request{
		Buffer: buf,
		Setup:  Alloc(t, h.Rings, 0, setup.Bytes()),
		In:     setup.In(),
	})
	require.NoError(t, err)
	got := h.Giveback(t)
	require.Same(t, u, got)
	return buf.Data[:u.ActualLength()], u.Err()
}
