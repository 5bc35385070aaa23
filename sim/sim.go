// Package sim is the device half of a loopback controller. It plays the
// coprocessor: it answers controller commands, hands out device addresses,
// requests setup packets and OUT data, and feeds IN data and control status
// back to the host, running every plugged usb.Device behind it.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Alia5/vhcibridge/controller"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/usb"
	"github.com/Alia5/vhcibridge/vhci"
)

// Config shapes the simulated device side.
type Config struct {
	Ports    int    `help:"Number of root ports" default:"4" env:"VHCI_SIM_PORTS"`
	OutChunk uint32 `help:"Bytes requested per OUT transfer request" default:"4096" env:"VHCI_SIM_OUT_CHUNK"`
}

// Simulator serves the device side of a ring.Loopback.
type Simulator struct {
	cfg    Config
	lb     *ring.Loopback
	logger *slog.Logger
	bus    *Bus
	faults Faults

	mu      sync.Mutex
	group   *errgroup.Group
	runCtx  context.Context
	emitMu  map[string]*sync.Mutex
	hostMsg []vhci.Message
	busNum  uint8
	enabled bool

	// one firmware-initiated request at a time
	sysMu    sync.Mutex
	sysReply chan vhci.Message
}

// New creates a simulator on lb.
func New(lb *ring.Loopback, cfg Config, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Ports <= 0 {
		cfg.Ports = 4
	}
	if cfg.OutChunk == 0 {
		cfg.OutChunk = 4096
	}
	return &Simulator{
		cfg:      cfg,
		lb:       lb,
		logger:   logger,
		bus:      NewBus(cfg.Ports),
		emitMu:   make(map[string]*sync.Mutex),
		sysReply: make(chan vhci.Message, 1),
	}
}

// Bus exposes the port topology.
func (s *Simulator) Bus() *Bus { return s.bus }

// Faults exposes fault injection.
func (s *Simulator) Faults() *Faults { return &s.faults }

// Plug connects dev to port.
func (s *Simulator) Plug(port uint32, dev usb.Device) error { return s.bus.Plug(port, dev) }

// HostMessages returns every message the host sent on its asynchronous and
// interrupt queues, in arrival order.
func (s *Simulator) HostMessages() []vhci.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vhci.Message(nil), s.hostMsg...)
}

// Enabled reports whether the host enabled the controller.
func (s *Simulator) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// EndpointState returns the state the host last set on an endpoint.
func (s *Simulator) EndpointState(dev, ep uint8) (vhci.EndpointState, bool) {
	d := s.bus.device(dev)
	if d == nil {
		return 0, false
	}
	e := d.endpoint(ep)
	if e == nil {
		return 0, false
	}
	return e.State(), true
}

// Run serves the controller rings until ctx is done or the loopback closes.
func (s *Simulator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = g
	s.runCtx = gctx
	s.mu.Unlock()

	g.Go(func() error { return s.serve(gctx, controller.QueueHostCommands, s.command) })
	g.Go(func() error { return s.serve(gctx, controller.QueueHostSystemEvents, s.systemMessage) })
	g.Go(func() error { return s.serve(gctx, controller.QueueHostAsyncEvents, s.recordHostMessage) })
	g.Go(func() error { return s.serve(gctx, controller.QueueHostInterruptEvents, s.recordHostMessage) })

	err := g.Wait()
	s.bus.close()
	if errors.Is(err, context.Canceled) || errors.Is(err, ring.ErrClosed) {
		return nil
	}
	return err
}

// serve consumes one host message queue.
func (s *Simulator) serve(ctx context.Context, name string, handle func(ctx context.Context, msg vhci.Message)) error {
	q, err := s.lb.WaitQueue(ctx, name)
	if err != nil {
		return err
	}
	for {
		d, err := q.Take(ctx)
		if err != nil {
			return err
		}
		b, err := q.Bytes(d)
		if err != nil || len(b) < vhci.MessageSize {
			_ = q.Complete(d, ring.CompletionError, 0)
			s.logger.Error("malformed host message", "queue", name, "size", d.Size, "error", err)
			continue
		}
		msg := vhci.DecodeMessage(b)
		if err := q.Complete(d, ring.CompletionOK, uint64(d.Size)); err != nil {
			return err
		}
		handle(ctx, msg)
	}
}

func (s *Simulator) recordHostMessage(_ context.Context, msg vhci.Message) {
	s.mu.Lock()
	s.hostMsg = append(s.hostMsg, msg)
	s.mu.Unlock()
}

func (s *Simulator) systemMessage(_ context.Context, msg vhci.Message) {
	if !msg.IsReply() {
		s.logger.Warn("unexpected host system message", "msg", msg)
		return
	}
	select {
	case s.sysReply <- msg:
	default:
		s.logger.Warn("dropping system reply with no waiter", "msg", msg)
	}
}

// Emit writes msg into the next receive buffer the host posted on the
// named event queue.
func (s *Simulator) Emit(ctx context.Context, name string, msg vhci.Message) error {
	s.mu.Lock()
	mu, ok := s.emitMu[name]
	if !ok {
		mu = &sync.Mutex{}
		s.emitMu[name] = mu
	}
	s.mu.Unlock()

	// take and complete must pair up in order on a queue
	mu.Lock()
	defer mu.Unlock()
	q, err := s.lb.WaitQueue(ctx, name)
	if err != nil {
		return err
	}
	d, err := q.Take(ctx)
	if err != nil {
		return fmt.Errorf("event queue %s: %w", name, err)
	}
	b, err := q.Bytes(d)
	if err != nil || len(b) < vhci.MessageSize {
		_ = q.Complete(d, ring.CompletionError, 0)
		return fmt.Errorf("event queue %s: bad receive buffer: %w", name, err)
	}
	msg.Put(b)
	return q.Complete(d, ring.CompletionOK, vhci.MessageSize)
}

// RequestEndpointState asks the host to move an endpoint to state, the way
// firmware does on its own initiative, and waits for the answer.
func (s *Simulator) RequestEndpointState(ctx context.Context, dev, ep uint8, state vhci.EndpointState) (vhci.Message, error) {
	s.sysMu.Lock()
	defer s.sysMu.Unlock()
	req := vhci.Message{
		Cmd:    vhci.CmdEndpointRequestState,
		Param1: vhci.EndpointParam(dev, ep),
		Param2: uint64(state),
	}
	if err := s.Emit(ctx, controller.QueueFirmwareSystemEvents, req); err != nil {
		return vhci.Message{}, err
	}
	select {
	case <-ctx.Done():
		return vhci.Message{}, ctx.Err()
	case res := <-s.sysReply:
		return res, nil
	}
}

func (s *Simulator) command(ctx context.Context, msg vhci.Message) {
	op := msg.Opcode()
	var res vhci.Message
	if msg.IsCancel() {
		ignore, lateOriginal := s.faults.recordCancel(msg)
		if ignore {
			s.logger.Debug("ignoring cancel", "cmd", fmt.Sprintf("%#x", msg.Cmd))
			return
		}
		res = vhci.Message{Cmd: msg.Cmd | vhci.CmdReply, Status: uint16(vhci.StatusSuccess), Param1: msg.Param1}
		if lateOriginal {
			res.Cmd = op | vhci.CmdReply
		}
	} else {
		if s.faults.takeDrop(op) {
			s.logger.Debug("dropping command reply", "cmd", fmt.Sprintf("%#x", msg.Cmd))
			return
		}
		status, p2 := s.execute(ctx, msg)
		res = s.faults.rewrite(op, vhci.Message{
			Cmd:    msg.Cmd | vhci.CmdReply,
			Status: uint16(status),
			Param1: msg.Param1,
			Param2: p2,
		})
	}

	if d := s.faults.delay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if err := s.Emit(ctx, controller.QueueFirmwareCommands, res); err != nil {
		s.logger.Error("failed to send command reply", "msg", res, "error", err)
	}
}

func (s *Simulator) execute(ctx context.Context, msg vhci.Message) (vhci.Status, uint64) {
	port := msg.Param1
	dev, ep := msg.DevAddr(), msg.EndpointAddr()
	switch msg.Opcode() {
	case vhci.CmdControllerEnable:
		s.mu.Lock()
		s.enabled = true
		s.busNum = uint8(msg.Param1 >> 24)
		s.mu.Unlock()
		return vhci.StatusSuccess, 0
	case vhci.CmdControllerDisable:
		s.mu.Lock()
		s.enabled = false
		s.mu.Unlock()
		return vhci.StatusSuccess, 0
	case vhci.CmdControllerStart, vhci.CmdControllerPause:
		return vhci.StatusSuccess, 0

	case vhci.CmdPortPowerOn:
		return s.bus.setPower(port, true), 0
	case vhci.CmdPortPowerOff:
		return s.bus.setPower(port, false), 0
	case vhci.CmdPortResume, vhci.CmdPortSuspend, vhci.CmdPortReset, vhci.CmdPortDisable:
		return s.bus.checkPort(port), 0
	case vhci.CmdPortStatus:
		return vhci.StatusSuccess, uint64(s.bus.PortStatus(port) &^ uint32(msg.Param2))

	case vhci.CmdDeviceCreate:
		if st := s.bus.checkPort(port); st != vhci.StatusSuccess {
			return st, 0
		}
		d, err := s.bus.create(ctx, port)
		if err != nil {
			s.logger.Warn("device create failed", "port", port, "error", err)
			return vhci.StatusBadArgument, 0
		}
		s.logger.Debug("device created", "port", port, "dev", d.addr)
		return vhci.StatusSuccess, uint64(d.addr)
	case vhci.CmdDeviceDestroy:
		if !s.bus.destroy(dev) {
			return vhci.StatusBadArgument, 0
		}
		return vhci.StatusSuccess, 0

	case vhci.CmdEndpointCreate:
		return s.createEndpoint(dev, ep, usb.TransferType(msg.Param2&0xf)), 0
	case vhci.CmdEndpointDestroy:
		d := s.bus.device(dev)
		if d == nil {
			return vhci.StatusBadArgument, 0
		}
		d.mu.Lock()
		e := d.endpoints[ep]
		delete(d.endpoints, ep)
		d.mu.Unlock()
		if e == nil {
			return vhci.StatusBadArgument, 0
		}
		e.cancel()
		return vhci.StatusSuccess, 0
	case vhci.CmdEndpointSetState:
		e := s.endpointOf(dev, ep)
		if e == nil {
			return vhci.StatusBadArgument, uint64(vhci.EndpointStalled)
		}
		st := vhci.EndpointState(msg.Param2)
		if st != vhci.EndpointActive && st != vhci.EndpointPaused {
			return vhci.StatusBadArgument, uint64(e.State())
		}
		e.setState(st)
		return vhci.StatusSuccess, uint64(st)
	case vhci.CmdEndpointReset:
		e := s.endpointOf(dev, ep)
		if e == nil {
			return vhci.StatusBadArgument, 0
		}
		e.setState(vhci.EndpointActive)
		return vhci.StatusSuccess, 0
	default:
		return vhci.StatusUnsupported, 0
	}
}

func (s *Simulator) endpointOf(dev, ep uint8) *endpoint {
	d := s.bus.device(dev)
	if d == nil {
		return nil
	}
	return d.endpoint(ep)
}

// createEndpoint registers an endpoint and starts the goroutine that plays
// its device side.
func (s *Simulator) createEndpoint(dev, ep uint8, typ usb.TransferType) vhci.Status {
	d := s.bus.device(dev)
	if d == nil {
		return vhci.StatusBadArgument
	}
	if typ == usb.TransferIsochronous {
		return vhci.StatusUnsupported
	}
	e := newEndpoint(d, ep)
	ctx, cancel := context.WithCancel(d.ctx)
	e.cancel = cancel

	d.mu.Lock()
	if old := d.endpoints[ep]; old != nil {
		old.cancel()
	}
	d.endpoints[ep] = e
	d.mu.Unlock()

	var run func(context.Context, *endpoint) error
	switch {
	case ep&0x0F == 0:
		run = s.controlLoop
	case ep&0x80 != 0:
		run = s.inLoop
	default:
		run = s.outLoop
	}
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	g.Go(func() error {
		err := run(ctx, e)
		if ctx.Err() != nil || errors.Is(err, ring.ErrClosed) {
			return nil
		}
		if err != nil {
			s.logger.Error("endpoint stopped", "dev", dev, "ep", fmt.Sprintf("%02x", ep), "error", err)
		}
		return nil
	})
	return vhci.StatusSuccess
}
