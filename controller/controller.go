// Package controller composes the vhci queues into a virtual host
// controller: it owns the controller-wide rings, routes device events to
// the command queue or the endpoint they address, and tracks attached
// devices and their endpoints.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/usb"
	"github.com/Alia5/vhcibridge/vhci"
)

var (
	// ErrNoDevice is returned for an unknown device address.
	ErrNoDevice = errors.New("no such device")
	// ErrNoEndpoint is returned for an endpoint that is not enabled.
	ErrNoEndpoint = errors.New("no such endpoint")
)

type device struct {
	addr   uint8
	port   uint32
	queues map[uint8]*vhci.TransferQueue
}

// Controller is a virtual USB host controller talking to a device over a
// ring.Provider.
type Controller struct {
	cfg      Config
	rings    ring.Provider
	logger   *slog.Logger
	giveback vhci.GivebackFunc

	msgCommands  *vhci.MessageQueue
	msgSystem    *vhci.MessageQueue
	msgInterrupt *vhci.MessageQueue
	msgAsync     *vhci.MessageQueue
	events       []*vhci.EventQueue
	cmds         *vhci.CommandQueue
	tasks        *taskQueue

	mu      sync.RWMutex
	devices map[uint8]*device
}

// New creates every controller-wide ring. Event queues post their receive
// buffers immediately; no command is sent until Start.
func New(rings ring.Provider, cfg Config, giveback vhci.GivebackFunc, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if giveback == nil {
		giveback = func(*vhci.URB) {}
	}
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		rings:    rings,
		logger:   logger,
		giveback: giveback,
		tasks:    newTaskQueue(cfg.TaskQueueSize, logger),
		devices:  make(map[uint8]*device),
	}

	var err error
	for _, mq := range []struct {
		dst  **vhci.MessageQueue
		name string
	}{
		{&c.msgCommands, QueueHostCommands},
		{&c.msgSystem, QueueHostSystemEvents},
		{&c.msgInterrupt, QueueHostInterruptEvents},
		{&c.msgAsync, QueueHostAsyncEvents},
	} {
		if *mq.dst, err = vhci.NewMessageQueue(rings, mq.name, logger); err != nil {
			c.destroyRings()
			return nil, err
		}
	}
	c.cmds = vhci.NewCommandQueue(c.msgCommands, logger)

	for _, eq := range []struct {
		name    string
		handler vhci.EventHandler
	}{
		{QueueFirmwareCommands, c.route},
		{QueueFirmwareSystemEvents, c.systemEvent},
		{QueueFirmwareInterruptEvents, c.route},
		{QueueFirmwareAsyncEvents, c.route},
	} {
		q, err := vhci.NewEventQueue(rings, eq.name, eq.handler, logger)
		if err != nil {
			c.destroyRings()
			return nil, err
		}
		c.events = append(c.events, q)
	}
	return c, nil
}

// Commands exposes the command queue.
func (c *Controller) Commands() *vhci.CommandQueue { return c.cmds }

// Start launches the task worker, then enables and starts the controller.
// The task worker stops when ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.tasks.start(ctx)
	if err := c.cmds.ControllerEnable(ctx, c.cfg.BusNum); err != nil {
		return fmt.Errorf("enable controller: %w", err)
	}
	if err := c.cmds.ControllerStart(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	c.logger.Info("controller started", "bus", c.cfg.BusNum)
	return nil
}

// route dispatches replies to the command queue and everything else to the
// endpoint param1 names.
func (c *Controller) route(q *vhci.EventQueue, msg vhci.Message) {
	if msg.IsReply() {
		c.cmds.DeliverCompletion(msg)
		return
	}
	tq := c.transferQueue(msg.DevAddr(), msg.EndpointAddr())
	if tq == nil {
		c.logger.Warn("event for unknown endpoint", "queue", q.Name(), "dev", msg.DevAddr(),
			"ep", fmt.Sprintf("%02x", msg.EndpointAddr()), "msg", msg, "error", vhci.ErrUnexpectedMessage)
		return
	}
	tq.Event(msg)
}

// systemEvent handles requests the device raises on its own.
func (c *Controller) systemEvent(q *vhci.EventQueue, msg vhci.Message) {
	if msg.IsReply() || msg.Opcode() != vhci.CmdEndpointRequestState {
		c.route(q, msg)
		return
	}
	err := c.tasks.submit("endpoint request state", func(ctx context.Context) error {
		return c.endpointRequestState(ctx, msg)
	})
	if err != nil {
		c.logger.Error("failed to schedule endpoint state request", "msg", msg, "error", err)
		c.replySystem(msg, vhci.StatusInternalError, 0)
	}
}

func (c *Controller) endpointRequestState(ctx context.Context, msg vhci.Message) error {
	dev, ep := msg.DevAddr(), msg.EndpointAddr()
	want := vhci.EndpointState(msg.Param2)
	c.logger.Debug("device requested endpoint state", "dev", dev, "ep", fmt.Sprintf("%02x", ep), "state", want)

	tq := c.transferQueue(dev, ep)
	if tq == nil {
		c.replySystem(msg, vhci.StatusBadArgument, 0)
		return fmt.Errorf("%w: %d-%02x", ErrNoEndpoint, dev, ep)
	}
	var err error
	switch want {
	case vhci.EndpointActive:
		err = tq.Resume(ctx)
	case vhci.EndpointPaused:
		err = tq.Pause(ctx)
	default:
		c.replySystem(msg, vhci.StatusUnsupported, uint64(tq.Stats().State))
		return fmt.Errorf("unsupported endpoint state %s", want)
	}
	status := vhci.StatusSuccess
	if err != nil {
		status = vhci.StatusOf(err)
		if status == vhci.StatusNone {
			status = vhci.StatusFailure
		}
	}
	c.replySystem(msg, status, uint64(tq.Stats().State))
	return err
}

func (c *Controller) replySystem(req vhci.Message, status vhci.Status, state uint64) {
	res := vhci.Message{Cmd: req.Cmd | vhci.CmdReply, Status: uint16(status), Param1: req.Param1, Param2: state}
	ctx, cancel := context.WithTimeout(context.Background(), vhci.CommandTimeoutShort)
	defer cancel()
	if err := c.msgSystem.Send(ctx, res); err != nil {
		c.logger.Error("failed to answer system request", "msg", req, "error", err)
	}
}

func (c *Controller) transferQueue(dev, ep uint8) *vhci.TransferQueue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[dev]
	if !ok {
		return nil
	}
	if ep&0x0F == 0 {
		ep = 0
	}
	return d.queues[ep&0x8F]
}

// AttachDevice powers and resets port, creates a device behind it and
// enables its control endpoint. It returns the device address.
func (c *Controller) AttachDevice(ctx context.Context, port uint32) (uint8, error) {
	if err := c.cmds.PortPowerOn(ctx, port); err != nil {
		return 0, fmt.Errorf("power on port %d: %w", port, err)
	}
	if err := c.cmds.PortReset(ctx, port, c.cfg.ResetTimeout); err != nil {
		return 0, fmt.Errorf("reset port %d: %w", port, err)
	}
	addr, err := c.cmds.DeviceCreate(ctx, port)
	if err != nil {
		return 0, fmt.Errorf("create device on port %d: %w", port, err)
	}

	c.mu.Lock()
	if _, exists := c.devices[addr]; exists {
		c.mu.Unlock()
		return 0, fmt.Errorf("device address %d already in use", addr)
	}
	c.devices[addr] = &device{addr: addr, port: port, queues: make(map[uint8]*vhci.TransferQueue)}
	c.mu.Unlock()

	if err := c.EnableEndpoint(ctx, addr, usb.ControlEndpoint(c.cfg.MaxPacket0)); err != nil {
		c.mu.Lock()
		delete(c.devices, addr)
		c.mu.Unlock()
		return 0, multierror.Append(err, c.cmds.DeviceDestroy(ctx, addr)).ErrorOrNil()
	}
	c.logger.Info("device attached", "port", port, "dev", addr)
	return addr, nil
}

// EnableEndpoint announces desc to the device and creates its transfer
// queue.
func (c *Controller) EnableEndpoint(ctx context.Context, dev uint8, desc usb.EndpointDescriptor) error {
	c.mu.RLock()
	d, ok := c.devices[dev]
	enabled := ok && d.queues[epKey(desc)] != nil
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, dev)
	}
	if enabled {
		return fmt.Errorf("endpoint %d-%02x already enabled", dev, epKey(desc))
	}

	if err := c.cmds.EndpointCreate(ctx, dev, desc); err != nil {
		return fmt.Errorf("create endpoint %02x: %w", desc.BEndpointAddress, err)
	}

	// the device may post events as soon as the rings exist; route must
	// find the queue by then
	c.mu.Lock()
	d, ok = c.devices[dev]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoDevice, dev)
	}
	if d.queues[epKey(desc)] != nil {
		c.mu.Unlock()
		return fmt.Errorf("endpoint %d-%02x already enabled", dev, epKey(desc))
	}
	tq, err := vhci.NewTransferQueue(vhci.TransferQueueConfig{
		Rings:         c.rings,
		Commands:      c.cmds,
		Async:         c.msgAsync,
		DevAddr:       dev,
		Endpoint:      desc,
		MaxInTransfer: c.cfg.MaxInTransfer,
		Giveback:      c.giveback,
		Logger:        c.logger.With("dev", dev),
	})
	if err != nil {
		c.mu.Unlock()
		return multierror.Append(err, c.cmds.EndpointDestroy(ctx, dev, desc.BEndpointAddress&0x8F)).ErrorOrNil()
	}
	d.queues[tq.EndpointAddr()] = tq
	c.mu.Unlock()
	return nil
}

func epKey(desc usb.EndpointDescriptor) uint8 {
	if desc.Number() == 0 {
		return 0
	}
	return desc.BEndpointAddress & 0x8F
}

// DisableEndpoint tears down an endpoint. Attached URBs are given back with
// vhci.ErrAborted.
func (c *Controller) DisableEndpoint(ctx context.Context, dev, ep uint8) error {
	c.mu.Lock()
	d, ok := c.devices[dev]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoDevice, dev)
	}
	tq := d.queues[ep]
	delete(d.queues, ep)
	c.mu.Unlock()
	if tq == nil {
		return fmt.Errorf("%w: %d-%02x", ErrNoEndpoint, dev, ep)
	}
	tq.Close()
	return c.cmds.EndpointDestroy(ctx, dev, ep)
}

// DetachDevice tears down every endpoint of dev and destroys it. It keeps
// going after failures and reports all of them.
func (c *Controller) DetachDevice(ctx context.Context, dev uint8) error {
	c.mu.Lock()
	d, ok := c.devices[dev]
	delete(c.devices, dev)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, dev)
	}

	var errs error
	eps := make([]int, 0, len(d.queues))
	for ep := range d.queues {
		eps = append(eps, int(ep))
	}
	sort.Ints(eps)
	for _, ep := range eps {
		d.queues[uint8(ep)].Close()
		if err := c.cmds.EndpointDestroy(ctx, dev, uint8(ep)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("destroy endpoint %02x: %w", ep, err))
		}
	}
	if err := c.cmds.DeviceDestroy(ctx, dev); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("destroy device %d: %w", dev, err))
	}
	c.logger.Info("device detached", "dev", dev, "port", d.port)
	return errs
}

// Devices lists attached device addresses in ascending order.
func (c *Controller) Devices() []uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint8, 0, len(c.devices))
	for addr := range c.devices {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Endpoint returns the transfer queue of an enabled endpoint.
func (c *Controller) Endpoint(dev, ep uint8) (*vhci.TransferQueue, error) {
	tq := c.transferQueue(dev, ep)
	if tq == nil {
		return nil, fmt.Errorf("%w: %d-%02x", ErrNoEndpoint, dev, ep)
	}
	return tq, nil
}

// Submit queues req on endpoint ep of dev.
func (c *Controller) Submit(dev, ep uint8, req vhci.Request) (*vhci.URB, error) {
	tq, err := c.Endpoint(dev, ep)
	if err != nil {
		return nil, err
	}
	return tq.Submit(req)
}

// Cancel gives u back with reason. A URB the device may already be working
// on is cancelled on the task queue by pausing its endpoint, removing it and
// resuming; the giveback then happens asynchronously.
func (c *Controller) Cancel(u *vhci.URB, reason error) error {
	tq := u.Queue()
	if u.State() == vhci.StateInitPaused {
		return tq.Cancel(u, reason)
	}
	return c.tasks.submit("cancel urb", func(ctx context.Context) error {
		var errs error
		if err := tq.Pause(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := tq.Cancel(u, reason); err != nil && !errors.Is(err, vhci.ErrURBNotPending) {
			errs = multierror.Append(errs, err)
		}
		if err := tq.Resume(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs
	})
}

// Pause pauses endpoint ep of dev.
func (c *Controller) Pause(ctx context.Context, dev, ep uint8) error {
	tq, err := c.Endpoint(dev, ep)
	if err != nil {
		return err
	}
	return tq.Pause(ctx)
}

// Resume resumes endpoint ep of dev.
func (c *Controller) Resume(ctx context.Context, dev, ep uint8) error {
	tq, err := c.Endpoint(dev, ep)
	if err != nil {
		return err
	}
	return tq.Resume(ctx)
}

// PortStatus returns the status word of port.
func (c *Controller) PortStatus(ctx context.Context, port uint32) (uint32, error) {
	return c.cmds.PortStatus(ctx, port, 0)
}

// Close detaches every device, disables the controller and destroys all
// rings. Failures are collected; teardown always runs to the end.
func (c *Controller) Close(ctx context.Context) error {
	var errs error
	for _, dev := range c.Devices() {
		if err := c.DetachDevice(ctx, dev); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.cmds.ControllerDisable(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("disable controller: %w", err))
	}
	c.tasks.stop()
	c.cmds.Close()
	c.destroyRings()
	return errs
}

func (c *Controller) destroyRings() {
	for _, q := range c.events {
		q.Close()
	}
	for _, mq := range []*vhci.MessageQueue{c.msgCommands, c.msgSystem, c.msgInterrupt, c.msgAsync} {
		if mq != nil {
			mq.Close()
		}
	}
}
