package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Alia5/vhcibridge/controller"
	"github.com/Alia5/vhcibridge/device"
	"github.com/Alia5/vhcibridge/internal/log"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/sim"
	"github.com/Alia5/vhcibridge/usb"
)

const closeTimeout = 5 * time.Second

// Sim runs a host controller against an in-process simulated coprocessor
// and drives the plugged devices like a minimal class driver would.
type Sim struct {
	Controller controller.Config `embed:"" prefix:"controller."`
	Device     sim.Config        `embed:"" prefix:"sim."`
	Devices    []string          `help:"Device types to plug, one per root port starting at port 0" default:"mouse" env:"VHCI_DEVICES"`
	ArenaSize  int               `help:"Size of the shared DMA arena in bytes" default:"16777216" env:"VHCI_ARENA_SIZE"`
	Duration   time.Duration     `help:"Stop after this long; 0 runs until interrupted" default:"0s" env:"VHCI_DURATION"`
	Send       string            `help:"Payload written once to every bulk OUT endpoint after enumeration" env:"VHCI_SEND"`
}

// Run is called by Kong when the sim command is executed.
func (s *Sim) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if s.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Duration)
		defer cancel()
	}
	err := s.StartSim(ctx, logger, rawLogger)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StartSim wires arena, loopback, simulator and controller together, plugs
// and enumerates every configured device and keeps polling them until ctx
// is done.
func (s *Sim) StartSim(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if s.Device.Ports > 0 && len(s.Devices) > s.Device.Ports {
		return fmt.Errorf("%d devices do not fit on %d ports", len(s.Devices), s.Device.Ports)
	}
	devs := make([]usb.Device, len(s.Devices))
	for i, name := range s.Devices {
		d, err := device.Create(name)
		if err != nil {
			return err
		}
		devs[i] = d
	}

	arena, err := ring.NewArena(s.ArenaSize)
	if err != nil {
		return fmt.Errorf("allocate DMA arena: %w", err)
	}
	defer func() { _ = arena.Close() }()
	var opts []ring.LoopbackOption
	if rawLogger != nil {
		opts = append(opts, ring.WithTap(rawLogger))
	}
	lb := ring.NewLoopback(arena, opts...)
	defer lb.Close()

	simulator := sim.New(lb, s.Device, logger.With("side", "device"))
	h := &host{rings: lb, logger: logger.With("side", "host")}
	ctrl, err := controller.New(lb, s.Controller, h.giveback, h.logger)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	h.ctrl = ctrl

	logger.Info("Starting vhcibridge simulation", "devices", s.Devices, "ports", s.Device.Ports)

	// The simulator outlives the controller so teardown commands still get
	// answered.
	simCtx, stopSim := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSim()

	// closed once no more pollers can be started
	hostDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return simulator.Run(simCtx) })
	g.Go(func() error {
		<-gctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := ctrl.Close(cctx); err != nil {
			logger.Warn("controller close", "error", err)
		}
		<-hostDone
		h.wait()
		stopSim()
		return nil
	})
	g.Go(func() error {
		defer close(hostDone)
		if err := ctrl.Start(gctx); err != nil {
			return err
		}
		for i, d := range devs {
			port := uint32(i)
			if err := simulator.Plug(port, d); err != nil {
				return err
			}
			if err := h.bringUp(gctx, port); err != nil {
				return fmt.Errorf("port %d (%s): %w", port, s.Devices[i], err)
			}
		}
		if s.Send != "" {
			if err := h.sendAll(gctx, []byte(s.Send)); err != nil {
				return err
			}
		}
		<-gctx.Done()
		return gctx.Err()
	})
	return g.Wait()
}
