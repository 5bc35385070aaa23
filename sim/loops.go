package sim

import (
	"context"
	"errors"
	"time"

	"github.com/Alia5/vhcibridge/controller"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/usb"
	"github.com/Alia5/vhcibridge/vhci"
)

// nakInterval is how often a NAKing IN endpoint is polled again.
const nakInterval = time.Millisecond

func (s *Simulator) rings(ctx context.Context, dev, num uint8) (in, out *ring.Queue, err error) {
	if in, err = s.lb.WaitQueue(ctx, vhci.RingName(dev, 0x80|num)); err != nil {
		return nil, nil, err
	}
	if out, err = s.lb.WaitQueue(ctx, vhci.RingName(dev, num)); err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

// requestOut asks the host for up to size bytes on ep and returns what it
// sent. The request is repeated if the host pauses the endpoint meanwhile,
// since a pause drops every deferred request.
func (s *Simulator) requestOut(ctx context.Context, ep *endpoint, q *ring.Queue, size uint32) ([]byte, error) {
	for {
		if err := ep.waitActive(ctx); err != nil {
			return nil, err
		}
		req := vhci.Message{
			Cmd:    vhci.MsgTransferRequest,
			Param1: vhci.EndpointParam(ep.dev.addr, ep.addr),
			Param2: uint64(size),
		}
		if err := s.Emit(ctx, controller.QueueFirmwareAsyncEvents, req); err != nil {
			return nil, err
		}
		d, b, err := ep.take(ctx, q)
		if errors.Is(err, errInterrupted) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data := append([]byte(nil), b...)
		if err := complete(q, d, len(b)); err != nil {
			if errors.Is(err, errInterrupted) {
				continue
			}
			return nil, err
		}
		return data, nil
	}
}

// sendIn fills the next receive buffer the host posts on ep with data and
// returns how many bytes went out. With nak set, a nil fill result holds
// the buffer and asks again after nakInterval.
func (s *Simulator) sendIn(ctx context.Context, ep *endpoint, q *ring.Queue, fill func(max int) []byte, nak bool) (n, size int, err error) {
retry:
	for {
		d, b, err := ep.take(ctx, q)
		if errors.Is(err, errInterrupted) {
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		data := fill(len(b))
		for nak && data == nil {
			if err := ep.sleep(ctx, nakInterval); err != nil {
				if errors.Is(err, errInterrupted) {
					continue retry
				}
				return 0, 0, err
			}
			data = fill(len(b))
		}
		n = copy(b, data)
		if err := complete(q, d, n); err != nil {
			if errors.Is(err, errInterrupted) {
				continue
			}
			return 0, 0, err
		}
		return n, len(b), nil
	}
}

// controlLoop plays endpoint zero: request a setup packet, run the data
// stage it describes, report the status.
func (s *Simulator) controlLoop(ctx context.Context, ep *endpoint) error {
	in, out, err := s.rings(ctx, ep.dev.addr, 0)
	if err != nil {
		return err
	}
	for {
		raw, err := s.requestOut(ctx, ep, out, vhci.SetupPacketSize)
		if err != nil {
			return err
		}
		setup, err := usb.ParseSetupPacket(raw)
		if err != nil {
			s.logger.Warn("bad setup packet", "dev", ep.dev.addr, "error", err)
			if err := s.status(ctx, ep, vhci.StatusFailure); err != nil {
				return err
			}
			continue
		}
		s.logger.Debug("control request", "dev", ep.dev.addr, "setup", setup)

		status := vhci.StatusSuccess
		if setup.In() {
			data, ok := ep.dev.controlIn(setup)
			if !ok {
				status = vhci.StatusPipeStall
				data = nil
			}
			if setup.WLength > 0 {
				if err := s.controlInData(ctx, ep, in, setup.WLength, data); err != nil {
					return err
				}
			}
		} else {
			var payload []byte
			for len(payload) < int(setup.WLength) {
				want := uint32(setup.WLength) - uint32(len(payload))
				chunk, err := s.requestOut(ctx, ep, out, want)
				if err != nil {
					return err
				}
				payload = append(payload, chunk...)
				if uint32(len(chunk)) < want {
					break
				}
			}
			if !ep.dev.controlOut(setup, payload) {
				status = vhci.StatusPipeStall
			}
		}
		if err := s.status(ctx, ep, status); err != nil {
			return err
		}
	}
}

// controlInData moves data to the host, one receive buffer at a time,
// until a short buffer ends the stage or wLength bytes went out.
func (s *Simulator) controlInData(ctx context.Context, ep *endpoint, q *ring.Queue, wLength uint16, data []byte) error {
	off := 0
	for {
		n, size, err := s.sendIn(ctx, ep, q, func(int) []byte { return data[off:] }, false)
		if err != nil {
			return err
		}
		off += n
		if n < size || off >= int(wLength) {
			return nil
		}
	}
}

func (s *Simulator) status(ctx context.Context, ep *endpoint, st vhci.Status) error {
	return s.Emit(ctx, controller.QueueFirmwareAsyncEvents, vhci.Message{
		Cmd:    vhci.MsgControlTransferStatus,
		Status: uint16(st),
		Param1: vhci.EndpointParam(ep.dev.addr, 0),
	})
}

// inLoop serves every receive buffer the host posts on a data IN endpoint
// with whatever the device has to send. A device returning nil NAKs.
func (s *Simulator) inLoop(ctx context.Context, ep *endpoint) error {
	q, err := s.lb.WaitQueue(ctx, vhci.RingName(ep.dev.addr, ep.addr))
	if err != nil {
		return err
	}
	num := ep.addr & 0x0F
	for {
		_, _, err := s.sendIn(ctx, ep, q, func(max int) []byte {
			return ep.dev.dev.HandleTransfer(num, usb.DirIn, nil, max)
		}, true)
		if err != nil {
			return err
		}
	}
}

// outLoop keeps asking the host for data on a data OUT endpoint and hands
// it to the device.
func (s *Simulator) outLoop(ctx context.Context, ep *endpoint) error {
	q, err := s.lb.WaitQueue(ctx, vhci.RingName(ep.dev.addr, ep.addr))
	if err != nil {
		return err
	}
	num := ep.addr & 0x0F
	for {
		data, err := s.requestOut(ctx, ep, q, s.cfg.OutChunk)
		if err != nil {
			return err
		}
		ep.dev.dev.HandleTransfer(num, usb.DirOut, data, 0)
	}
}
