package cmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/Alia5/vhcibridge/controller"
	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/usb"
	"github.com/Alia5/vhcibridge/vhci"
)

const langEnglishUS = 0x0409

// host is the client side of the controller: it enumerates attached
// devices, enables their endpoints and keeps every IN endpoint polled.
type host struct {
	rings  *ring.Loopback
	ctrl   *controller.Controller
	logger *slog.Logger

	pollers sync.WaitGroup
	mu      sync.Mutex
	outs    []endpointRef
}

type endpointRef struct {
	dev  uint8
	desc usb.EndpointDescriptor
}

func (h *host) giveback(u *vhci.URB) {
	if done, ok := u.Context().(chan *vhci.URB); ok {
		done <- u
	}
}

// transfer submits req and blocks until the URB is given back. Closing the
// controller gives back everything still queued, so this always returns.
func (h *host) transfer(dev, ep uint8, req vhci.Request) (*vhci.URB, error) {
	done := make(chan *vhci.URB, 1)
	req.Context = done
	if _, err := h.ctrl.Submit(dev, ep, req); err != nil {
		return nil, err
	}
	u := <-done
	return u, u.Err()
}

// control runs one control transfer on endpoint zero of dev.
func (h *host) control(dev uint8, setup usb.SetupPacket, out []byte) ([]byte, error) {
	size := len(out)
	if setup.In() {
		size = int(setup.WLength)
	}
	buf, err := h.rings.Alloc(size)
	if err != nil {
		return nil, err
	}
	copy(buf.Data, out)
	sb, err := h.rings.Alloc(vhci.SetupPacketSize)
	if err != nil {
		return nil, err
	}
	setup.Put(sb.Data)
	u, err := h.transfer(dev, 0, vhci.Request{Buffer: buf, Setup: sb, In: setup.In()})
	if err != nil {
		return nil, fmt.Errorf("control %s: %w", setup, err)
	}
	return buf.Data[:u.ActualLength()], nil
}

// bringUp attaches the device on port, reads its descriptors, selects its
// first configuration and enables every endpoint it declares.
func (h *host) bringUp(ctx context.Context, port uint32) error {
	dev, err := h.ctrl.AttachDevice(ctx, port)
	if err != nil {
		return err
	}
	dd, err := h.control(dev, usb.GetDescriptor(usb.DeviceDescType, 0, usb.DeviceDescLen), nil)
	if err != nil {
		return err
	}
	if len(dd) < usb.DeviceDescLen {
		return fmt.Errorf("short device descriptor: %d bytes", len(dd))
	}
	head, err := h.control(dev, usb.GetDescriptor(usb.ConfigDescType, 0, usb.ConfigDescLen), nil)
	if err != nil {
		return err
	}
	if len(head) < usb.ConfigDescLen {
		return fmt.Errorf("short configuration descriptor: %d bytes", len(head))
	}
	cfg, err := h.control(dev, usb.GetDescriptor(usb.ConfigDescType, 0, binary.LittleEndian.Uint16(head[2:4])), nil)
	if err != nil {
		return err
	}
	if _, err := h.control(dev, usb.SetConfiguration(head[5]), nil); err != nil {
		return err
	}

	product := ""
	if idx := dd[15]; idx != 0 {
		req := usb.GetDescriptor(usb.StringDescType, idx, 0xFF)
		req.WIndex = langEnglishUS
		if sd, err := h.control(dev, req, nil); err == nil {
			product = decodeString(sd)
		} else {
			h.logger.Debug("product string", "dev", dev, "error", err)
		}
	}

	eps := parseEndpoints(cfg)
	for _, ep := range eps {
		if err := h.ctrl.EnableEndpoint(ctx, dev, ep); err != nil {
			return err
		}
		switch {
		case ep.TransferType() == usb.TransferIsochronous:
			h.logger.Warn("isochronous endpoint left idle", "dev", dev, "ep", fmt.Sprintf("%02x", ep.BEndpointAddress))
		case ep.IsIn():
			h.poll(ctx, dev, ep)
		default:
			h.mu.Lock()
			h.outs = append(h.outs, endpointRef{dev: dev, desc: ep})
			h.mu.Unlock()
		}
	}
	h.logger.Info("device ready",
		"port", port,
		"dev", dev,
		"vid", fmt.Sprintf("%04x", binary.LittleEndian.Uint16(dd[8:10])),
		"pid", fmt.Sprintf("%04x", binary.LittleEndian.Uint16(dd[10:12])),
		"product", product,
		"endpoints", len(eps),
	)
	return nil
}

// poll keeps one receive buffer queued on an IN endpoint and logs what
// arrives. Interrupt endpoints are polled once per bInterval milliseconds.
func (h *host) poll(ctx context.Context, dev uint8, ep usb.EndpointDescriptor) {
	var interval time.Duration
	if ep.TransferType() == usb.TransferInterrupt {
		interval = time.Duration(max(ep.BInterval, 1)) * time.Millisecond
	}
	size := int(ep.MaxPacketSize()) * int(ep.MaxPacketMult())
	buf, err := h.rings.Alloc(size)
	if err != nil {
		h.logger.Error("allocate poll buffer", "dev", dev, "error", err)
		return
	}
	h.pollers.Add(1)
	go func() {
		defer h.pollers.Done()
		for {
			u, err := h.transfer(dev, ep.BEndpointAddress, vhci.Request{Buffer: buf, In: true})
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, vhci.ErrAborted) {
					h.logger.Warn("IN transfer failed", "dev", dev, "ep", fmt.Sprintf("%02x", ep.BEndpointAddress), "error", err)
				}
				return
			}
			h.logger.Debug("IN",
				"dev", dev,
				"ep", fmt.Sprintf("%02x", ep.BEndpointAddress),
				"data", fmt.Sprintf("% x", buf.Data[:u.ActualLength()]),
			)
			if interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		}
	}()
}

// sendAll writes payload once to every bulk or interrupt OUT endpoint seen
// so far.
func (h *host) sendAll(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	outs := append([]endpointRef(nil), h.outs...)
	h.mu.Unlock()
	for _, o := range outs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf, err := h.rings.Alloc(len(payload))
		if err != nil {
			return err
		}
		copy(buf.Data, payload)
		u, err := h.transfer(o.dev, o.desc.BEndpointAddress, vhci.Request{Buffer: buf})
		if err != nil {
			return fmt.Errorf("OUT %d-%02x: %w", o.dev, o.desc.BEndpointAddress, err)
		}
		h.logger.Info("OUT", "dev", o.dev, "ep", fmt.Sprintf("%02x", o.desc.BEndpointAddress), "bytes", u.ActualLength())
	}
	return nil
}

func (h *host) wait() { h.pollers.Wait() }

// parseEndpoints picks every endpoint descriptor out of a full
// configuration descriptor.
func parseEndpoints(cfg []byte) []usb.EndpointDescriptor {
	var eps []usb.EndpointDescriptor
	for i := 0; i+1 < len(cfg); {
		l := int(cfg[i])
		if l == 0 || i+l > len(cfg) {
			break
		}
		if cfg[i+1] == usb.EndpointDescType && l >= usb.EndpointDescLen {
			eps = append(eps, usb.EndpointDescriptor{
				BEndpointAddress: cfg[i+2],
				BMAttributes:     cfg[i+3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(cfg[i+4 : i+6]),
				BInterval:        cfg[i+6],
			})
		}
		i += l
	}
	return eps
}

func decodeString(sd []byte) string {
	if len(sd) < 2 {
		return ""
	}
	n := min(int(sd[0]), len(sd))
	var units []uint16
	for i := 2; i+1 < n; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(sd[i:]))
	}
	return string(utf16.Decode(units))
}
