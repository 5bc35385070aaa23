package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Alia5/vhcibridge/usb"
	"github.com/Alia5/vhcibridge/vhci"
)

// Port status bits reported by PortStatus.
const (
	PortConnected uint32 = 1 << 0
	PortEnabled   uint32 = 1 << 1
	PortPowered   uint32 = 1 << 8
)

const maxDeviceAddr = 127

var (
	ErrBadPort      = errors.New("port out of range")
	ErrPortOccupied = errors.New("port already has a device")
	ErrPortEmpty    = errors.New("no device plugged into port")
	ErrNoAddress    = errors.New("no free device address")
)

type port struct {
	dev     usb.Device
	powered bool
	addr    uint8
}

// simDevice is a device the host created behind a port.
type simDevice struct {
	addr uint8
	port uint32
	dev  usb.Device

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	config     uint8
	setAddress uint8
	endpoints  map[uint8]*endpoint
}

func (d *simDevice) endpoint(ep uint8) *endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[ep]
}

// Bus is the device side topology: what is plugged where, and which
// addresses the host was handed out.
type Bus struct {
	mu      sync.Mutex
	ports   []port
	devices map[uint8]*simDevice
}

// NewBus creates a bus with n root ports.
func NewBus(n int) *Bus {
	return &Bus{ports: make([]port, n), devices: make(map[uint8]*simDevice)}
}

// Plug connects dev to port.
func (b *Bus) Plug(p uint32, dev usb.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(p) >= len(b.ports) {
		return fmt.Errorf("%w: %d", ErrBadPort, p)
	}
	if b.ports[p].dev != nil {
		return fmt.Errorf("%w: %d", ErrPortOccupied, p)
	}
	b.ports[p].dev = dev
	return nil
}

// Unplug disconnects whatever is plugged into port. A device the host
// created there is destroyed.
func (b *Bus) Unplug(p uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(p) >= len(b.ports) {
		return fmt.Errorf("%w: %d", ErrBadPort, p)
	}
	if b.ports[p].dev == nil {
		return fmt.Errorf("%w: %d", ErrPortEmpty, p)
	}
	if addr := b.ports[p].addr; addr != 0 {
		b.destroyLocked(addr)
	}
	b.ports[p].dev = nil
	return nil
}

func (b *Bus) setPower(p uint32, on bool) vhci.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(p) >= len(b.ports) {
		return vhci.StatusBadArgument
	}
	b.ports[p].powered = on
	return vhci.StatusSuccess
}

func (b *Bus) checkPort(p uint32) vhci.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(p) >= len(b.ports) {
		return vhci.StatusBadArgument
	}
	if !b.ports[p].powered {
		return vhci.StatusNoPower
	}
	return vhci.StatusSuccess
}

// PortStatus returns the status word of port.
func (b *Bus) PortStatus(p uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(p) >= len(b.ports) {
		return 0
	}
	var st uint32
	if b.ports[p].powered {
		st |= PortPowered
	}
	if b.ports[p].dev != nil {
		st |= PortConnected
	}
	if b.ports[p].addr != 0 {
		st |= PortEnabled
	}
	return st
}

// create hands out the lowest free address to the device on port.
func (b *Bus) create(parent context.Context, p uint32) (*simDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(p) >= len(b.ports) {
		return nil, fmt.Errorf("%w: %d", ErrBadPort, p)
	}
	pt := &b.ports[p]
	if pt.dev == nil {
		return nil, fmt.Errorf("%w: %d", ErrPortEmpty, p)
	}
	if pt.addr != 0 {
		b.destroyLocked(pt.addr)
	}
	var addr uint8
	for i := uint8(1); i <= maxDeviceAddr; i++ {
		if _, used := b.devices[i]; !used {
			addr = i
			break
		}
	}
	if addr == 0 {
		return nil, ErrNoAddress
	}
	ctx, cancel := context.WithCancel(parent)
	d := &simDevice{
		addr:      addr,
		port:      p,
		dev:       pt.dev,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[uint8]*endpoint),
	}
	b.devices[addr] = d
	pt.addr = addr
	return d, nil
}

func (b *Bus) destroy(addr uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyLocked(addr)
}

func (b *Bus) destroyLocked(addr uint8) bool {
	d, ok := b.devices[addr]
	if !ok {
		return false
	}
	d.cancel()
	delete(b.devices, addr)
	if int(d.port) < len(b.ports) && b.ports[d.port].addr == addr {
		b.ports[d.port].addr = 0
	}
	return true
}

func (b *Bus) device(addr uint8) *simDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[addr]
}

// Addresses lists the addresses currently handed out.
func (b *Bus) Addresses() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint8, 0, len(b.devices))
	for a := range b.devices {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// close cancels every device.
func (b *Bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr := range b.devices {
		b.destroyLocked(addr)
	}
}
