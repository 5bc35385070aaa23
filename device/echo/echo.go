// Package echo provides a vendor-class bulk device that sends back what it
// receives.
package echo

import (
	"sync"

	"github.com/Alia5/vhcibridge/device"
	"github.com/Alia5/vhcibridge/usb"
)

func init() {
	device.Register("echo", func() usb.Device { return New() })
}

// Echo queues every byte written to bulk OUT endpoint 1 and returns it on
// bulk IN endpoint 1.
type Echo struct {
	mu         sync.Mutex
	pending    []byte
	received   int
	descriptor usb.Descriptor
}

// New returns an empty Echo device.
func New() *Echo {
	return &Echo{descriptor: defaultDescriptor}
}

// Fill queues data for the next IN transfers.
func (e *Echo) Fill(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, data...)
}

// Received is the number of OUT bytes taken so far.
func (e *Echo) Received() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received
}

// Pending is the number of bytes waiting to go back IN.
func (e *Echo) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Echo) HandleTransfer(ep uint8, dir usb.Direction, out []byte, max int) []byte {
	if ep != 1 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if dir == usb.DirOut {
		e.pending = append(e.pending, out...)
		e.received += len(out)
		return nil
	}
	n := min(max, len(e.pending))
	data := append([]byte(nil), e.pending[:n]...)
	e.pending = e.pending[n:]
	return data
}

func (e *Echo) GetDescriptor() *usb.Descriptor {
	return &e.descriptor
}

var defaultDescriptor = usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0xFF,
		BMaxPacketSize0:    0x40,
		IDVendor:           0x1209,
		IDProduct:          0x0001,
		BcdDevice:          0x0100,
		IManufacturer:      0x01,
		IProduct:           0x02,
		BNumConfigurations: 0x01,
	},
	Interfaces: []usb.InterfaceConfig{
		{
			Descriptor: usb.InterfaceDescriptor{
				BNumEndpoints:   0x02,
				BInterfaceClass: 0xFF,
			},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: 0x01, BMAttributes: 0x02, WMaxPacketSize: 0x0200},
				{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 0x0200},
			},
		},
	},
	Strings: map[uint8]string{
		1: "vhcibridge",
		2: "Bulk Echo",
	},
}
