// Package mouse provides a HID boot mouse with vertical and horizontal
// wheels.
package mouse

import (
	"sync"

	"github.com/Alia5/vhcibridge/device"
	"github.com/Alia5/vhcibridge/usb"
)

func init() {
	device.Register("mouse", func() usb.Device { return New() })
}

// Mouse reports its input state on interrupt IN endpoint 1.
type Mouse struct {
	stateMu    sync.Mutex
	inputState *InputState
	polls      uint64
	descriptor usb.Descriptor
}

// New returns a Mouse at rest.
func New() *Mouse {
	return &Mouse{descriptor: defaultDescriptor}
}

// UpdateInputState replaces the state the next report is built from.
func (m *Mouse) UpdateInputState(state InputState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.inputState = &state
}

// Polls is the number of reports sent.
func (m *Mouse) Polls() uint64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.polls
}

func (m *Mouse) HandleTransfer(ep uint8, dir usb.Direction, _ []byte, max int) []byte {
	if dir != usb.DirIn || ep != 1 {
		return nil
	}
	m.stateMu.Lock()
	m.polls++
	var st InputState
	if m.inputState != nil {
		st = *m.inputState
		// relative motion is reported once; buttons stick
		m.inputState.DX = 0
		m.inputState.DY = 0
		m.inputState.Wheel = 0
		m.inputState.Pan = 0
	}
	m.stateMu.Unlock()
	report := st.BuildReport()
	if len(report) > max {
		report = report[:max]
	}
	return report
}

// 5 buttons, 16-bit relative X, Y, wheel and AC pan.
var hidReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, //   Usage (Pointer)
	0xA1, 0x00, //   Collection (Physical)
	0x05, 0x09, //     Usage Page (Button)
	0x19, 0x01, //     Usage Minimum (1)
	0x29, 0x05, //     Usage Maximum (5)
	0x15, 0x00, //     Logical Minimum (0)
	0x25, 0x01, //     Logical Maximum (1)
	0x95, 0x05, //     Report Count (5)
	0x75, 0x01, //     Report Size (1)
	0x81, 0x02, //     Input (Data, Variable, Absolute)
	0x95, 0x01, //     Report Count (1)
	0x75, 0x03, //     Report Size (3)
	0x81, 0x01, //     Input (Constant)
	0x05, 0x01, //     Usage Page (Generic Desktop)
	0x09, 0x30, //     Usage (X)
	0x09, 0x31, //     Usage (Y)
	0x09, 0x38, //     Usage (Wheel)
	0x16, 0x01, 0x80, // Logical Minimum (-32767)
	0x26, 0xFF, 0x7F, // Logical Maximum (32767)
	0x75, 0x10, //     Report Size (16)
	0x95, 0x03, //     Report Count (3)
	0x81, 0x06, //     Input (Data, Variable, Relative)
	0x05, 0x0C, //     Usage Page (Consumer)
	0x0A, 0x38, 0x02, // Usage (AC Pan)
	0x16, 0x01, 0x80, // Logical Minimum (-32767)
	0x26, 0xFF, 0x7F, // Logical Maximum (32767)
	0x75, 0x10, //     Report Size (16)
	0x95, 0x01, //     Report Count (1)
	0x81, 0x06, //     Input (Data, Variable, Relative)
	0xC0, //   End Collection
	0xC0, // End Collection
}

var defaultDescriptor = usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0x00,
		BDeviceSubClass:    0x00,
		BDeviceProtocol:    0x00,
		BMaxPacketSize0:    0x40, // 64 bytes
		IDVendor:           0x2E8A,
		IDProduct:          0x0011,
		BcdDevice:          0x0100,
		IManufacturer:      0x01,
		IProduct:           0x02,
		ISerialNumber:      0x03,
		BNumConfigurations: 0x01,
	},
	Interfaces: []usb.InterfaceConfig{
		{
			Descriptor: usb.InterfaceDescriptor{
				BInterfaceNumber:   0x00,
				BAlternateSetting:  0x00,
				BNumEndpoints:      0x01,
				BInterfaceClass:    0x03, // HID
				BInterfaceSubClass: 0x01, // Boot Interface
				BInterfaceProtocol: 0x02, // Mouse
				IInterface:         0x00,
			},
			HIDDescriptor: []byte{
				0x09,       // bLength
				0x21,       // bDescriptorType (HID)
				0x11, 0x01, // bcdHID 1.11
				0x00,                                 // bCountryCode
				0x01,                                 // bNumDescriptors
				0x22,                                 // bDescriptorType (Report)
				byte(len(hidReportDescriptor)), 0x00, // wDescriptorLength
			},
			HIDReport: hidReportDescriptor,
			Endpoints: []usb.EndpointDescriptor{
				{
					BEndpointAddress: 0x81,
					BMAttributes:     0x03, // Interrupt
					WMaxPacketSize:   0x0009,
					BInterval:        0x0A, // 10 ms
				},
			},
		},
	},
	Strings: map[uint8]string{
		1: "vhcibridge",
		2: "HID Mouse",
		3: "1337",
	},
}

func (m *Mouse) GetDescriptor() *usb.Descriptor {
	return &m.descriptor
}
