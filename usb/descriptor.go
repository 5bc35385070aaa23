// Package usb contains the USB descriptor model shared by the host engine
// and the simulated device side.
package usb

import (
	"bytes"
	"encoding/binary"
)

// Descriptor type codes.
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	HIDDescType       = 0x21
	ReportDescType    = 0x22
)

// Fixed descriptor lengths.
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

const (
	configValueDefault   = 1
	configAttrBusPowered = 0x80
	configMaxPower100mA  = 50 // 2mA units
)

// TransferType is the endpoint transfer type from bmAttributes.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	default:
		return "interrupt"
	}
}

// Descriptor holds the static descriptor set of a device.
type Descriptor struct {
	Device     DeviceDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
}

// InterfaceConfig is one interface with its endpoints and class data.
type InterfaceConfig struct {
	Descriptor    InterfaceDescriptor
	Endpoints     []EndpointDescriptor
	HIDDescriptor []byte
	HIDReport     []byte
	VendorData    []byte
}

// DeviceDescriptor is the standard device descriptor without its length and
// type header.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes encodes the device descriptor.
func (d Descriptor) Bytes() []byte {
	b := make([]byte, DeviceDescLen)
	b[0] = DeviceDescLen
	b[1] = DeviceDescType
	binary.LittleEndian.PutUint16(b[2:], d.Device.BcdUSB)
	b[4] = d.Device.BDeviceClass
	b[5] = d.Device.BDeviceSubClass
	b[6] = d.Device.BDeviceProtocol
	b[7] = d.Device.BMaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:], d.Device.IDVendor)
	binary.LittleEndian.PutUint16(b[10:], d.Device.IDProduct)
	binary.LittleEndian.PutUint16(b[12:], d.Device.BcdDevice)
	b[14] = d.Device.IManufacturer
	b[15] = d.Device.IProduct
	b[16] = d.Device.ISerialNumber
	b[17] = d.Device.BNumConfigurations
	return b
}

// ConfigurationBytes builds the full configuration descriptor with every
// interface, class descriptor and endpoint inlined and wTotalLength patched.
func (d Descriptor) ConfigurationBytes() []byte {
	var b bytes.Buffer
	b.Write([]byte{
		ConfigDescLen, ConfigDescType,
		0, 0, // wTotalLength
		uint8(len(d.Interfaces)),
		configValueDefault,
		0,
		configAttrBusPowered,
		configMaxPower100mA,
	})
	for _, iface := range d.Interfaces {
		iface.Descriptor.write(&b)
		b.Write(iface.HIDDescriptor)
		for _, ep := range iface.Endpoints {
			ep.write(&b)
		}
		b.Write(iface.VendorData)
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// Endpoints lists every endpoint of every interface.
func (d Descriptor) Endpoints() []EndpointDescriptor {
	var eps []EndpointDescriptor
	for _, iface := range d.Interfaces {
		eps = append(eps, iface.Endpoints...)
	}
	return eps
}

// EncodeStringDescriptor converts s to a UTF-16LE string descriptor.
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return buf
}

// InterfaceDescriptor is one interface alternate setting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) write(b *bytes.Buffer) {
	b.Write([]byte{
		InterfaceDescLen, InterfaceDescType,
		i.BInterfaceNumber, i.BAlternateSetting, i.BNumEndpoints,
		i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol,
		i.IInterface,
	})
}

// EndpointDescriptor is the standard endpoint descriptor.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

// ControlEndpoint returns the descriptor of endpoint zero for a device with
// the given bMaxPacketSize0.
func ControlEndpoint(maxPacket uint8) EndpointDescriptor {
	return EndpointDescriptor{WMaxPacketSize: uint16(maxPacket)}
}

// Number is the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & 0x0F }

// IsIn reports a device-to-host endpoint.
func (e EndpointDescriptor) IsIn() bool { return e.BEndpointAddress&0x80 != 0 }

func (e EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.BMAttributes & 0x03)
}

// MaxPacketSize is the packet size from bits 0..10 of wMaxPacketSize.
func (e EndpointDescriptor) MaxPacketSize() uint16 { return e.WMaxPacketSize & 0x07FF }

// MaxPacketMult is the number of packets per microframe for high-bandwidth
// endpoints, bits 11..12 of wMaxPacketSize plus one.
func (e EndpointDescriptor) MaxPacketMult() uint16 { return (e.WMaxPacketSize>>11)&0x3 + 1 }

func (e EndpointDescriptor) write(b *bytes.Buffer) {
	b.Write([]byte{
		EndpointDescLen, EndpointDescType,
		e.BEndpointAddress, e.BMAttributes,
		uint8(e.WMaxPacketSize), uint8(e.WMaxPacketSize >> 8),
		e.BInterval,
	})
}
