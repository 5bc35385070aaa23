package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes.
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
)

// bmRequestType values of the standard requests the simulator answers.
const (
	ReqTypeStandardToDevice      = 0x00
	ReqTypeStandardFromDevice    = 0x80
	ReqTypeStandardFromInterface = 0x81
)

// SetupPacket is the 8-byte control transfer setup stage.
type SetupPacket struct {
	BMRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// ParseSetupPacket decodes b, which must hold at least 8 bytes.
func ParseSetupPacket(b []byte) (SetupPacket, error) {
	if len(b) < 8 {
		return SetupPacket{}, fmt.Errorf("setup packet too short: %d bytes", len(b))
	}
	return SetupPacket{
		BMRequestType: b[0],
		BRequest:      b[1],
		WValue:        binary.LittleEndian.Uint16(b[2:4]),
		WIndex:        binary.LittleEndian.Uint16(b[4:6]),
		WLength:       binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// Put encodes p into b[:8].
func (p SetupPacket) Put(b []byte) {
	b[0] = p.BMRequestType
	b[1] = p.BRequest
	binary.LittleEndian.PutUint16(b[2:4], p.WValue)
	binary.LittleEndian.PutUint16(b[4:6], p.WIndex)
	binary.LittleEndian.PutUint16(b[6:8], p.WLength)
}

// Bytes returns the 8-byte encoding of p.
func (p SetupPacket) Bytes() []byte {
	b := make([]byte, 8)
	p.Put(b)
	return b
}

// In reports a device-to-host data stage.
func (p SetupPacket) In() bool { return p.BMRequestType&0x80 != 0 }

// GetDescriptor builds a standard GET_DESCRIPTOR request.
func GetDescriptor(descType, index uint8, length uint16) SetupPacket {
	return SetupPacket{
		BMRequestType: ReqTypeStandardFromDevice,
		BRequest:      ReqGetDescriptor,
		WValue:        uint16(descType)<<8 | uint16(index),
		WLength:       length,
	}
}

// SetConfiguration builds a standard SET_CONFIGURATION request.
func SetConfiguration(value uint8) SetupPacket {
	return SetupPacket{
		BMRequestType: ReqTypeStandardToDevice,
		BRequest:      ReqSetConfiguration,
		WValue:        uint16(value),
	}
}

func (p SetupPacket) String() string {
	return fmt.Sprintf("bm=%#02x req=%#02x val=%#04x idx=%#04x len=%d",
		p.BMRequestType, p.BRequest, p.WValue, p.WIndex, p.WLength)
}
