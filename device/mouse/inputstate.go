package mouse

import (
	"encoding/binary"
	"io"
)

// ReportSize is the length of an input report.
const ReportSize = 9

const buttonMask = 0x1F

// Button bits.
const (
	ButtonLeft uint8 = 1 << iota
	ButtonRight
	ButtonMiddle
	ButtonBack
	ButtonForward
)

// InputState is the mouse state a report is built from. Motion, wheel and
// pan are relative.
type InputState struct {
	Buttons uint8
	DX, DY  int16
	Wheel   int16
	Pan     int16
}

// BuildReport encodes s as the input report:
//
//	byte 0     buttons, bits 5-7 padding
//	bytes 1-2  DX
//	bytes 3-4  DY
//	bytes 5-6  wheel
//	bytes 7-8  pan
//
// All 16-bit fields are little-endian.
func (s *InputState) BuildReport() []byte {
	b := make([]byte, ReportSize)
	b[0] = s.Buttons & buttonMask
	binary.LittleEndian.PutUint16(b[1:], uint16(s.DX))
	binary.LittleEndian.PutUint16(b[3:], uint16(s.DY))
	binary.LittleEndian.PutUint16(b[5:], uint16(s.Wheel))
	binary.LittleEndian.PutUint16(b[7:], uint16(s.Pan))
	return b
}

func (s *InputState) MarshalBinary() ([]byte, error) {
	return s.BuildReport(), nil
}

func (s *InputState) UnmarshalBinary(data []byte) error {
	if len(data) < ReportSize {
		return io.ErrUnexpectedEOF
	}
	s.Buttons = data[0] & buttonMask
	s.DX = int16(binary.LittleEndian.Uint16(data[1:]))
	s.DY = int16(binary.LittleEndian.Uint16(data[3:]))
	s.Wheel = int16(binary.LittleEndian.Uint16(data[5:]))
	s.Pan = int16(binary.LittleEndian.Uint16(data[7:]))
	return nil
}
