// Package vhci implements the queue-pair protocol engine of a virtual USB
// host controller: framed message queues, a synchronous command channel,
// event queues and per-endpoint transfer queues driving URB state machines.
package vhci

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageSize is the packed wire size of a Message.
const MessageSize = 20

// Opcode flag bits.
const (
	// CmdCancel marks a cancellation of the command with the same opcode.
	CmdCancel uint16 = 0x4000
	// CmdReply is set by the device on replies.
	CmdReply uint16 = 0x8000
	// CmdTagMask covers the bits ignored when matching a reply to its request.
	CmdTagMask uint16 = 0xC000
)

// Notifications exchanged on the event and asynchronous queues.
const (
	MsgTransferRequest       uint16 = 0x1000
	MsgControlTransferStatus uint16 = 0x1005
)

// Message is the fixed-size record exchanged with the coprocessor.
//
// Wire layout, little-endian and packed:
//
//	0x00 cmd    u32
//	0x04 status u32
//	0x08 param1 u32
//	0x0c param2 u64
type Message struct {
	Cmd    uint16
	Status uint16
	Param1 uint32
	Param2 uint64
}

// Opcode returns the command id without reply or cancel bits.
func (m Message) Opcode() uint16 { return m.Cmd &^ CmdTagMask }

// IsReply reports whether the device tagged m as a reply.
func (m Message) IsReply() bool { return m.Cmd&CmdReply != 0 }

// IsCancel reports whether m carries the cancel flag.
func (m Message) IsCancel() bool { return m.Cmd&CmdCancel != 0 }

// DevAddr returns the device address of an endpoint-scoped message.
func (m Message) DevAddr() uint8 { return uint8(m.Param1) }

// EndpointAddr returns the endpoint address of an endpoint-scoped message.
func (m Message) EndpointAddr() uint8 { return uint8(m.Param1 >> 8) }

func (m Message) String() string {
	return fmt.Sprintf("cmd=%#x s=%#x p1=%#x p2=%#x", m.Cmd, m.Status, m.Param1, m.Param2)
}

// Put encodes m into b, which must hold at least MessageSize bytes.
func (m Message) Put(b []byte) {
	_ = b[MessageSize-1]
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Cmd))
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Status))
	binary.LittleEndian.PutUint32(b[8:12], m.Param1)
	binary.LittleEndian.PutUint64(b[12:20], m.Param2)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, MessageSize)
	m.Put(b)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < MessageSize {
		return fmt.Errorf("short message: %d bytes", len(b))
	}
	*m = DecodeMessage(b)
	return nil
}

// Write writes the wire form of m to w.
func (m Message) Write(w io.Writer) error {
	var buf [MessageSize]byte
	m.Put(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// DecodeMessage decodes the first MessageSize bytes of b.
func DecodeMessage(b []byte) Message {
	_ = b[MessageSize-1]
	return Message{
		Cmd:    uint16(binary.LittleEndian.Uint32(b[0:4])),
		Status: uint16(binary.LittleEndian.Uint32(b[4:8])),
		Param1: binary.LittleEndian.Uint32(b[8:12]),
		Param2: binary.LittleEndian.Uint64(b[12:20]),
	}
}

// ReadMessage reads one wire message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [MessageSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Message{}, err
	}
	return DecodeMessage(buf[:]), nil
}

// EndpointParam packs a device and endpoint address the way endpoint-scoped
// messages carry them in Param1.
func EndpointParam(dev, ep uint8) uint32 {
	return uint32(dev) | uint32(ep)<<8
}
