package vhci

import (
	"context"
	"time"

	"github.com/Alia5/vhcibridge/usb"
)

// Controller command opcodes.
const (
	CmdControllerEnable     uint16 = 0x01
	CmdControllerDisable    uint16 = 0x02
	CmdControllerStart      uint16 = 0x03
	CmdControllerPause      uint16 = 0x04
	CmdPortPowerOn          uint16 = 0x10
	CmdPortPowerOff         uint16 = 0x11
	CmdPortResume           uint16 = 0x12
	CmdPortSuspend          uint16 = 0x13
	CmdPortReset            uint16 = 0x14
	CmdPortDisable          uint16 = 0x15
	CmdPortStatus           uint16 = 0x16
	CmdDeviceCreate         uint16 = 0x30
	CmdDeviceDestroy        uint16 = 0x31
	CmdEndpointCreate       uint16 = 0x40
	CmdEndpointDestroy      uint16 = 0x41
	CmdEndpointSetState     uint16 = 0x42
	CmdEndpointRequestState uint16 = 0x43
	CmdEndpointReset        uint16 = 0x44
)

const (
	CommandTimeoutShort = 2 * time.Second
	CommandTimeoutLong  = 30 * time.Second
)

func (q *CommandQueue) simple(ctx context.Context, cmd uint16, p1 uint32, p2 uint64, timeout time.Duration) (Message, error) {
	return q.Execute(ctx, Message{Cmd: cmd, Param1: p1, Param2: p2}, timeout)
}

// ControllerEnable powers up the virtual controller.
func (q *CommandQueue) ControllerEnable(ctx context.Context, busNum uint8) error {
	_, err := q.simple(ctx, CmdControllerEnable, uint32(busNum)<<24, 0, CommandTimeoutLong)
	return err
}

func (q *CommandQueue) ControllerDisable(ctx context.Context) error {
	_, err := q.simple(ctx, CmdControllerDisable, 0, 0, CommandTimeoutLong)
	return err
}

func (q *CommandQueue) ControllerStart(ctx context.Context) error {
	_, err := q.simple(ctx, CmdControllerStart, 0, 0, CommandTimeoutLong)
	return err
}

func (q *CommandQueue) ControllerPause(ctx context.Context) error {
	_, err := q.simple(ctx, CmdControllerPause, 0, 0, CommandTimeoutLong)
	return err
}

func (q *CommandQueue) PortPowerOn(ctx context.Context, port uint32) error {
	_, err := q.simple(ctx, CmdPortPowerOn, port, 0, CommandTimeoutShort)
	return err
}

func (q *CommandQueue) PortPowerOff(ctx context.Context, port uint32) error {
	_, err := q.simple(ctx, CmdPortPowerOff, port, 0, CommandTimeoutShort)
	return err
}

func (q *CommandQueue) PortResume(ctx context.Context, port uint32) error {
	_, err := q.simple(ctx, CmdPortResume, port, 0, CommandTimeoutLong)
	return err
}

func (q *CommandQueue) PortSuspend(ctx context.Context, port uint32) error {
	_, err := q.simple(ctx, CmdPortSuspend, port, 0, CommandTimeoutLong)
	return err
}

func (q *CommandQueue) PortReset(ctx context.Context, port uint32, timeout time.Duration) error {
	_, err := q.simple(ctx, CmdPortReset, port, 0, timeout)
	return err
}

func (q *CommandQueue) PortDisable(ctx context.Context, port uint32) error {
	_, err := q.simple(ctx, CmdPortDisable, port, 0, CommandTimeoutShort)
	return err
}

// PortStatus returns the device-defined status word of port, masked by clearFlags.
func (q *CommandQueue) PortStatus(ctx context.Context, port uint32, clearFlags uint32) (uint32, error) {
	res, err := q.simple(ctx, CmdPortStatus, port, uint64(clearFlags), CommandTimeoutShort)
	if err != nil {
		return 0, err
	}
	return uint32(res.Param2), nil
}

// DeviceCreate allocates a device behind port and returns its address.
func (q *CommandQueue) DeviceCreate(ctx context.Context, port uint32) (uint8, error) {
	res, err := q.simple(ctx, CmdDeviceCreate, port, 0, CommandTimeoutShort)
	if err != nil {
		return 0, err
	}
	return uint8(res.Param2), nil
}

func (q *CommandQueue) DeviceDestroy(ctx context.Context, dev uint8) error {
	_, err := q.simple(ctx, CmdDeviceDestroy, uint32(dev), 0, CommandTimeoutLong)
	return err
}

// EndpointCreate announces an endpoint described by desc on device dev.
func (q *CommandQueue) EndpointCreate(ctx context.Context, dev uint8, desc usb.EndpointDescriptor) error {
	typ := desc.TransferType()
	maxp := uint64(desc.MaxPacketSize())
	burst := uint64(desc.MaxPacketMult()) * maxp
	var maxActivePow2 uint64
	switch typ {
	case usb.TransferBulk:
		maxActivePow2 = 0x2
	case usb.TransferIsochronous:
		maxActivePow2 = 0x4
	}
	p2 := uint64(typ) | (maxActivePow2&0xf)<<4 | maxp<<16 | burst<<32
	if typ == usb.TransferInterrupt && desc.BInterval > 0 {
		p2 |= uint64(desc.BInterval-1) << 8
	}
	_, err := q.simple(ctx, CmdEndpointCreate, EndpointParam(dev, desc.BEndpointAddress&0x8F), p2, CommandTimeoutShort)
	return err
}

func (q *CommandQueue) EndpointDestroy(ctx context.Context, dev, ep uint8) error {
	_, err := q.simple(ctx, CmdEndpointDestroy, EndpointParam(dev, ep), 0, CommandTimeoutShort)
	return err
}

// EndpointSetState asks the device to move an endpoint to state and returns
// the state it reports afterwards. A device rejection other than internal
// error or no power still carries the endpoint's current state.
func (q *CommandQueue) EndpointSetState(ctx context.Context, dev, ep uint8, state EndpointState) (EndpointState, error) {
	res, err := q.simple(ctx, CmdEndpointSetState, EndpointParam(dev, ep), uint64(state), CommandTimeoutShort)
	if err != nil {
		switch StatusOf(err) {
		case StatusNone, StatusInternalError, StatusNoPower:
			return EndpointStalled, err
		}
	}
	return EndpointState(res.Param2), err
}

func (q *CommandQueue) EndpointReset(ctx context.Context, dev, ep uint8) error {
	_, err := q.simple(ctx, CmdEndpointReset, EndpointParam(dev, ep), 0, CommandTimeoutShort)
	return err
}
