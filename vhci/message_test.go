package vhci_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/vhci"
)

func TestMessageWireLayout(t *testing.T) {
	m := vhci.Message{Cmd: 0x8042, Status: 3, Param1: 0x00008105, Param2: 0x1122334455667788}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x42, 0x80, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x05, 0x81, 0x00, 0x00,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}, b)

	var got vhci.Message
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, m, got)
	assert.Error(t, got.UnmarshalBinary(b[:vhci.MessageSize-1]))
}

func TestMessageStream(t *testing.T) {
	var buf bytes.Buffer
	msgs := []vhci.Message{
		{Cmd: vhci.CmdPortReset, Param1: 2},
		{Cmd: vhci.MsgTransferRequest, Param1: vhci.EndpointParam(1, 0x81), Param2: 64},
	}
	for _, m := range msgs {
		require.NoError(t, m.Write(&buf))
	}
	assert.Equal(t, 2*vhci.MessageSize, buf.Len())
	for _, want := range msgs {
		got, err := vhci.ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := vhci.ReadMessage(&buf)
	assert.Error(t, err)
}

func TestMessageFlags(t *testing.T) {
	tests := []struct {
		name   string
		msg    vhci.Message
		opcode uint16
		reply  bool
		cancel bool
	}{
		{name: "request", msg: vhci.Message{Cmd: 0x07}, opcode: 0x07},
		{name: "reply", msg: vhci.Message{Cmd: 0x8007}, opcode: 0x07, reply: true},
		{name: "cancel", msg: vhci.Message{Cmd: 0x4007}, opcode: 0x07, cancel: true},
		{name: "cancel reply", msg: vhci.Message{Cmd: 0xC007}, opcode: 0x07, reply: true, cancel: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.opcode, tt.msg.Opcode())
			assert.Equal(t, tt.reply, tt.msg.IsReply())
			assert.Equal(t, tt.cancel, tt.msg.IsCancel())
		})
	}
}

func TestEndpointParam(t *testing.T) {
	m := vhci.Message{Param1: vhci.EndpointParam(5, 0x82)}
	assert.Equal(t, uint32(0x8205), m.Param1)
	assert.Equal(t, uint8(5), m.DevAddr())
	assert.Equal(t, uint8(0x82), m.EndpointAddr())
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &vhci.StatusError{Cmd: vhci.CmdPortReset, Status: vhci.StatusAbort})
	assert.ErrorIs(t, err, vhci.ErrAborted)
	assert.Equal(t, vhci.StatusAbort, vhci.StatusOf(err))
	assert.Contains(t, err.Error(), "abort")

	stall := &vhci.StatusError{Cmd: 1, Status: vhci.StatusPipeStall}
	assert.False(t, errors.Is(stall, vhci.ErrAborted))
	assert.Equal(t, vhci.StatusNone, vhci.StatusOf(errors.New("plain")))
	assert.Equal(t, "status(42)", vhci.Status(42).String())
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status vhci.Status
		want   string
	}{
		{vhci.StatusSuccess, "success"},
		{vhci.StatusFailure, "failure"},
		{vhci.StatusPipeStall, "pipe stall"},
		{vhci.StatusUnsupported, "unsupported"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
	err := &vhci.StatusError{Cmd: vhci.CmdPortReset, Status: vhci.StatusFailure}
	assert.Equal(t, vhci.StatusFailure, vhci.StatusOf(err))
	assert.Contains(t, err.Error(), "failure")
}
