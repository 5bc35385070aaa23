package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/usb"
)

func TestSetupPacket(t *testing.T) {
	tests := []struct {
		name  string
		setup usb.SetupPacket
		wire  []byte
		in    bool
	}{
		{
			name:  "get device descriptor",
			setup: usb.GetDescriptor(usb.DeviceDescType, 0, 18),
			wire:  []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			in:    true,
		},
		{
			name:  "get string",
			setup: usb.GetDescriptor(usb.StringDescType, 2, 255),
			wire:  []byte{0x80, 0x06, 0x02, 0x03, 0x00, 0x00, 0xFF, 0x00},
			in:    true,
		},
		{
			name:  "set configuration",
			setup: usb.SetConfiguration(1),
			wire:  []byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wire, tt.setup.Bytes())
			assert.Equal(t, tt.in, tt.setup.In())
			got, err := usb.ParseSetupPacket(tt.wire)
			require.NoError(t, err)
			assert.Equal(t, tt.setup, got)
		})
	}

	_, err := usb.ParseSetupPacket([]byte{0x80, 0x06})
	assert.Error(t, err)
}
