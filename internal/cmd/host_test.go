package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/vhcibridge/usb"
)

func TestParseEndpoints(t *testing.T) {
	desc := usb.Descriptor{
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor:    usb.InterfaceDescriptor{BNumEndpoints: 1, BInterfaceClass: 0x03},
				HIDDescriptor: []byte{9, usb.HIDDescType, 0x11, 0x01, 0, 1, usb.ReportDescType, 52, 0},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 9, BInterval: 10},
				},
			},
			{
				Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: 1, BNumEndpoints: 2},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x02, BMAttributes: 0x02, WMaxPacketSize: 512},
					{BEndpointAddress: 0x82, BMAttributes: 0x02, WMaxPacketSize: 512},
				},
			},
		},
	}
	assert.Equal(t, desc.Endpoints(), parseEndpoints(desc.ConfigurationBytes()))

	tests := []struct {
		name string
		cfg  []byte
	}{
		{"empty", nil},
		{"zero length", []byte{0, 5, 0x81, 3}},
		{"truncated", []byte{9, 2, 0, 0, 1, 1, 0, 0x80, 50, 7, 5, 0x81}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, parseEndpoints(tt.cfg))
		})
	}
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		name string
		sd   []byte
		want string
	}{
		{"ascii", usb.EncodeStringDescriptor("HID Mouse"), "HID Mouse"},
		{"truncated by transfer", usb.EncodeStringDescriptor("HID Mouse")[:6], "HI"},
		{"empty", []byte{2, usb.StringDescType}, ""},
		{"garbage length", []byte{1}, ""},
		{"nothing", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeString(tt.sd))
		})
	}
}
