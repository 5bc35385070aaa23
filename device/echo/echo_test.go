package echo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/device"
	"github.com/Alia5/vhcibridge/device/echo"
	"github.com/Alia5/vhcibridge/usb"
)

func TestEcho(t *testing.T) {
	e := echo.New()
	assert.Nil(t, e.HandleTransfer(1, usb.DirIn, nil, 64), "nothing pending NAKs")

	e.HandleTransfer(1, usb.DirOut, []byte("hello "), 0)
	e.Fill([]byte("world"))
	assert.Equal(t, 6, e.Received())
	assert.Equal(t, 11, e.Pending())

	assert.Equal(t, []byte("hel"), e.HandleTransfer(1, usb.DirIn, nil, 3))
	assert.Equal(t, []byte("lo world"), e.HandleTransfer(1, usb.DirIn, nil, 64))
	assert.Zero(t, e.Pending())
	assert.Nil(t, e.HandleTransfer(2, usb.DirOut, []byte("x"), 0))
	assert.Equal(t, 6, e.Received())
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, device.Types(), "echo")
	d, err := device.Create("echo")
	require.NoError(t, err)
	assert.IsType(t, &echo.Echo{}, d)

	_, err = device.Create("nope")
	assert.ErrorContains(t, err, "echo")
}
