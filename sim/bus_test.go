package sim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/device/echo"
	"github.com/Alia5/vhcibridge/sim"
)

func TestBusPlug(t *testing.T) {
	b := sim.NewBus(2)

	require.NoError(t, b.Plug(0, echo.New()))
	assert.Equal(t, sim.PortConnected, b.PortStatus(0))
	assert.Zero(t, b.PortStatus(1))

	tests := []struct {
		name string
		err  error
		fn   func() error
	}{
		{"plug occupied", sim.ErrPortOccupied, func() error { return b.Plug(0, echo.New()) }},
		{"plug out of range", sim.ErrBadPort, func() error { return b.Plug(2, echo.New()) }},
		{"unplug empty", sim.ErrPortEmpty, func() error { return b.Unplug(1) }},
		{"unplug out of range", sim.ErrBadPort, func() error { return b.Unplug(7) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), tt.err)
		})
	}

	require.NoError(t, b.Unplug(0))
	assert.Zero(t, b.PortStatus(0))
	assert.Empty(t, b.Addresses())
	require.NoError(t, b.Plug(0, echo.New()))
}
