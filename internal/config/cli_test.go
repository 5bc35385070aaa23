package config_test

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/internal/config"
)

func TestCLIDefaults(t *testing.T) {
	var cli config.CLI
	p, err := kong.New(&cli, kong.Name("vhcibridge"))
	require.NoError(t, err)

	ctx, err := p.Parse([]string{"sim"})
	require.NoError(t, err)
	assert.Equal(t, "sim", ctx.Command())
	assert.Equal(t, "info", cli.Log.Level)
	assert.Equal(t, []string{"mouse"}, cli.Sim.Devices)
	assert.Equal(t, uint8(1), cli.Sim.Controller.BusNum)
	assert.Equal(t, uint8(64), cli.Sim.Controller.MaxPacket0)
	assert.Equal(t, 30*time.Second, cli.Sim.Controller.ResetTimeout)
	assert.Equal(t, 4, cli.Sim.Device.Ports)
	assert.Equal(t, uint32(4096), cli.Sim.Device.OutChunk)
	assert.Equal(t, 16<<20, cli.Sim.ArenaSize)
}

func TestCLIFlags(t *testing.T) {
	var cli config.CLI
	p, err := kong.New(&cli, kong.Name("vhcibridge"))
	require.NoError(t, err)

	_, err = p.Parse([]string{
		"--log.level=trace",
		"sim",
		"--devices=echo,mouse",
		"--controller.max-in-transfer=2048",
		"--sim.ports=2",
		"--duration=1s",
		"--send=hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "trace", cli.Log.Level)
	assert.Equal(t, []string{"echo", "mouse"}, cli.Sim.Devices)
	assert.Equal(t, uint32(2048), cli.Sim.Controller.MaxInTransfer)
	assert.Equal(t, 2, cli.Sim.Device.Ports)
	assert.Equal(t, time.Second, cli.Sim.Duration)
	assert.Equal(t, "hello", cli.Sim.Send)
}

func TestCLIConfigInit(t *testing.T) {
	var cli config.CLI
	p, err := kong.New(&cli, kong.Name("vhcibridge"))
	require.NoError(t, err)

	ctx, err := p.Parse([]string{"config", "init", "sim", "--format=toml"})
	require.NoError(t, err)
	assert.Equal(t, "config init <command>", ctx.Command())
	assert.Equal(t, "toml", cli.ConfigCmd.Init.Format)

	_, err = p.Parse([]string{"sim", "--log.level=loud"})
	assert.Error(t, err)
}
