package controller

import "time"

// Ring names of the controller-wide message and event queues. Message
// queues carry host to device traffic, event queues the opposite.
const (
	QueueHostCommands            = "VHC1HostCommands"
	QueueHostSystemEvents        = "VHC1HostSystemEvents"
	QueueHostInterruptEvents     = "VHC1HostInterruptEvents"
	QueueHostAsyncEvents         = "VHC1HostAsyncEvents"
	QueueFirmwareCommands        = "VHC1FirmwareCommands"
	QueueFirmwareSystemEvents    = "VHC1FirmwareSystemEvents"
	QueueFirmwareInterruptEvents = "VHC1FirmwareInterruptEvents"
	QueueFirmwareAsyncEvents     = "VHC1FirmwareAsyncEvents"
)

// Config tunes the controller. It is embedded in the CLI and filled from
// flags, environment or config files.
type Config struct {
	BusNum        uint8         `help:"Bus number announced to the device on enable" default:"1" env:"VHCI_BUS_NUM"`
	MaxPacket0    uint8         `help:"Max packet size of endpoint zero" default:"64" env:"VHCI_MAX_PACKET0"`
	MaxInTransfer uint32        `help:"Largest inbound DMA chunk in bytes; 0 moves the whole buffer at once" default:"0" env:"VHCI_MAX_IN_TRANSFER"`
	ResetTimeout  time.Duration `help:"Port reset timeout" default:"30s" env:"VHCI_RESET_TIMEOUT"`
	TaskQueueSize int           `help:"Capacity of the deferred task queue" default:"64" env:"VHCI_TASK_QUEUE_SIZE"`
}

func (c Config) withDefaults() Config {
	if c.MaxPacket0 == 0 {
		c.MaxPacket0 = 64
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = 64
	}
	return c
}
