// Package config holds the root command line of vhcibridge.
package config

import "github.com/Alia5/vhcibridge/internal/cmd"

// CLI is the kong root. Every field can also come from a config file or
// VHCI_* environment variables.
type CLI struct {
	Config string `help:"Path to a JSON, YAML or TOML config file" type:"path" env:"VHCI_CONFIG"`
	Log    Log    `embed:"" prefix:"log."`

	Sim       cmd.Sim           `cmd:"" help:"Run the host controller against a simulated coprocessor"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}

// Log selects log verbosity and destinations.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"VHCI_LOG_LEVEL"`
	File    string `help:"Write logs to this file as well" type:"path" env:"VHCI_LOG_FILE"`
	RawFile string `help:"Hex dump every payload crossing the rings to this file" type:"path" env:"VHCI_LOG_RAW_FILE"`
}
