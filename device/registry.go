// Package device holds the simulated USB functions that can be plugged into
// a simulator port, and a registry to create them by name.
package device

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Alia5/vhcibridge/usb"
)

// Factory creates a fresh device instance.
type Factory func() usb.Device

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a device type available under name. Names are
// case-insensitive. Device packages call it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Create instantiates the device registered under name.
func Create(name string) (usb.Device, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown device type %q (known: %s)", name, strings.Join(Types(), ", "))
	}
	return f(), nil
}

// Types lists registered device type names in order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
