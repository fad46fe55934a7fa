// Package config loads the YAML device list consumed by the HTTP
// front-end at startup (spec §6): a flat list of Global Caché
// gateways to register with the dispatcher.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gc-ir/dispatch/internal/gcerr"
)

// defaultDeviceType is the only device type this dispatcher supports.
// A device entry naming anything else is a fatal configuration error.
const defaultDeviceType = "itach"

// DeviceSpec is one entry of the device list: a host, an optional
// port (defaulting at the dispatcher level to 4998), and the fields
// that exist in the upstream schema purely for forward compatibility
// but that this dispatcher requires to stay at their defaults.
type DeviceSpec struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

// rawDeviceList mirrors the on-disk shape before defaults are applied
// and validated. The top-level key is irDevices, matching the system
// this dispatcher interoperates with (server.py reads config['irDevices']).
type rawDeviceList struct {
	Devices []DeviceSpec `yaml:"irDevices"`
}

// LoadDevices reads and validates a device-list YAML file. A device
// entry with a non-empty Type other than "itach", or a Count other
// than 0 or 1, is rejected: this dispatcher has no notion of device
// pooling or alternate device families.
func LoadDevices(path string) ([]DeviceSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gcerr.ErrInvalidConfig, err)
	}
	defer f.Close()

	var raw rawDeviceList
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", gcerr.ErrInvalidConfig, err)
	}

	devices := make([]DeviceSpec, 0, len(raw.Devices))
	for i, d := range raw.Devices {
		if d.Host == "" {
			return nil, fmt.Errorf("%w: device %d: host is required", gcerr.ErrInvalidConfig, i)
		}
		if d.Type == "" {
			d.Type = defaultDeviceType
		}
		if d.Type != defaultDeviceType {
			return nil, fmt.Errorf("%w: device %d (%s): unsupported type %q", gcerr.ErrInvalidConfig, i, d.Host, d.Type)
		}
		if d.Count == 0 {
			d.Count = 1
		}
		if d.Count != 1 {
			return nil, fmt.Errorf("%w: device %d (%s): unsupported count %d", gcerr.ErrInvalidConfig, i, d.Host, d.Count)
		}
		devices = append(devices, d)
	}
	return devices, nil
}
