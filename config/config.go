// Package config loads the static VM/VirtIO-device boot configuration
// (spec.md §6, "Configuration consumed") from YAML, the format the rest of
// the retrieval pack's services use for their own boot config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vbroker/broker/instance"
)

// Device is the on-disk shape of one VirtIO device entry.
type Device struct {
	InstanceID      instance.ID `yaml:"instance_id"`
	IsBackend       bool        `yaml:"is_backend"`
	DeviceType      string      `yaml:"device_type"`
	Priority        uint32      `yaml:"priority"`
	DeviceInterrupt uint32      `yaml:"device_interrupt"`
	VirtioInterrupt uint32      `yaml:"virtio_interrupt"`
	Polling         bool        `yaml:"polling"`
	MMIOBase        uint64      `yaml:"mmio_va"`
	MMIOSize        uint64      `yaml:"mmio_size"`
}

// VM is the on-disk shape of one VM's device list.
type VM struct {
	Name    string   `yaml:"name"`
	Devices []Device `yaml:"devices"`
}

// Config is the full on-disk boot configuration: one or more VMs, each with
// its own VirtIO device list.
type Config struct {
	VMs []VM `yaml:"vms"`
}

// Load reads and parses a YAML boot configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML boot configuration from data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing boot configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.VMs) == 0 {
		return fmt.Errorf("config: boot configuration declares no VMs")
	}
	seen := make(map[string]bool, len(c.VMs))
	for _, vm := range c.VMs {
		if vm.Name == "" {
			return fmt.Errorf("config: a VM entry is missing its name")
		}
		if seen[vm.Name] {
			return fmt.Errorf("config: duplicate VM name %q", vm.Name)
		}
		seen[vm.Name] = true
	}
	return nil
}

// InstanceVMConfigs converts the on-disk shape into the instance package's
// VMConfig/DeviceConfig, the form Registry.Build and broker.RegisterDescriptors
// consume.
func (c *Config) InstanceVMConfigs() []instance.VMConfig {
	out := make([]instance.VMConfig, 0, len(c.VMs))
	for _, vm := range c.VMs {
		devs := make([]instance.DeviceConfig, 0, len(vm.Devices))
		for _, d := range vm.Devices {
			devs = append(devs, instance.DeviceConfig{
				InstanceID: d.InstanceID,
				IsBackend:  d.IsBackend,
				DeviceType: d.DeviceType,
				Priority:   d.Priority,
				DeviceIRQ:  d.DeviceInterrupt,
				VirtioIRQ:  d.VirtioInterrupt,
				Polling:    d.Polling,
				MMIOBase:   d.MMIOBase,
				MMIOSize:   d.MMIOSize,
			})
		}
		out = append(out, instance.VMConfig{Name: vm.Name, Devices: devs})
	}
	return out
}

// FrontendDevices returns, per VM name, the DeviceConfig entries that carry
// an MMIO window — the subset broker.RegisterDescriptors needs.
func (c *Config) FrontendDevices() map[string][]instance.DeviceConfig {
	out := make(map[string][]instance.DeviceConfig)
	for _, vm := range c.InstanceVMConfigs() {
		var devs []instance.DeviceConfig
		for _, d := range vm.Devices {
			if !d.IsBackend && d.MMIOSize != 0 {
				devs = append(devs, d)
			}
		}
		if len(devs) > 0 {
			out[vm.Name] = devs
		}
	}
	return out
}
