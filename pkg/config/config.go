// Package config parses and validates the two YAML documents a campaign
// needs: the emulator configuration and the fault configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EmulatorConfig describes how to invoke the emulator binary (spec §6).
type EmulatorConfig struct {
	QEMU               string `yaml:"qemu"`
	Kernel             string `yaml:"kernel"`
	Plugin             string `yaml:"plugin"`
	Machine            string `yaml:"machine"`
	BIOS               string `yaml:"bios"`
	AdditionalQEMUArgs string `yaml:"additional_qemu_args"`
}

// Validate checks the required fields are present.
func (c *EmulatorConfig) Validate() error {
	if c.QEMU == "" {
		return fmt.Errorf("config: emulator config missing required field %q", "qemu")
	}
	if c.Kernel == "" {
		return fmt.Errorf("config: emulator config missing required field %q", "kernel")
	}
	if c.Plugin == "" {
		return fmt.Errorf("config: emulator config missing required field %q", "plugin")
	}
	if c.Machine == "" {
		return fmt.Errorf("config: emulator config missing required field %q", "machine")
	}
	return nil
}

// LoadEmulatorConfig reads and parses an emulator config document.
func LoadEmulatorConfig(path string) (*EmulatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read emulator config %s: %w", path, err)
	}
	var cfg EmulatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse emulator config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EndpointSpec is an {address,counter} pair used for start/end bounds.
type EndpointSpec struct {
	Address uint64 `yaml:"address"`
	Counter uint64 `yaml:"counter"`
}

// EndpointList decodes spec §6's `end` field, which may be written as a
// single {address,counter} mapping or as a list of them.
type EndpointList []EndpointSpec

// UnmarshalYAML accepts either a mapping node (one endpoint) or a
// sequence node (many), matching the object-or-list shape spec §6
// documents for `end`.
func (l *EndpointList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var single EndpointSpec
		if err := value.Decode(&single); err != nil {
			return err
		}
		*l = EndpointList{single}
		return nil
	case yaml.SequenceNode:
		var list []EndpointSpec
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = EndpointList(list)
		return nil
	default:
		return fmt.Errorf("config: end must be a mapping or a list of mappings")
	}
}

// MemoryDumpSpec requests a dump of Length bytes at Address.
type MemoryDumpSpec struct {
	Address uint64 `yaml:"address"`
	Length  uint64 `yaml:"length"`
}

// DeviceSpec is the raw, not-yet-range-parsed form of one fault device,
// as it appears in the fault config document's faults list. Field values
// are interface{} because a range descriptor can be an int, a list, or an
// object (see pkg/expansion.ParseRange).
type DeviceSpec struct {
	FaultAddress         interface{}   `yaml:"fault_address"`
	FaultAddressExclude  [][2]uint64   `yaml:"fault_address_exclude,omitempty"`
	FaultType            string        `yaml:"fault_type"`
	FaultModel           string        `yaml:"fault_model"`
	FaultLifespan        interface{}   `yaml:"fault_lifespan"`
	FaultMask            interface{}   `yaml:"fault_mask"`
	TriggerAddress       interface{}   `yaml:"trigger_address"`
	TriggerCounter       interface{}   `yaml:"trigger_counter"`
	NumBytes             interface{}   `yaml:"num_bytes,omitempty"`

	// ObsoleteFaultLivespan exists only so Validate can detect and reject
	// the legacy misspelled key rather than silently ignoring it.
	ObsoleteFaultLivespan interface{} `yaml:"fault_livespan,omitempty"`
}

// FaultConfig is the fault config document of spec §6.
type FaultConfig struct {
	Start              *EndpointSpec    `yaml:"start,omitempty"`
	End                EndpointList     `yaml:"end,omitempty"`
	MaxInstructionCount uint64          `yaml:"max_instruction_count,omitempty"`
	MemoryDump         []MemoryDumpSpec `yaml:"memorydump,omitempty"`
	TBExecList         *bool            `yaml:"tb_exec_list,omitempty"`
	TBInfo             *bool            `yaml:"tb_info,omitempty"`
	MemInfo            *bool            `yaml:"mem_info,omitempty"`
	RingBuffer         *bool            `yaml:"ring_buffer,omitempty"`
	Devices            [][]DeviceSpec   `yaml:"faults"`
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// TBExecListEnabled reports the effective tb_exec_list flag (default true).
func (c *FaultConfig) TBExecListEnabled() bool { return boolOrDefault(c.TBExecList, true) }

// TBInfoEnabled reports the effective tb_info flag (default true).
func (c *FaultConfig) TBInfoEnabled() bool { return boolOrDefault(c.TBInfo, true) }

// MemInfoEnabled reports the effective mem_info flag (default false).
func (c *FaultConfig) MemInfoEnabled() bool { return boolOrDefault(c.MemInfo, false) }

// RingBufferEnabled reports the effective ring_buffer flag (default true).
func (c *FaultConfig) RingBufferEnabled() bool { return boolOrDefault(c.RingBuffer, true) }

// Validate applies the config-error checks of spec §6/§7: a zero counter
// at start or end is rejected, the legacy fault_livespan key is rejected
// with a hint, and at least one fault device must be present.
func (c *FaultConfig) Validate() error {
	if c.Start != nil && c.Start.Counter == 0 {
		return fmt.Errorf("config: start.counter must be nonzero")
	}
	for _, e := range c.End {
		if e.Counter == 0 {
			return fmt.Errorf("config: end.counter must be nonzero")
		}
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: faults must contain at least one combination")
	}
	for _, combo := range c.Devices {
		for _, d := range combo {
			if d.ObsoleteFaultLivespan != nil {
				return fmt.Errorf("config: unknown fault configuration property %q — did you mean %q?", "fault_livespan", "fault_lifespan")
			}
		}
	}
	return nil
}

// LoadFaultConfig reads, parses, and validates a fault config document.
func LoadFaultConfig(path string) (*FaultConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read fault config %s: %w", path, err)
	}
	var cfg FaultConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse fault config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
