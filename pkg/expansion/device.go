package expansion

import (
	"fmt"

	"github.com/chaoslab/firmfault/pkg/config"
	"github.com/chaoslab/firmfault/pkg/fault"
)

// DetectKind translates a fault config document's fault_type string into
// the wire-compatible Kind enum.
func DetectKind(faultType string) (fault.Kind, error) {
	switch faultType {
	case "flash", "instruction":
		return fault.KindInstruction, nil
	case "sram", "data":
		return fault.KindMemory, nil
	case "register":
		return fault.KindRegister, nil
	default:
		return 0, fmt.Errorf("expansion: unknown fault type %q (expected instruction, data, or register)", faultType)
	}
}

// DetectModel translates a fault config document's fault_model string into
// the wire-compatible Model enum.
func DetectModel(faultModel string) (fault.Model, error) {
	switch faultModel {
	case "set0":
		return fault.ModelSet0, nil
	case "set1":
		return fault.ModelSet1, nil
	case "toggle":
		return fault.ModelToggle, nil
	case "overwrite":
		return fault.ModelOverwrite, nil
	default:
		return 0, fmt.Errorf("expansion: unknown fault model %q (expected set0, set1, toggle, or overwrite)", faultModel)
	}
}

// BuildDevice turns one raw DeviceSpec from a fault config document into
// a parsed Device ready for Expand.
func BuildDevice(spec config.DeviceSpec) (Device, error) {
	kind, err := DetectKind(spec.FaultType)
	if err != nil {
		return Device{}, err
	}
	model, err := DetectModel(spec.FaultModel)
	if err != nil {
		return Device{}, err
	}

	isWildcard := isWildcardAddress(spec.FaultAddress)

	address, err := ParseRange("fault_address", spec.FaultAddress, isWildcard)
	if err != nil {
		return Device{}, err
	}
	lifespan, err := ParseRange("fault_lifespan", orDefault(spec.FaultLifespan, 0), false)
	if err != nil {
		return Device{}, err
	}
	mask, err := ParseRange("fault_mask", orDefault(spec.FaultMask, 0), false)
	if err != nil {
		return Device{}, err
	}
	triggerAddr, err := ParseRange("trigger_address", spec.TriggerAddress, false)
	if err != nil {
		return Device{}, err
	}
	triggerCount, err := ParseRange("trigger_counter", spec.TriggerCounter, false)
	if err != nil {
		return Device{}, err
	}
	numBytes, err := ParseRange("num_bytes", orDefault(spec.NumBytes, 0), false)
	if err != nil {
		return Device{}, err
	}

	var exclude []fault.AddressRange
	for _, r := range spec.FaultAddressExclude {
		exclude = append(exclude, fault.AddressRange{Low: r[0], High: r[1]})
	}

	return Device{
		Address:      address,
		Lifespan:     lifespan,
		Mask:         mask,
		TriggerAddr:  triggerAddr,
		TriggerCount: triggerCount,
		NumBytes:     numBytes,
		Exclude:      exclude,
		Kind:         kind,
		Model:        model,
		IsWildcard:   isWildcard,
	}, nil
}

func orDefault(v interface{}, def int) interface{} {
	if v == nil {
		return def
	}
	return v
}

func isWildcardAddress(raw interface{}) bool {
	if s, ok := raw.(string); ok && s == "*" {
		return true
	}
	if list, ok := raw.([]interface{}); ok {
		for _, e := range list {
			if s, ok := e.(string); ok && s == "*" {
				return true
			}
		}
	}
	return false
}

// BuildCombinations expands every device list ("combination") in a fault
// config document into fault.FaultCombination values.
func BuildCombinations(cfg *config.FaultConfig) ([]fault.FaultCombination, error) {
	var all []fault.FaultCombination
	for _, rawDevices := range cfg.Devices {
		devices := make([]Device, 0, len(rawDevices))
		for _, spec := range rawDevices {
			d, err := BuildDevice(spec)
			if err != nil {
				return nil, err
			}
			devices = append(devices, d)
		}
		combos, err := CrossDevices(devices)
		if err != nil {
			return nil, err
		}
		all = append(all, combos...)
	}
	return fault.Renumber(all), nil
}
