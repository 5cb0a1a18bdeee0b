package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadEmulatorConfigRejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "qemu.yaml", "qemu: /bin/qemu\nkernel: /fw/kernel.bin\n")

	if _, err := LoadEmulatorConfig(path); err == nil {
		t.Fatalf("expected validation error for missing plugin/machine")
	}
}

func TestLoadEmulatorConfigAcceptsCompleteDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "qemu.yaml", `
qemu: /bin/qemu
kernel: /fw/kernel.bin
plugin: /lib/faultplugin.so
machine: virt
bios: /fw/bios.bin
`)

	cfg, err := LoadEmulatorConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QEMU != "/bin/qemu" || cfg.Machine != "virt" || cfg.BIOS != "/fw/bios.bin" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestFaultConfigDefaultsFlipWhenUnset(t *testing.T) {
	cfg := &FaultConfig{}
	if !cfg.TBExecListEnabled() || !cfg.TBInfoEnabled() || !cfg.RingBufferEnabled() {
		t.Fatalf("expected tb_exec_list/tb_info/ring_buffer to default true")
	}
	if cfg.MemInfoEnabled() {
		t.Fatalf("expected mem_info to default false")
	}

	disabled := false
	cfg.TBExecList = &disabled
	if cfg.TBExecListEnabled() {
		t.Fatalf("expected explicit false to override the default")
	}
}

func TestFaultConfigValidateRejectsZeroCounter(t *testing.T) {
	cfg := &FaultConfig{
		Start:   &EndpointSpec{Address: 0x1000, Counter: 0},
		Devices: [][]DeviceSpec{{{FaultType: "memory"}}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected start.counter==0 to be rejected")
	}
}

func TestFaultConfigValidateRejectsLegacyKey(t *testing.T) {
	cfg := &FaultConfig{
		End: []EndpointSpec{{Address: 0x2000, Counter: 1}},
		Devices: [][]DeviceSpec{{{
			FaultType:             "memory",
			ObsoleteFaultLivespan: 3,
		}}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected fault_livespan to be rejected")
	}
}

func TestFaultConfigValidateRequiresAtLeastOneCombination(t *testing.T) {
	cfg := &FaultConfig{End: []EndpointSpec{{Address: 1, Counter: 1}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected empty faults list to be rejected")
	}
}

func TestLoadFaultConfigParsesFullDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "faults.yaml", `
start:
  address: 0x1000
  counter: 1
end:
  address: 0x2000
  counter: 1
max_instruction_count: 500000
mem_info: true
faults:
  - - fault_address: 0x3000
      fault_type: memory
      fault_model: set1
      fault_mask: 1
      trigger_address: 0x3000
      trigger_counter: 1
`)

	cfg, err := LoadFaultConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Start == nil || cfg.Start.Counter != 1 {
		t.Fatalf("expected start to parse, got %+v", cfg.Start)
	}
	if !cfg.MemInfoEnabled() {
		t.Fatalf("expected mem_info to be enabled")
	}
	if len(cfg.Devices) != 1 || len(cfg.Devices[0]) != 1 {
		t.Fatalf("expected one combination of one device, got %+v", cfg.Devices)
	}
}
