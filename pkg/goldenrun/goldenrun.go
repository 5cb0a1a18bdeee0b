// Package goldenrun drives the two baseline emulator runs a campaign
// needs before any fault experiment starts — the pre-golden run (which
// only confirms the configured start address is reachable) and the
// golden run itself (which records the fault-free execution trace used
// throughout the campaign for diffing, trigger resolution, and wildcard
// expansion) — and the post-golden-run preparation of the fault list:
// wildcard expansion, trigger-address calculation, and trigger
// validation. It is the Go port of the original tool's goldenrun.py.
package goldenrun

import (
	"context"
	"fmt"

	"github.com/chaoslab/firmfault/pkg/config"
	"github.com/chaoslab/firmfault/pkg/emulator"
	"github.com/chaoslab/firmfault/pkg/fault"
	"github.com/chaoslab/firmfault/pkg/logging"
	"github.com/chaoslab/firmfault/pkg/trace"
	"github.com/chaoslab/firmfault/pkg/trigger"
)

// sentinelMaxInstructionCount stands in for "run until the end point is
// reached, however long that takes" during the pre-golden run (and the
// golden run when max_instruction_count is 0), mirroring
// the original's 10_000_000_000_000 literal.
const sentinelMaxInstructionCount = 10_000_000_000_000

// ErrEndpointNotReached is returned when a golden-run phase's end_reason
// indicates the configured end point was never hit — the campaign cannot
// proceed without a complete baseline trace.
type ErrEndpointNotReached struct{ Phase string }

func (e *ErrEndpointNotReached) Error() string {
	return fmt.Sprintf("goldenrun: %s point not reached; probably not a valid instruction, or max_instruction_count is too small", e.Phase)
}

// Result is everything the campaign controller needs after the golden
// run completes: the baseline trace, the campaign-wide instruction
// budget, and the fully prepared (wildcard-expanded, trigger-resolved,
// trigger-validated) fault combinations.
type Result struct {
	Golden              *trace.GoldenRun
	MaxInstructionCount uint64
	Combinations        []fault.FaultCombination

	// PregoldenReached records whether a start address was configured and,
	// if so, whether it was reached — the controller persists this as the
	// Pregoldenrun archive group regardless, since an absent start address
	// is itself a recordable fact about the run.
	PregoldenConfigured bool
	PregoldenReached    bool
}

// dummyFaultPack is the no-op fault list the original sent for both
// golden-run phases: one fault with a zero mask (no bits ever change)
// and a trigger that never fires.
func dummyFaultPack() emulator.FaultPack {
	return emulator.FaultPack{
		Faults: []fault.Fault{{
			Address:  fault.ConcreteAddress(0),
			Kind:     fault.KindMemory,
			Model:    fault.ModelSet0,
			Lifespan: 0,
			Mask:     fault.NewBitMask(0, 0),
			Trigger:  fault.AbsoluteTrigger(0, 0),
		}},
	}
}

// Run executes the pre-golden run (if a start address is configured) and
// the golden run, then prepares the fault combinations against the
// resulting baseline trace.
func Run(ctx context.Context, log *logging.Logger, emu config.EmulatorConfig, faultCfg *config.FaultConfig, combos []fault.FaultCombination) (*Result, error) {
	pregoldenConfigured := faultCfg.Start != nil
	pregoldenReached := false
	if faultCfg.Start != nil {
		log.Info("golden run: testing firmware up to configured start address")
		if err := runPhase(ctx, emu, faultCfg.Start.Address, faultCfg.Start.Counter, sentinelMaxInstructionCount); err != nil {
			return nil, &ErrEndpointNotReached{Phase: "start"}
		}
		pregoldenReached = true
		log.Info("golden run: start reached")
	}

	if len(faultCfg.End) == 0 {
		return nil, fmt.Errorf("goldenrun: no end point configured, cannot record a baseline trace")
	}

	maxCount := faultCfg.MaxInstructionCount
	if maxCount == 0 {
		maxCount = sentinelMaxInstructionCount
	}
	data, err := runGoldenCapture(ctx, emu, faultCfg, maxCount)
	if err != nil {
		return nil, err
	}
	if data.Endpoint != 1 {
		return nil, &ErrEndpointNotReached{Phase: "end"}
	}
	log.Info("golden run: end point reached")

	golden := &trace.GoldenRun{
		TBInfo:  data.TBInfo,
		TBExec:  data.TBExec,
		MemInfo: data.MemInfo,
	}
	if data.HasRegisters {
		switch data.RegisterArch {
		case trace.ArchARM:
			golden.ARM = data.Registers
		case trace.ArchRISCV:
			golden.RISCV = data.Registers
		}
	}
	trace.LinkMemInfoToTB(golden.MemInfo, golden.TBInfo)

	resolver := trigger.NewResolver(golden)

	combos, expandedAny := GenerateWildcardFaults(combos, golden, resolver)
	if expandedAny {
		combos = fault.Renumber(combos)
	}

	if err := CalculateTriggerAddresses(combos, resolver); err != nil {
		return nil, err
	}

	combos = CheckTriggersInTB(combos, golden, log)

	var maxInstructionCount uint64
	for _, tb := range golden.TBInfo {
		maxInstructionCount += tb.NumExec * tb.InsCount
	}
	maxInstructionCount += faultCfg.MaxInstructionCount
	log.Info("golden run: computed campaign instruction budget", "max_instruction_count", maxInstructionCount)

	return &Result{
		Golden:              golden,
		MaxInstructionCount: maxInstructionCount,
		Combinations:        combos,
		PregoldenConfigured: pregoldenConfigured,
		PregoldenReached:    pregoldenReached,
	}, nil
}

func runPhase(ctx context.Context, emu config.EmulatorConfig, endAddr, endCounter, maxDuration uint64) error {
	data, err := runGoldenCaptureWithEnd(ctx, emu, endAddr, endCounter, maxDuration, nil)
	if err != nil {
		return err
	}
	if data.Endpoint != 1 {
		return &ErrEndpointNotReached{Phase: "start"}
	}
	return nil
}

func runGoldenCapture(ctx context.Context, emu config.EmulatorConfig, faultCfg *config.FaultConfig, maxDuration uint64) (emulator.Data, error) {
	end := faultCfg.End[0]
	return runGoldenCaptureWithEnd(ctx, emu, end.Address, end.Counter, maxDuration, faultCfg)
}

func runGoldenCaptureWithEnd(ctx context.Context, emu config.EmulatorConfig, endAddr, endCounter, maxDuration uint64, faultCfg *config.FaultConfig) (emulator.Data, error) {
	ctl := emulator.Control{
		MaxDuration: maxDuration,
		NumFaults:   1,
		TBExecList:  true,
		TBInfo:      true,
		EndPoints:   []emulator.EndPoint{{Address: endAddr, Hitcounter: endCounter}},
	}
	if faultCfg != nil {
		ctl.MemInfo = faultCfg.MemInfoEnabled()
		for _, d := range faultCfg.MemoryDump {
			ctl.MemoryDumps = append(ctl.MemoryDumps, emulator.MemoryDump{Address: d.Address, Length: d.Length})
		}
		if faultCfg.Start != nil {
			ctl.HasStart = true
			ctl.StartAddress = faultCfg.Start.Address
			ctl.StartCounter = faultCfg.Start.Counter
		}
	}

	worker, err := emulator.NewWorker(-1, emu, false, false)
	if err != nil {
		return emulator.Data{}, err
	}
	defer worker.Close()

	// Golden runs are not subject to the per-experiment worker timeout:
	// the sentinel instruction count already bounds the pre-golden run,
	// and the golden run's own end point is the only stop condition.
	return worker.Run(ctx, ctl, dummyFaultPack())
}
