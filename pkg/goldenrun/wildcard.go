package goldenrun

import (
	"github.com/chaoslab/firmfault/pkg/fault"
	"github.com/chaoslab/firmfault/pkg/logging"
	"github.com/chaoslab/firmfault/pkg/trace"
	"github.com/chaoslab/firmfault/pkg/trigger"
)

// instrOccurrence is one instruction executed at one point in the golden
// trace: its address and the index (into the resolver's ascending-Pos
// TBExec ordering) of the TB execution it belongs to.
type instrOccurrence struct {
	tbExecIdx int
	address   uint64
}

func tbInfoByID(tbinfo []trace.TBInfo, id uint64) (trace.TBInfo, bool) {
	for _, tb := range tbinfo {
		if tb.ID == id {
			return tb, true
		}
	}
	return trace.TBInfo{}, false
}

// flattenInstructions expands the golden run's TB-level execution trace
// into an instruction-level sequence, in program order, for wildcard
// expansion to walk.
func flattenInstructions(golden *trace.GoldenRun, ordered []trace.TBExec) []instrOccurrence {
	var out []instrOccurrence
	for i, e := range ordered {
		if e.TB < 0 {
			continue
		}
		tb, ok := tbInfoByID(golden.TBInfo, uint64(e.TB))
		if !ok {
			continue
		}
		for _, addr := range trace.InstructionAddresses(tb.Assembler) {
			out = append(out, instrOccurrence{tbExecIdx: i, address: addr})
		}
	}
	return out
}

func effectiveHit(h uint64) uint64 {
	if h == 0 {
		return 1
	}
	return h
}

// expandWildcard produces one concrete Fault per instruction covered by
// wf's wildcard address range, per spec §4.F: a lone "*" covers the
// entire trace; an open range (no end) activates at its start bound and
// stays active to the end of the trace; a closed range activates and
// deactivates at its bounds; a local range re-arms on every occurrence of
// its start address.
func expandWildcard(wf fault.Fault, golden *trace.GoldenRun, resolver *trigger.Resolver) []fault.Fault {
	w := wf.Address.Wildcard()
	occurrences := flattenInstructions(golden, resolver.OrderedTBExec())

	wholeTrace := !w.HasEnd && w.Start.Address == 0 && w.Start.Hitcounter == 0

	var out []fault.Fault
	active := wholeTrace
	startCount := uint64(0)
	endCount := uint64(0)
	startThreshold := effectiveHit(w.Start.Hitcounter)

	for _, occ := range occurrences {
		if !wholeTrace && occ.address == w.Start.Address {
			startCount++
			if w.Local {
				if startCount >= startThreshold {
					active = true
				}
			} else if !active && startCount == startThreshold {
				active = true
			}
		}

		if active {
			hitcounter := resolver.HitcounterAt(occ.tbExecIdx, occ.address)
			out = append(out, fault.Fault{
				Address:        fault.ConcreteAddress(occ.address),
				AddressExclude: wf.AddressExclude,
				Kind:           wf.Kind,
				Model:          wf.Model,
				Lifespan:       wf.Lifespan,
				Mask:           wf.Mask,
				NumBytes:       wf.NumBytes,
				Trigger:        fault.AbsoluteTrigger(occ.address, hitcounter),
			})
		}

		// The end bound is inclusive — the instruction that closes the
		// range is still faulted — so deactivation is evaluated after
		// emission, not before.
		if !wholeTrace && w.HasEnd && occ.address == w.End.Address {
			endCount++
			if w.Local {
				active = false
			} else if w.End.Hitcounter != 0 && endCount == w.End.Hitcounter {
				active = false
			}
		}
	}
	return out
}

// GenerateWildcardFaults replaces every fault-combination containing a
// wildcard fault with one new single-fault combination per instruction
// the wildcard covers, dropping the original wildcard entry. It reports
// whether any expansion happened, so the caller knows whether indices
// need renumbering.
func GenerateWildcardFaults(combos []fault.FaultCombination, golden *trace.GoldenRun, resolver *trigger.Resolver) ([]fault.FaultCombination, bool) {
	var out []fault.FaultCombination
	expandedAny := false

	for _, c := range combos {
		widx := -1
		for i, f := range c.Faults {
			if f.Address.IsWildcard() {
				widx = i
				break
			}
		}
		if widx < 0 {
			out = append(out, c)
			continue
		}
		expandedAny = true

		for _, inst := range expandWildcard(c.Faults[widx], golden, resolver) {
			newFaults := make([]fault.Fault, len(c.Faults))
			copy(newFaults, c.Faults)
			newFaults[widx] = inst
			out = append(out, fault.FaultCombination{Faults: newFaults})
		}
	}
	return out, expandedAny
}

// CalculateTriggerAddresses resolves every non-wildcard fault's relative
// trigger against the golden run, replacing it with an absolute trigger.
// A fault with a nonzero lifespan shorter than its backward offset, or
// whose trigger cannot be resolved, is given the sentinel trigger
// (address ^uint64(0), hitcounter 0); CheckTriggersInTB then drops and
// logs it unless it is exempt there.
func CalculateTriggerAddresses(combos []fault.FaultCombination, resolver *trigger.Resolver) error {
	for ci := range combos {
		for fi := range combos[ci].Faults {
			f := &combos[ci].Faults[fi]
			if f.Trigger.IsAbsolute() {
				continue
			}
			if !f.Address.IsConcrete() {
				continue
			}
			if f.Lifespan != 0 && f.Trigger.Offset()+int64(f.Lifespan) < 0 {
				f.Trigger = fault.AbsoluteTrigger(^uint64(0), 0)
				continue
			}

			result := resolver.Resolve(f.Address.Concrete(), f.Trigger.Offset(), f.Trigger.Hitcounter(), f.Lifespan)
			if !result.Found {
				f.Trigger = fault.AbsoluteTrigger(^uint64(0), 0)
				continue
			}
			if result.LifespanAdjusted {
				f.Lifespan = result.AdjustedLifespan
				f.Trigger = fault.AbsoluteTrigger(result.Address, 0)
				continue
			}
			f.Trigger = fault.AbsoluteTrigger(result.Address, result.Hitcounter)
		}
	}
	return nil
}

// CheckTriggersInTB drops every fault-combination containing a fault
// whose resolved trigger address is not covered by any golden-run TB,
// unless that fault's trigger hit-counter is 0 and its model is
// overwrite (an instruction patch that has no occurrence to count,
// by design). Surviving combinations are renumbered from 0.
func CheckTriggersInTB(combos []fault.FaultCombination, golden *trace.GoldenRun, log *logging.Logger) []fault.FaultCombination {
	valid := make(map[uint64]bool)
	invalid := make(map[uint64]bool)

	var out []fault.FaultCombination
	for _, c := range combos {
		deleted := false
		for _, f := range c.Faults {
			addr := f.Trigger.Address()
			exempt := f.Trigger.Hitcounter() == 0 && f.Model == fault.ModelOverwrite

			if valid[addr] {
				continue
			}
			if invalid[addr] {
				if !exempt {
					deleted = true
				}
				continue
			}
			if coveredByAnyTB(addr, golden.TBInfo) {
				valid[addr] = true
				continue
			}
			invalid[addr] = true
			if !exempt {
				deleted = true
				log.Warn("trigger address not found in any golden-run translation block", "address", addr)
			}
		}
		if !deleted {
			out = append(out, c)
		}
	}
	return fault.Renumber(out)
}

func coveredByAnyTB(addr uint64, tbs []trace.TBInfo) bool {
	for _, tb := range tbs {
		if addr >= tb.ID && addr < tb.ID+tb.Size {
			return true
		}
	}
	return false
}
