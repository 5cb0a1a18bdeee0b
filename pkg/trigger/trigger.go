// Package trigger resolves a logical fault specification — a fault
// address, a negative trigger offset, and a desired occurrence — into a
// concrete (trigger-address, hit-counter) pair by walking a golden-run
// execution trace. It is the direct Go port of the original tool's
// search_for_fault_location / calculate_trigger_addresses, extended with
// the hit-counter and lifespan-fallback steps.
package trigger

import (
	"sort"
	"sync"

	"github.com/chaoslab/firmfault/pkg/trace"
)

// Result is the outcome of resolving one trigger.
type Result struct {
	// Found is false when fewer than the requested occurrences of
	// FaultAddress appear in the trace at all.
	Found bool
	// Address is the resolved trigger instruction address.
	Address uint64
	// Hitcounter is the resolved TB's cumulative hit count, including
	// sub-TB overlap contributions.
	Hitcounter uint64
	// AdjustedLifespan is set when the backward walk ran off the start
	// of the trace; callers should use it in place of the original
	// lifespan.
	AdjustedLifespan uint64
	// LifespanAdjusted reports whether AdjustedLifespan applies.
	LifespanAdjusted bool
}

type cacheKey struct {
	faultAddress      uint64
	triggerOffset     int64
	requestedHit      uint64
	lifespan          uint64
}

// Resolver resolves triggers against one golden run, caching results by
// (fault_address, trigger_offset, requested_hitcounter, lifespan).
type Resolver struct {
	golden  *trace.GoldenRun
	filters [][]uint64 // per golden TB, ascending instruction addresses
	ordered []trace.TBExec // golden.TBExec sorted ascending by Pos

	mu    sync.Mutex
	cache map[cacheKey]Result
}

// NewResolver builds a Resolver over a golden run's TBInfo/TBExec.
func NewResolver(golden *trace.GoldenRun) *Resolver {
	return &Resolver{
		golden:  golden,
		filters: buildFilters(golden.TBInfo),
		ordered: ascendingByPos(golden.TBExec),
		cache:   make(map[cacheKey]Result),
	}
}

// OrderedTBExec returns the golden run's TBExec sorted ascending by Pos,
// the order wildcard expansion walks the trace in.
func (r *Resolver) OrderedTBExec() []trace.TBExec { return r.ordered }

// HitcounterAt computes the cumulative hit-counter of the TB at ordered
// tbexec index idx, at instruction address ins, including sub-TB overlap
// contributions — the same computation as Resolve's step 4 (§4.E),
// exposed standalone for wildcard fault expansion, which walks the golden
// trace directly rather than resolving a single trigger.
func (r *Resolver) HitcounterAt(idx int, ins uint64) uint64 {
	triggerTBID := uint64(r.ordered[idx].TB)
	triggerTB, _ := tbInfoOf(r.golden.TBInfo, triggerTBID)
	hitcounter := uint64(0)
	for i := 0; i <= idx; i++ {
		tb := uint64(r.ordered[i].TB)
		if tb == triggerTBID {
			hitcounter++
			continue
		}
		info, ok := tbInfoOf(r.golden.TBInfo, tb)
		if !ok {
			continue
		}
		if info.ID >= triggerTB.ID && info.ID+info.Size <= triggerTB.ID+triggerTB.Size {
			hitcounter++
			continue
		}
		if info.ID <= triggerTB.ID && info.ID+info.Size >= triggerTB.ID+triggerTB.Size && info.ID <= ins {
			hitcounter++
		}
	}
	return hitcounter
}

func buildFilters(tbinfo []trace.TBInfo) [][]uint64 {
	out := make([][]uint64, 0, len(tbinfo))
	for _, tb := range tbinfo {
		addrs := append([]uint64(nil), trace.InstructionAddresses(tb.Assembler)...)
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		out = append(out, addrs)
	}
	return out
}

func filterFor(filters [][]uint64, tbinfo []trace.TBInfo, tbID uint64) []uint64 {
	for i, tb := range tbinfo {
		if tb.ID == tbID {
			return filters[i]
		}
	}
	return nil
}

func tbInfoOf(tbinfo []trace.TBInfo, tbID uint64) (trace.TBInfo, bool) {
	for _, tb := range tbinfo {
		if tb.ID == tbID {
			return tb, true
		}
	}
	return trace.TBInfo{}, false
}

// Resolve implements spec §4.E's five steps. offset must be ≤ 0 (an
// instruction count to walk backwards); requestedHitcounter is 1-based
// (the Nth occurrence of faultAddress).
func (r *Resolver) Resolve(faultAddress uint64, offset int64, requestedHitcounter, lifespan uint64) Result {
	key := cacheKey{faultAddress, offset, requestedHitcounter, lifespan}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	result := r.resolveUncached(faultAddress, offset, requestedHitcounter, lifespan)

	r.mu.Lock()
	r.cache[key] = result
	r.mu.Unlock()
	return result
}

func (r *Resolver) resolveUncached(faultAddress uint64, offset int64, requestedHitcounter, lifespan uint64) Result {
	// Step 1: locate fault — union the tbexec indices of every TB
	// covering the fault address.
	var coveringTBs []uint64
	for _, tb := range r.golden.TBInfo {
		if faultAddress >= tb.ID && faultAddress < tb.ID+tb.Size {
			coveringTBs = append(coveringTBs, tb.ID)
		}
	}
	isCovering := make(map[uint64]bool, len(coveringTBs))
	for _, id := range coveringTBs {
		isCovering[id] = true
	}

	var occurrences []int // indices into r.ordered
	ordered := r.ordered
	for i, e := range ordered {
		if e.TB >= 0 && isCovering[uint64(e.TB)] {
			occurrences = append(occurrences, i)
		}
	}

	if requestedHitcounter == 0 || requestedHitcounter > uint64(len(occurrences)) {
		return Result{Found: false}
	}
	idx := occurrences[requestedHitcounter-1]

	// Step 2: align fault address to enclosing instruction.
	tbID := uint64(ordered[idx].TB)
	tbInfo, _ := tbInfoOf(r.golden.TBInfo, tbID)
	ins := alignToInstruction(faultAddress, tbInfo)

	// Step 3: walk backwards |offset| instructions, crossing TB boundaries
	// the way search_for_fault_location does: first locate ins's position
	// within its own TB's (ascending) filter; every earlier TB after that
	// is consumed whole by instruction count until the remainder fits
	// inside one, then resolved by indexing that TB's filter from its end.
	remaining := -offset
	curIdx := idx
	instructionsFromStartToFault := int64(0)
	ranOffStart := false
	firstInstructionLocated := false
	for remaining != 0 {
		curTB := uint64(ordered[curIdx].TB)
		curInfo, _ := tbInfoOf(r.golden.TBInfo, curTB)
		filt := filterFor(r.filters, r.golden.TBInfo, curTB)

		if !firstInstructionLocated {
			pos := indexOfUint64(filt, ins)
			if pos < 0 {
				if curIdx == 0 {
					ranOffStart = true
					break
				}
				curIdx--
				continue
			}
			firstInstructionLocated = true

			if int64(pos) >= remaining {
				newPos := pos - int(remaining)
				ins = filt[newPos]
				remaining = 0
				break
			}
			remaining -= int64(pos)
			instructionsFromStartToFault += int64(pos)
			if curIdx == 0 {
				ranOffStart = true
				break
			}
			curIdx--
			continue
		}

		if remaining > int64(curInfo.InsCount) {
			remaining -= int64(curInfo.InsCount)
			instructionsFromStartToFault += int64(curInfo.InsCount)
			if curIdx == 0 {
				ranOffStart = true
				break
			}
			curIdx--
			continue
		}
		ins = filt[len(filt)-int(remaining)]
		remaining = 0
	}

	if ranOffStart {
		if lifespan == 0 {
			return Result{Found: false}
		}
		adjusted := lifespan + uint64(offset) + uint64(instructionsFromStartToFault)
		return Result{
			Found:            true,
			Address:          faultAddress,
			Hitcounter:       0,
			AdjustedLifespan: adjusted,
			LifespanAdjusted: true,
		}
	}

	// Step 4: compute hit-counter of the resolved TB at curIdx, including
	// sub-TB overlap contributions.
	hitcounter := r.HitcounterAt(curIdx, ins)

	return Result{Found: true, Address: ins, Hitcounter: hitcounter}
}

func alignToInstruction(address uint64, tb trace.TBInfo) uint64 {
	addrs := append([]uint64(nil), trace.InstructionAddresses(tb.Assembler)...)
	addrs = append(addrs, tb.ID+tb.Size)
	for i := 0; i < len(addrs)-1; i++ {
		if address >= addrs[i] && address < addrs[i+1] {
			return addrs[i]
		}
	}
	return address
}

func indexOfUint64(s []uint64, v uint64) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func ascendingByPos(tbexec []trace.TBExec) []trace.TBExec {
	out := append([]trace.TBExec(nil), tbexec...)
	sort.Slice(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out
}
