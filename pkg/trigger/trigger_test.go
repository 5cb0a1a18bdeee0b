package trigger

import (
	"testing"

	"github.com/chaoslab/firmfault/pkg/trace"
)

func simpleGolden() *trace.GoldenRun {
	return &trace.GoldenRun{
		TBInfo: []trace.TBInfo{
			{ID: 0x100, Size: 8, InsCount: 2, NumExec: 1, Assembler: "[ 0x100 ] nop\n[ 0x104 ] nop"},
		},
		TBExec: []trace.TBExec{
			{TB: 0x100, Pos: 0},
			{TB: 0x100, Pos: 1},
			{TB: 0x100, Pos: 2},
		},
	}
}

func TestResolveNotFoundWhenFewerOccurrences(t *testing.T) {
	r := NewResolver(simpleGolden())
	got := r.Resolve(0x100, 0, 10, 0)
	if got.Found {
		t.Fatalf("expected not-found for an occurrence count beyond the trace, got %+v", got)
	}
}

func TestResolveFindsAbsoluteOccurrence(t *testing.T) {
	r := NewResolver(simpleGolden())
	got := r.Resolve(0x100, 0, 1, 0)
	if !got.Found {
		t.Fatalf("expected the first occurrence to resolve")
	}
	if got.Address != 0x100 {
		t.Fatalf("expected resolved address 0x100, got %#x", got.Address)
	}
}

func TestResolveIsCached(t *testing.T) {
	r := NewResolver(simpleGolden())
	first := r.Resolve(0x100, 0, 1, 0)
	second := r.Resolve(0x100, 0, 1, 0)
	if first != second {
		t.Fatalf("expected cached result to be identical, got %+v vs %+v", first, second)
	}
}

func twoBlockGolden() *trace.GoldenRun {
	return &trace.GoldenRun{
		TBInfo: []trace.TBInfo{
			{ID: 0x100, Size: 8, InsCount: 2, NumExec: 1, Assembler: "[ 0x100 ] nop\n[ 0x104 ] nop"},
			{ID: 0x200, Size: 8, InsCount: 2, NumExec: 1, Assembler: "[ 0x200 ] nop\n[ 0x204 ] nop"},
		},
		TBExec: []trace.TBExec{
			{TB: 0x100, Pos: 0},
			{TB: 0x200, Pos: 1},
		},
	}
}

func TestResolveWalksBackwardsAcrossTBBoundary(t *testing.T) {
	r := NewResolver(twoBlockGolden())
	got := r.Resolve(0x200, -2, 1, 0)
	if !got.Found {
		t.Fatalf("expected the backward walk to resolve")
	}
	if got.Address != 0x100 {
		t.Fatalf("expected walking back 2 instructions from 0x200 to land on 0x100, got %#x", got.Address)
	}
}

func TestResolveRunsOffStartWhenOffsetExceedsTrace(t *testing.T) {
	r := NewResolver(twoBlockGolden())
	got := r.Resolve(0x200, -3, 1, 500)
	if !got.Found || !got.LifespanAdjusted {
		t.Fatalf("expected an offset exceeding the trace to fall back to an adjusted lifespan, got %+v", got)
	}
	if got.AdjustedLifespan != 500-3+2 {
		t.Fatalf("expected adjusted lifespan %d, got %d", 500-3+2, got.AdjustedLifespan)
	}
}

func TestHitcounterMonotonicAcrossOccurrences(t *testing.T) {
	r := NewResolver(simpleGolden())
	first := r.Resolve(0x100, 0, 1, 0)
	second := r.Resolve(0x100, 0, 2, 0)
	if !first.Found || !second.Found {
		t.Fatalf("expected both occurrences to resolve")
	}
	if second.Hitcounter < first.Hitcounter {
		t.Fatalf("expected non-decreasing hitcounter as occurrence grows: %d then %d", first.Hitcounter, second.Hitcounter)
	}
}
