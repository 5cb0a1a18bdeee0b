package trace

import "testing"

func TestDiffTBExecIsMultisetDifference(t *testing.T) {
	golden := []TBExec{{TB: 1, Pos: 0}, {TB: 2, Pos: 1}}
	self := []TBExec{{TB: 1, Pos: 0}, {TB: 3, Pos: 1}, {TB: 2, Pos: 2}}

	got := DiffTBExec(self, golden)
	if len(got) != 2 || got[0] != (TBExec{TB: 3, Pos: 1}) || got[1] != (TBExec{TB: 2, Pos: 2}) {
		t.Fatalf("expected the rows absent from golden ({3,1} and {2,2}) to survive the diff, got %+v", got)
	}
}

func TestDiffToleratesRepeatedGoldenRows(t *testing.T) {
	golden := []TBExec{{TB: 1, Pos: 0}, {TB: 1, Pos: 0}}
	self := []TBExec{{TB: 1, Pos: 0}}

	got := DiffTBExec(self, golden)
	if len(got) != 0 {
		t.Fatalf("expected row present in golden to cancel out, got %+v", got)
	}
}

func TestFilterArtifactsRemovesSingleStepTB(t *testing.T) {
	// Golden TB 0x100 contains instructions at 0x100 and 0x104; a
	// single-step artifact TB 0x104 (one instruction) interrupts it in
	// the raw trace and must be removed.
	golden := []TBInfo{
		{ID: 0x100, Size: 8, InsCount: 2, NumExec: 1, Assembler: "[ 0x100 ] nop\n[ 0x104 ] nop"},
	}
	tbinfo := []TBInfo{
		{ID: 0x100, Size: 8, InsCount: 2, NumExec: 1, Assembler: "[ 0x100 ] nop\n[ 0x104 ] nop"},
		{ID: 0x104, Size: 4, InsCount: 1, NumExec: 1, Assembler: "[ 0x104 ] nop"},
	}
	tbexec := []TBExec{
		{TB: 0x104, Pos: 1},
		{TB: 0x100, Pos: 0},
	}

	outExec, outInfo := FilterArtifacts(tbexec, tbinfo, golden)

	for _, e := range outExec {
		if e.TB == 0x104 {
			t.Fatalf("expected artifact TB 0x104 removed from tbexec, got %+v", outExec)
		}
	}
	for _, tb := range outInfo {
		if tb.ID == 0x104 {
			t.Fatalf("expected artifact TBInfo 0x104 pruned, got %+v", outInfo)
		}
	}
}

func TestReverseAscendingPos(t *testing.T) {
	in := []TBExec{{Pos: 2}, {Pos: 1}, {Pos: 0}}
	out := ReverseAscendingPos(in)
	for i, e := range out {
		if e.Pos != uint64(i) {
			t.Fatalf("expected ascending positions, got %+v", out)
		}
	}
}

func TestLinkMemInfoToTB(t *testing.T) {
	tbs := []TBInfo{{ID: 0x1000, Size: 0x10}}
	mem := []MemInfo{{InsAddress: 0x1004}, {InsAddress: 0x2000}}
	LinkMemInfoToTB(mem, tbs)
	if mem[0].TBID != 0x1000 {
		t.Fatalf("expected in-range access linked to TB, got %+v", mem[0])
	}
	if mem[1].TBID != 0 {
		t.Fatalf("expected out-of-range access left unlinked, got %+v", mem[1])
	}
}
