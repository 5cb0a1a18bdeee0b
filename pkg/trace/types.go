// Package trace holds the execution-trace data model (translation
// blocks, memory accesses, register snapshots) and the post-processing
// steps that turn a raw emulator trace into the form persisted in the
// archive: single-step artifact removal and golden-run diffing.
package trace

// TBInfo describes one translation block observed during an experiment.
// Invariant: Size equals the sum of its instructions' encoding sizes, and
// after filtering NumExec equals the count of matching TBExec entries.
type TBInfo struct {
	ID        uint64
	Size      uint64
	InsCount  uint64
	NumExec   uint64
	Assembler string // bracketed per-instruction addresses: "[ 0x80001a2 ] ..."
}

// TBExec records the sequential position at which a TB began executing.
// Positions form a contiguous range starting at 0 after normalization.
type TBExec struct {
	TB  int64 // signed; FilterArtifacts drops invalidated rows rather than marking them
	Pos uint64
}

// Direction names whether a MemInfo access was a read or a write.
type Direction uint8

const (
	DirectionRead  Direction = 0
	DirectionWrite Direction = 1
)

// MemInfo records one memory access tied to the instruction that made it
// and (after LinkMemInfoToTB) the enclosing translation block.
type MemInfo struct {
	InsAddress uint64
	TBID       uint64
	Size       uint64
	Address    uint64
	Direction  Direction
	Counter    uint64
}

// Arch names the guest architecture a RegisterSnapshot was captured for.
type Arch uint8

const (
	ArchARM   Arch = 0
	ArchRISCV Arch = 1
)

// RegisterSnapshot is a full register dump at one point in the trace.
// Only the fields relevant to Arch are populated.
type RegisterSnapshot struct {
	Arch      Arch
	PC        uint64
	TBCounter uint64
	ARM       [16]uint64 // r0..r15
	XPSR      uint64
	RISCV     [33]uint64 // x0..x32 (x0 unused, kept for 1-based indexing parity)
}

// TBFaulted records a translation block whose assembly was patched by an
// instruction-overwrite fault.
type TBFaulted struct {
	FaultAddress uint64
	Assembly     string
}

// MemDump is one captured region of guest memory.
type MemDump struct {
	Address uint64
	Length  uint64
	Dumps   [][]byte
}

// GoldenRun is the immutable baseline trace produced by the golden-run
// driver (pkg/goldenrun). Every experiment's trace is diffed against it
// before being persisted.
type GoldenRun struct {
	TBInfo  []TBInfo
	TBExec  []TBExec
	MemInfo []MemInfo
	ARM     []RegisterSnapshot
	RISCV   []RegisterSnapshot
}

// LinkMemInfoToTB sets TBID on each MemInfo entry whose InsAddress falls
// inside a TB's [ID, ID+Size) range, matching the original tool's
// connect_meminfo_tb: run after trace filtering, before diffing.
func LinkMemInfoToTB(mem []MemInfo, tbs []TBInfo) {
	for i := range mem {
		for _, tb := range tbs {
			if mem[i].InsAddress >= tb.ID && mem[i].InsAddress < tb.ID+tb.Size {
				mem[i].TBID = tb.ID
				break
			}
		}
	}
}
