package trace

import "fmt"

// multiset counts row-hash occurrences; Diff* below realize the
// "concat(self, golden, golden); drop_duplicates(keep=none)" identity from
// the original tool as a single O(n) hash-multiset difference instead,
// per the re-architecture guidance: a row present in self but absent from
// golden survives; any row that also appears in golden cancels out
// (appearing twice in golden guarantees full cancellation regardless of
// how many times it repeats in self, matching the dedup-to-nothing
// behavior of the original's triple concat).
type multiset map[string]int

func newMultiset(keys []string) multiset {
	m := make(multiset, len(keys))
	for _, k := range keys {
		m[k]++
	}
	return m
}

// diffRows returns the elements of self whose keys are absent from
// golden, preserving self's original order and multiplicity.
func diffRows[T any](self []T, golden []T, key func(T) string) []T {
	present := newMultiset(mapKeys(golden, key))
	out := make([]T, 0, len(self))
	for _, row := range self {
		if present[key(row)] == 0 {
			out = append(out, row)
		}
	}
	return out
}

func mapKeys[T any](rows []T, key func(T) string) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = key(r)
	}
	return out
}

// DiffTBInfo returns the TBInfo rows of self not present in golden.
func DiffTBInfo(self, golden []TBInfo) []TBInfo {
	return diffRows(self, golden, func(t TBInfo) string {
		return fmt.Sprintf("%d|%d|%d|%d|%s", t.ID, t.Size, t.InsCount, t.NumExec, t.Assembler)
	})
}

// DiffTBExec returns the TBExec rows of self not present in golden.
func DiffTBExec(self, golden []TBExec) []TBExec {
	return diffRows(self, golden, func(t TBExec) string {
		return fmt.Sprintf("%d|%d", t.TB, t.Pos)
	})
}

// DiffMemInfo returns the MemInfo rows of self not present in golden.
func DiffMemInfo(self, golden []MemInfo) []MemInfo {
	return diffRows(self, golden, func(m MemInfo) string {
		return fmt.Sprintf("%d|%d|%d|%d|%d|%d", m.InsAddress, m.TBID, m.Size, m.Address, m.Direction, m.Counter)
	})
}

// DiffRegisters returns the RegisterSnapshot rows of self not present in
// golden.
func DiffRegisters(self, golden []RegisterSnapshot) []RegisterSnapshot {
	return diffRows(self, golden, func(r RegisterSnapshot) string {
		return fmt.Sprintf("%d|%d|%d|%v|%d|%v", r.Arch, r.PC, r.TBCounter, r.ARM, r.XPSR, r.RISCV)
	})
}
