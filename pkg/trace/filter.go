package trace

import (
	"sort"
)

// FilterArtifacts removes single-step JIT artifact translation blocks from
// tbexec, matching them against golden-run TB filters (descending,
// longest-first instruction-address sequences), and decrements the
// matching TBInfo's NumExec for every removed row. It mirrors the
// original tool's filter_tb / build_filters / filter_function pipeline,
// but builds a new slice rather than mutating tbexec element flags in
// place mid-scan, and operates position-by-position instead of through a
// data-frame intersection.
//
// tbinfo is the experiment's own TBInfo rows; the returned TBInfo is a
// new slice holding decremented copies of them, pruned of entries whose
// NumExec reaches 0 (tbinfo itself is not modified); goldenTBInfo supplies
// the per-TB instruction-address filters.
func FilterArtifacts(tbexec []TBExec, tbinfo []TBInfo, goldenTBInfo []TBInfo) ([]TBExec, []TBInfo) {
	filters := buildFilters(goldenTBInfo)

	sorted := append([]TBExec(nil), tbexec...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pos > sorted[j].Pos })

	invalid := make([]bool, len(sorted))
	tbCount := make(map[uint64]int64, len(tbinfo))
	for i := range tbinfo {
		tbCount[tbinfo[i].ID] = 0
	}

	for _, filt := range filters {
		if len(filt) < 2 {
			continue
		}
		matchFilter(sorted, invalid, filt, tbCount)
	}

	out := make([]TBExec, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		if !invalid[i] {
			out = append(out, sorted[i])
		}
	}
	for i := range out {
		out[i].Pos = uint64(i)
	}

	prunedInfo := make([]TBInfo, 0, len(tbinfo))
	for _, tb := range tbinfo {
		tb.NumExec -= uint64(-tbCount[tb.ID])
		if tb.NumExec > 0 {
			prunedInfo = append(prunedInfo, tb)
		}
	}
	return out, prunedInfo
}

// buildFilters builds, for every golden TB, the descending-sorted list of
// instruction addresses it contains, then sorts the filters longest-first
// so the most specific artifact sequences are matched before shorter,
// more ambiguous ones.
func buildFilters(goldenTBInfo []TBInfo) [][]uint64 {
	filters := make([][]uint64, 0, len(goldenTBInfo))
	for _, tb := range goldenTBInfo {
		addrs := append([]uint64(nil), InstructionAddresses(tb.Assembler)...)
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] > addrs[j] })
		filters = append(filters, addrs)
	}
	sort.Slice(filters, func(i, j int) bool { return len(filters[i]) > len(filters[j]) })
	return filters
}

// matchFilter finds every position in sorted (indexed in descending-pos
// order, as build_filters expects) where filt appears as a consecutive
// subsequence of .TB values, and invalidates every match but the leading
// (i.e. outermost, longest-lived) row, decrementing tbCount for each
// invalidated occurrence of the artifact TB id.
func matchFilter(sorted []TBExec, invalid []bool, filt []uint64, tbCount map[uint64]int64) {
	n := len(sorted)
	m := len(filt)
	for i := 0; i+m <= n; i++ {
		matches := true
		for j := 0; j < m; j++ {
			if invalid[i+j] || sorted[i+j].TB < 0 || uint64(sorted[i+j].TB) != filt[j] {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		for j := 0; j < m-1; j++ {
			invalid[i+j] = true
			tbCount[filt[j]]--
		}
	}
}

// ReverseAscendingPos is the ring-buffer fast path: the emulator already
// truncated tbexec to the most recent K entries, so no artifact filtering
// is needed — only a reversal so Pos reads ascending.
func ReverseAscendingPos(tbexec []TBExec) []TBExec {
	out := make([]TBExec, len(tbexec))
	n := len(tbexec)
	for i, e := range tbexec {
		out[n-1-i] = e
	}
	return out
}
