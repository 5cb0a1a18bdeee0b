package trace

import (
	"strconv"
	"strings"
)

// InstructionAddresses parses a TB's bracketed assembler string into the
// addresses of its instructions, in the order they appear (ascending,
// since a TB disassembles linearly).
func InstructionAddresses(asm string) []uint64 {
	var out []uint64
	rest := asm
	for {
		i := strings.Index(rest, "[ ")
		if i < 0 {
			break
		}
		rest = rest[i+len("[ "):]
		j := strings.Index(rest, " ]")
		if j < 0 {
			break
		}
		if v, err := strconv.ParseUint(strings.TrimSpace(rest[:j]), 0, 64); err == nil {
			out = append(out, v)
		}
		rest = rest[j+len(" ]"):]
	}
	return out
}
