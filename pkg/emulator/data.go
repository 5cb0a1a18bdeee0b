package emulator

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/chaoslab/firmfault/pkg/trace"
)

// section tags the kind of the data payload carried by one frame of the
// Data message. The emulator plugin emits one frame per section, in the
// fixed order of spec §4.C, terminated by sectionEnd.
type section byte

const (
	sectionEndpoint section = iota
	sectionTBInfo
	sectionTBExec
	sectionMemInfo
	sectionMemDump
	sectionArmRegisters
	sectionRiscVRegisters
	sectionTBFaulted
	sectionEnd
)

// Data is the fully decoded Data message for one experiment.
type Data struct {
	Endpoint        uint64
	HasTBInfo       bool
	TBInfo          []trace.TBInfo
	HasTBExec       bool
	TBExec          []trace.TBExec
	HasMemInfo      bool
	MemInfo         []trace.MemInfo
	HasMemDump      bool
	MemDumps        []trace.MemDump
	RegisterArch    trace.Arch
	HasRegisters    bool
	Registers       []trace.RegisterSnapshot
	HasTBFaulted    bool
	TBFaulted       []trace.TBFaulted
}

// ReadData reads frames off r until sectionEnd, assembling the decoded
// Data message. It tolerates the emulator dying mid-stream: any read
// error is returned wrapped, leaving the partially built Data discarded.
func ReadData(r *bufio.Reader) (Data, error) {
	var d Data
	for {
		payload, err := readFramed(r)
		if err != nil {
			return Data{}, fmt.Errorf("emulator: read data frame: %w", err)
		}
		if len(payload) == 0 {
			return Data{}, fmt.Errorf("emulator: empty data frame")
		}
		tag := section(payload[0])
		body := payload[1:]

		switch tag {
		case sectionEndpoint:
			d.Endpoint = binary.BigEndian.Uint64(body)
		case sectionTBInfo:
			d.HasTBInfo = true
			d.TBInfo = decodeTBInfo(body)
		case sectionTBExec:
			d.HasTBExec = true
			d.TBExec = decodeTBExec(body)
		case sectionMemInfo:
			d.HasMemInfo = true
			d.MemInfo = decodeMemInfo(body)
		case sectionMemDump:
			d.HasMemDump = true
			d.MemDumps = decodeMemDump(body)
		case sectionArmRegisters:
			d.HasRegisters = true
			d.RegisterArch = trace.ArchARM
			d.Registers = decodeArmRegisters(body)
		case sectionRiscVRegisters:
			d.HasRegisters = true
			d.RegisterArch = trace.ArchRISCV
			d.Registers = decodeRiscVRegisters(body)
		case sectionTBFaulted:
			d.HasTBFaulted = true
			d.TBFaulted = decodeTBFaulted(body)
		case sectionEnd:
			return d, nil
		default:
			return Data{}, fmt.Errorf("emulator: unrecognized data section tag %d", tag)
		}
	}
}

func readU64(b []byte, off int) uint64 { return binary.BigEndian.Uint64(b[off : off+8]) }

func decodeTBInfo(b []byte) []trace.TBInfo {
	n := int(readU64(b, 0))
	out := make([]trace.TBInfo, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		id := readU64(b, off)
		size := readU64(b, off+8)
		insCount := readU64(b, off+16)
		numExec := readU64(b, off+24)
		asmLen := int(readU64(b, off+32))
		off += 40
		asm := string(b[off : off+asmLen])
		off += asmLen
		out = append(out, trace.TBInfo{ID: id, Size: size, InsCount: insCount, NumExec: numExec, Assembler: asm})
	}
	return out
}

func decodeTBExec(b []byte) []trace.TBExec {
	n := int(readU64(b, 0))
	out := make([]trace.TBExec, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		tb := int64(readU64(b, off))
		pos := readU64(b, off+8)
		off += 16
		out = append(out, trace.TBExec{TB: tb, Pos: pos})
	}
	return out
}

func decodeMemInfo(b []byte) []trace.MemInfo {
	n := int(readU64(b, 0))
	out := make([]trace.MemInfo, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		ins := readU64(b, off)
		size := readU64(b, off+8)
		addr := readU64(b, off+16)
		dir := trace.Direction(b[off+24])
		counter := readU64(b, off+25)
		off += 33
		out = append(out, trace.MemInfo{InsAddress: ins, Size: size, Address: addr, Direction: dir, Counter: counter})
	}
	return out
}

func decodeMemDump(b []byte) []trace.MemDump {
	n := int(readU64(b, 0))
	out := make([]trace.MemDump, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		addr := readU64(b, off)
		length := readU64(b, off+8)
		numDumps := int(readU64(b, off+16))
		off += 24
		dumps := make([][]byte, 0, numDumps)
		for j := 0; j < numDumps; j++ {
			dLen := int(readU64(b, off))
			off += 8
			dumps = append(dumps, append([]byte(nil), b[off:off+dLen]...))
			off += dLen
		}
		out = append(out, trace.MemDump{Address: addr, Length: length, Dumps: dumps})
	}
	return out
}

func decodeArmRegisters(b []byte) []trace.RegisterSnapshot {
	n := int(readU64(b, 0))
	out := make([]trace.RegisterSnapshot, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		var reg trace.RegisterSnapshot
		reg.Arch = trace.ArchARM
		reg.PC = readU64(b, off)
		reg.TBCounter = readU64(b, off+8)
		off += 16
		for r := 0; r < 16; r++ {
			reg.ARM[r] = readU64(b, off)
			off += 8
		}
		reg.XPSR = readU64(b, off)
		off += 8
		out = append(out, reg)
	}
	return out
}

func decodeRiscVRegisters(b []byte) []trace.RegisterSnapshot {
	n := int(readU64(b, 0))
	out := make([]trace.RegisterSnapshot, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		var reg trace.RegisterSnapshot
		reg.Arch = trace.ArchRISCV
		reg.PC = readU64(b, off)
		reg.TBCounter = readU64(b, off+8)
		off += 16
		for r := 0; r < 33; r++ {
			reg.RISCV[r] = readU64(b, off)
			off += 8
		}
		out = append(out, reg)
	}
	return out
}

func decodeTBFaulted(b []byte) []trace.TBFaulted {
	n := int(readU64(b, 0))
	out := make([]trace.TBFaulted, 0, n)
	off := 8
	for i := 0; i < n; i++ {
		addr := readU64(b, off)
		asmLen := int(readU64(b, off+8))
		off += 16
		asm := string(b[off : off+asmLen])
		off += asmLen
		out = append(out, trace.TBFaulted{FaultAddress: addr, Assembly: asm})
	}
	return out
}
