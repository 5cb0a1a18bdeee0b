// Package emulator adapts the campaign control plane to an external
// instruction-level CPU emulator: it creates the three named FIFOs, spawns
// the emulator binary with its plugin arguments, serializes the Control
// and FaultPack messages, and parses the Data message the plugin returns.
package emulator

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chaoslab/firmfault/pkg/fault"
)

// EndPoint names one address/hitcounter pair the emulator should stop at.
type EndPoint struct {
	Address    uint64
	Hitcounter uint64
}

// MemoryDump requests a dump of Length bytes starting at Address.
type MemoryDump struct {
	Address uint64
	Length  uint64
}

// Control is the first message sent to the emulator: run-wide parameters
// that don't vary per fault.
type Control struct {
	MaxDuration          uint64
	NumFaults            uint64
	TBExecList           bool
	TBInfo               bool
	MemInfo              bool
	HasStart             bool
	StartAddress         uint64
	StartCounter         uint64
	EndPoints            []EndPoint
	TBExecListRingBuffer bool
	FullMemDump          bool
	MemoryDumps          []MemoryDump
}

// FaultPack is the second message: the full ordered list of faults to
// apply in this experiment.
type FaultPack struct {
	Faults []fault.Fault
}

// writeFramed writes an ASCII-decimal-length-prefixed frame: the decimal
// byte length of payload, a newline, then payload itself, flushing after
// the write so a blocking reader on the other end of the FIFO is
// guaranteed to see the whole message (see the worker's open-order
// contract in Worker.Run).
func writeFramed(w *bufio.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(payload)); err != nil {
		return fmt.Errorf("emulator: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("emulator: write frame payload: %w", err)
	}
	return w.Flush()
}

// readFramed reads one ASCII-decimal-length-prefixed frame. It tolerates
// a short or absent message (the emulator may die mid-write on
// cancellation or crash) by returning an error rather than panicking:
// io.EOF when no length line arrives, a wrapped io.ErrUnexpectedEOF when
// the payload is cut short.
func readFramed(r *bufio.Reader) ([]byte, error) {
	lengthLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	var n int
	if _, err := fmt.Sscanf(lengthLine, "%d", &n); err != nil {
		return nil, fmt.Errorf("emulator: malformed frame length %q: %w", lengthLine, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("emulator: short frame (wanted %d bytes): %w", n, err)
	}
	return buf, nil
}

// WriteControl serializes and writes the Control message. Field order
// matches spec §4.C / §6 exactly: max_duration, num_faults, the three
// boolean feature flags, the optional start address+counter, the repeated
// end_points, the ring-buffer flag, the full-mem-dump flag, then the
// repeated memorydumps.
func WriteControl(w *bufio.Writer, c Control) error {
	var buf []byte
	buf = appendU64(buf, c.MaxDuration)
	buf = appendU64(buf, c.NumFaults)
	buf = appendBool(buf, c.TBExecList)
	buf = appendBool(buf, c.TBInfo)
	buf = appendBool(buf, c.MemInfo)
	buf = appendBool(buf, c.HasStart)
	if c.HasStart {
		buf = appendU64(buf, c.StartAddress)
		buf = appendU64(buf, c.StartCounter)
	}
	buf = appendU64(buf, uint64(len(c.EndPoints)))
	for _, e := range c.EndPoints {
		buf = appendU64(buf, e.Address)
		buf = appendU64(buf, e.Hitcounter)
	}
	buf = appendBool(buf, c.TBExecListRingBuffer)
	buf = appendBool(buf, c.FullMemDump)
	buf = appendU64(buf, uint64(len(c.MemoryDumps)))
	for _, m := range c.MemoryDumps {
		buf = appendU64(buf, m.Address)
		buf = appendU64(buf, m.Length)
	}
	return writeFramed(w, buf)
}

// WriteFaultPack serializes and writes the FaultPack message: one entry
// per fault, mask split into its two 64-bit halves on the wire.
func WriteFaultPack(w *bufio.Writer, pack FaultPack) error {
	var buf []byte
	buf = appendU64(buf, uint64(len(pack.Faults)))
	for _, f := range pack.Faults {
		addr := uint64(0)
		if f.Address.IsConcrete() {
			addr = f.Address.Concrete()
		}
		buf = appendU64(buf, addr)
		buf = append(buf, byte(f.Kind))
		buf = append(buf, byte(f.Model))
		buf = appendU64(buf, f.Lifespan)
		upper, lower := f.Mask.Halves()
		buf = appendU64(buf, upper)
		buf = appendU64(buf, lower)
		buf = append(buf, f.NumBytes)
		if f.Trigger.IsAbsolute() {
			buf = appendU64(buf, f.Trigger.Address())
		} else {
			buf = appendU64(buf, uint64(f.Trigger.Offset()))
		}
		buf = appendU64(buf, f.Trigger.Hitcounter())
	}
	return writeFramed(w, buf)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
