package emulator

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/chaoslab/firmfault/pkg/fault"
)

func TestWriteFramedThenReadFramedRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeFramed(w, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readFramed(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestReadFramedRejectsMalformedLength(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("not-a-number\n"))
	if _, err := readFramed(r); err == nil {
		t.Fatalf("expected a malformed length line to be rejected")
	}
}

func TestReadFramedReturnsErrOnShortPayload(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("10\nabc"))
	if _, err := readFramed(r); err == nil {
		t.Fatalf("expected a short frame to return an error")
	}
}

func TestAppendU64RoundTrips(t *testing.T) {
	buf := appendU64(nil, 0x0102030405060708)
	if len(buf) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(buf))
	}
	if got := readU64(buf, 0); got != 0x0102030405060708 {
		t.Fatalf("expected round trip to preserve value, got %x", got)
	}
}

func TestAppendBoolEncodesOneOrZero(t *testing.T) {
	if got := appendBool(nil, true); got[0] != 1 {
		t.Fatalf("expected true to encode as 1, got %d", got[0])
	}
	if got := appendBool(nil, false); got[0] != 0 {
		t.Fatalf("expected false to encode as 0, got %d", got[0])
	}
}

func TestWriteControlFrameDecodesBackToFields(t *testing.T) {
	c := Control{
		MaxDuration:          1000,
		NumFaults:            1,
		TBExecList:           true,
		TBInfo:               false,
		MemInfo:              true,
		HasStart:             true,
		StartAddress:         0x1000,
		StartCounter:         2,
		EndPoints:            []EndPoint{{Address: 0x2000, Hitcounter: 3}},
		TBExecListRingBuffer: true,
		FullMemDump:          false,
		MemoryDumps:          []MemoryDump{{Address: 0x3000, Length: 64}},
	}

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	if err := WriteControl(w, c); err != nil {
		t.Fatalf("write control: %v", err)
	}

	payload, err := readFramed(bufio.NewReader(&out))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	off := 0
	readNext := func() uint64 {
		v := readU64(payload, off)
		off += 8
		return v
	}
	if v := readNext(); v != c.MaxDuration {
		t.Fatalf("max_duration: expected %d, got %d", c.MaxDuration, v)
	}
	if v := readNext(); v != c.NumFaults {
		t.Fatalf("num_faults: expected %d, got %d", c.NumFaults, v)
	}
	if payload[off] != 1 {
		t.Fatalf("tb_exec_list: expected true")
	}
	off++
	if payload[off] != 0 {
		t.Fatalf("tb_info: expected false")
	}
	off++
	if payload[off] != 1 {
		t.Fatalf("mem_info: expected true")
	}
	off++
	if payload[off] != 1 {
		t.Fatalf("has_start: expected true")
	}
	off++
	if v := readNext(); v != c.StartAddress {
		t.Fatalf("start_address: expected %d, got %d", c.StartAddress, v)
	}
	if v := readNext(); v != c.StartCounter {
		t.Fatalf("start_counter: expected %d, got %d", c.StartCounter, v)
	}
	if v := readNext(); v != 1 {
		t.Fatalf("expected one end point, got %d", v)
	}
	if v := readNext(); v != c.EndPoints[0].Address {
		t.Fatalf("end point address: expected %d, got %d", c.EndPoints[0].Address, v)
	}
	if v := readNext(); v != c.EndPoints[0].Hitcounter {
		t.Fatalf("end point hitcounter: expected %d, got %d", c.EndPoints[0].Hitcounter, v)
	}
}

func TestWriteFaultPackFrameCarriesFaultCount(t *testing.T) {
	pack := FaultPack{Faults: []fault.Fault{
		{
			Address: fault.ConcreteAddress(0x4000),
			Kind:    fault.KindMemory,
			Model:   fault.ModelSet1,
			Mask:    fault.NewBitMask(0, 1),
			Trigger: fault.AbsoluteTrigger(0x4000, 1),
		},
	}}

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	if err := WriteFaultPack(w, pack); err != nil {
		t.Fatalf("write fault pack: %v", err)
	}

	payload, err := readFramed(bufio.NewReader(&out))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if n := readU64(payload, 0); n != 1 {
		t.Fatalf("expected one fault, got %d", n)
	}
	if addr := readU64(payload, 8); addr != 0x4000 {
		t.Fatalf("expected fault address 0x4000, got %x", addr)
	}
}
