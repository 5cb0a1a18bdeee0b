package fault

import "testing"

func TestCanonicalRoundTripStable(t *testing.T) {
	f1 := Fault{
		Address:  ConcreteAddress(0x80000c0),
		Kind:     KindMemory,
		Model:    ModelSet1,
		Lifespan: 10,
		Mask:     NewBitMask(0, 4),
		Trigger:  AbsoluteTrigger(0x80000c2, 1),
	}
	f2 := Fault{
		Address:  ConcreteAddress(0x80000c0),
		Kind:     KindMemory,
		Model:    ModelSet1,
		Lifespan: 10,
		Mask:     NewBitMask(0, 4),
		Trigger:  AbsoluteTrigger(0x80000c2, 1),
	}

	if f1.Canonical() != f2.Canonical() {
		t.Fatalf("identical faults produced different canonical strings: %q vs %q", f1.Canonical(), f2.Canonical())
	}
}

func TestCanonicalDistinguishesFields(t *testing.T) {
	base := Fault{
		Address: ConcreteAddress(0x1000),
		Kind:    KindMemory,
		Model:   ModelSet0,
		Mask:    NewBitMask(0, 1),
		Trigger: AbsoluteTrigger(0x1000, 1),
	}
	variant := base
	variant.Lifespan = 5

	if base.Canonical() == variant.Canonical() {
		t.Fatalf("faults differing only by lifespan produced the same canonical string")
	}
}

func TestByteMaskInvariant(t *testing.T) {
	f := Fault{
		Address:  ConcreteAddress(0x1000),
		Kind:     KindMemory,
		Model:    ModelSet0,
		Mask:     NewByteMask([]byte{0xde, 0xad}),
		NumBytes: 0,
		Trigger:  AbsoluteTrigger(0x1000, 1),
	}
	if err := f.Validate(); err == nil {
		t.Fatalf("expected validation error for byte mask on a non-instruction-overwrite fault")
	}

	f.Kind = KindInstruction
	f.Model = ModelOverwrite
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid instruction-overwrite byte mask fault, got: %v", err)
	}
}

func TestRenumberIsContiguous(t *testing.T) {
	combos := []FaultCombination{
		{Index: 5, Faults: []Fault{{}}},
		{Index: 9, Faults: []Fault{{}}},
		{Index: 1, Faults: []Fault{{}}},
	}
	out := Renumber(combos)
	for i, c := range out {
		if c.Index != i {
			t.Fatalf("expected renumbered index %d, got %d", i, c.Index)
		}
	}
}

func TestAddressRangeContains(t *testing.T) {
	r := AddressRange{Low: 0x8000008, High: 0x8000008}
	if !r.Contains(0x8000008) {
		t.Fatalf("expected range to contain its sole address")
	}
	if r.Contains(0x8000009) {
		t.Fatalf("expected range to exclude address outside bounds")
	}
}
