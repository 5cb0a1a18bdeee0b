// Package fault defines the value types shared by every stage of a
// campaign: faults, triggers, masks and the canonical string identity
// used for dedup on resume.
package fault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies what a Fault targets. The numeric values are preserved
// for wire compatibility with the emulator plugin.
type Kind uint8

const (
	KindMemory      Kind = 0
	KindInstruction Kind = 1
	KindRegister    Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindInstruction:
		return "instruction"
	case KindRegister:
		return "register"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Model identifies how the mask is applied to the target bits.
type Model uint8

const (
	ModelSet0     Model = 0
	ModelSet1     Model = 1
	ModelToggle   Model = 2
	ModelOverwrite Model = 3
)

func (m Model) String() string {
	switch m {
	case ModelSet0:
		return "set0"
	case ModelSet1:
		return "set1"
	case ModelToggle:
		return "toggle"
	case ModelOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("model(%d)", uint8(m))
	}
}

// Mask is a tagged union: either a 128-bit numeric bit-pattern (split into
// two 64-bit halves for the wire) or an opaque byte sequence used for
// instruction-overwrite faults. Exactly one of the two representations is
// ever populated; NewBitMask/NewByteMask enforce that at construction
// rather than leaving it to be inferred from zero values.
type Mask struct {
	upper, lower uint64
	bytes        []byte
	isBytes      bool
}

// NewBitMask builds a 128-bit numeric mask from its upper and lower halves.
func NewBitMask(upper, lower uint64) Mask {
	return Mask{upper: upper, lower: lower}
}

// NewByteMask builds an opaque byte mask. Callers must pair this with
// Kind == KindInstruction, Model == ModelOverwrite and NumBytes == 0 — see
// Fault.Validate, which enforces the invariant from the data model.
func NewByteMask(b []byte) Mask {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Mask{bytes: cp, isBytes: true}
}

// IsBytes reports whether the mask is an opaque byte sequence rather than
// a 128-bit numeric pattern.
func (m Mask) IsBytes() bool { return m.isBytes }

// Halves returns the wire representation of a numeric mask.
func (m Mask) Halves() (upper, lower uint64) { return m.upper, m.lower }

// Bytes returns the opaque byte sequence of a byte mask.
func (m Mask) Bytes() []byte { return m.bytes }

func (m Mask) String() string {
	if m.isBytes {
		return fmt.Sprintf("bytes:%x", m.bytes)
	}
	return fmt.Sprintf("%016x%016x", m.upper, m.lower)
}

// maskWire is Mask's archive/backup persistence shape — Mask's fields are
// private so its invariant (exactly one representation populated) can't be
// broken by a zero value, which means json can't reflect into it directly.
type maskWire struct {
	IsBytes bool   `json:"is_bytes"`
	Upper   uint64 `json:"upper,omitempty"`
	Lower   uint64 `json:"lower,omitempty"`
	Bytes   string `json:"bytes,omitempty"`
}

func (m Mask) MarshalJSON() ([]byte, error) {
	w := maskWire{IsBytes: m.isBytes, Upper: m.upper, Lower: m.lower}
	if m.isBytes {
		w.Bytes = base64.StdEncoding.EncodeToString(m.bytes)
	}
	return json.Marshal(w)
}

func (m *Mask) UnmarshalJSON(data []byte) error {
	var w maskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.IsBytes {
		b, err := base64.StdEncoding.DecodeString(w.Bytes)
		if err != nil {
			return fmt.Errorf("fault: decode mask bytes: %w", err)
		}
		*m = NewByteMask(b)
		return nil
	}
	*m = NewBitMask(w.Upper, w.Lower)
	return nil
}

// Trigger names the instruction whose execution arms a Fault. It replaces
// the original tool's "negative address means offset" convention with an
// explicit variant: a Trigger is either an absolute address or an offset
// relative to a fault address resolved later by the trigger resolver.
type Trigger struct {
	absolute bool
	address  uint64
	offset   int64
	hits     uint64
}

// AbsoluteTrigger builds a Trigger that fires at a concrete address.
func AbsoluteTrigger(address, hitcounter uint64) Trigger {
	return Trigger{absolute: true, address: address, hits: hitcounter}
}

// RelativeTrigger builds a Trigger expressed as a negative instruction
// offset from a fault address, to be resolved against a golden trace.
func RelativeTrigger(offset int64, hitcounter uint64) Trigger {
	return Trigger{absolute: false, offset: offset, hits: hitcounter}
}

// IsAbsolute reports whether the trigger already names a concrete address.
func (t Trigger) IsAbsolute() bool { return t.absolute }

// Address returns the concrete address of an absolute trigger. Calling it
// on a relative trigger is a programming error; callers must check
// IsAbsolute first.
func (t Trigger) Address() uint64 { return t.address }

// Offset returns the negative instruction offset of a relative trigger.
func (t Trigger) Offset() int64 { return t.offset }

// Hitcounter returns the required occurrence count of the trigger
// instruction.
func (t Trigger) Hitcounter() uint64 { return t.hits }

// WithAddress returns a copy of the trigger resolved to an absolute
// address and (possibly adjusted) hitcounter, used once the trigger
// resolver has located the concrete instruction.
func (t Trigger) WithAddress(address, hitcounter uint64) Trigger {
	return AbsoluteTrigger(address, hitcounter)
}

type triggerWire struct {
	Absolute bool   `json:"absolute"`
	Address  uint64 `json:"address,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	Hits     uint64 `json:"hits"`
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	w := triggerWire{Absolute: t.absolute, Hits: t.hits}
	if t.absolute {
		w.Address = t.address
	} else {
		w.Offset = t.offset
	}
	return json.Marshal(w)
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var w triggerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Absolute {
		*t = AbsoluteTrigger(w.Address, w.Hits)
	} else {
		*t = RelativeTrigger(w.Offset, w.Hits)
	}
	return nil
}

// AddressRange is an inclusive [Low, High] byte range, used for exclusion
// filters (wildcard bounds use WildcardBound).
type AddressRange struct {
	Low, High uint64
}

// Contains reports whether addr falls within the inclusive range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Low && addr <= r.High
}

// WildcardBound is one side (start or end) of a wildcard address range.
type WildcardBound struct {
	Address    uint64
	Hitcounter uint64
}

// Wildcard describes a fault whose address is a range rather than a
// concrete byte, expanded after the golden run (see pkg/goldenrun).
type Wildcard struct {
	Start WildcardBound
	End   WildcardBound
	// HasEnd is false for a lone "*" — a single open wildcard with no end
	// bound at all, distinct from an end bound with hitcounter 0.
	HasEnd bool
	// Local means the wildcard re-arms every time Start is seen again,
	// rather than firing once between a single Start/End pair.
	Local bool
}

// AddressSpec is the tagged union of what a Fault's address field can be:
// a concrete byte address, "use the trigger's resolved address" (the
// legacy faddress==-1 sentinel, resolved once during expansion and never
// carried as an in-band value afterward), or a Wildcard range.
type AddressSpec struct {
	kind     addressKind
	concrete uint64
	wildcard Wildcard
}

type addressKind uint8

const (
	addressConcrete addressKind = iota
	addressUseTrigger
	addressWildcard
)

func ConcreteAddress(addr uint64) AddressSpec {
	return AddressSpec{kind: addressConcrete, concrete: addr}
}

func UseTriggerAddress() AddressSpec {
	return AddressSpec{kind: addressUseTrigger}
}

func WildcardAddress(w Wildcard) AddressSpec {
	return AddressSpec{kind: addressWildcard, wildcard: w}
}

func (a AddressSpec) IsConcrete() bool    { return a.kind == addressConcrete }
func (a AddressSpec) IsUseTrigger() bool  { return a.kind == addressUseTrigger }
func (a AddressSpec) IsWildcard() bool    { return a.kind == addressWildcard }
func (a AddressSpec) Concrete() uint64    { return a.concrete }
func (a AddressSpec) Wildcard() Wildcard  { return a.wildcard }

type addressSpecWire struct {
	Kind     string    `json:"kind"`
	Concrete uint64    `json:"concrete,omitempty"`
	Wildcard *Wildcard `json:"wildcard,omitempty"`
}

func (a AddressSpec) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case addressConcrete:
		return json.Marshal(addressSpecWire{Kind: "concrete", Concrete: a.concrete})
	case addressUseTrigger:
		return json.Marshal(addressSpecWire{Kind: "use_trigger"})
	default:
		w := a.wildcard
		return json.Marshal(addressSpecWire{Kind: "wildcard", Wildcard: &w})
	}
}

func (a *AddressSpec) UnmarshalJSON(data []byte) error {
	var w addressSpecWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "concrete":
		*a = ConcreteAddress(w.Concrete)
	case "use_trigger":
		*a = UseTriggerAddress()
	case "wildcard":
		if w.Wildcard == nil {
			return fmt.Errorf("fault: wildcard address spec missing wildcard body")
		}
		*a = WildcardAddress(*w.Wildcard)
	default:
		return fmt.Errorf("fault: unknown address spec kind %q", w.Kind)
	}
	return nil
}

// Fault is the immutable unit of corruption applied in one experiment.
type Fault struct {
	Address             AddressSpec
	AddressExclude      []AddressRange
	Kind                Kind
	Model               Model
	Lifespan            uint64
	Mask                Mask
	NumBytes            uint8
	Trigger             Trigger
}

// Validate enforces the data-model invariant: an opaque byte mask only
// makes sense for an instruction-overwrite fault with NumBytes == 0.
func (f Fault) Validate() error {
	if f.Mask.IsBytes() {
		if f.Kind != KindInstruction || f.Model != ModelOverwrite || f.NumBytes != 0 {
			return fmt.Errorf("fault: byte mask requires kind=instruction, model=overwrite, num_bytes=0")
		}
	}
	return nil
}

// Canonical returns the fixed-order, separator-joined string identity of
// the fault. Two faults are equivalent in the "missing only" resume path
// iff their canonical strings match — no other equality is used anywhere
// in the archive layer.
func (f Fault) Canonical() string {
	var b strings.Builder
	writeAddressSpec(&b, f.Address)
	b.WriteByte('|')
	for _, r := range f.AddressExclude {
		fmt.Fprintf(&b, "%d-%d,", r.Low, r.High)
	}
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d|%d|%d|%s|%d|", uint8(f.Kind), uint8(f.Model), f.Lifespan, f.Mask.String(), f.NumBytes)
	writeTrigger(&b, f.Trigger)
	return b.String()
}

func writeAddressSpec(b *strings.Builder, a AddressSpec) {
	switch {
	case a.IsConcrete():
		fmt.Fprintf(b, "addr:%d", a.concrete)
	case a.IsUseTrigger():
		b.WriteString("addr:trigger")
	case a.IsWildcard():
		w := a.wildcard
		fmt.Fprintf(b, "addr:wild:%d/%d-%d/%d:hasend=%v:local=%v",
			w.Start.Address, w.Start.Hitcounter, w.End.Address, w.End.Hitcounter, w.HasEnd, w.Local)
	}
}

func writeTrigger(b *strings.Builder, t Trigger) {
	if t.IsAbsolute() {
		fmt.Fprintf(b, "trig:abs:%d/%d", t.address, t.hits)
	} else {
		fmt.Fprintf(b, "trig:rel:%d/%d", t.offset, t.hits)
	}
}

// FaultCombination groups the faults applied together in one experiment.
// A deleted combination is never mutated in place — pipelines that filter
// combinations (wildcard expansion, trigger-in-TB validation) build a new
// slice rather than flip this flag mid-iteration (see pkg/goldenrun).
type FaultCombination struct {
	Index   int
	Faults  []Fault
	Deleted bool
}

// Validate checks the non-empty invariant and delegates to each Fault.
func (c FaultCombination) Validate() error {
	if len(c.Faults) == 0 {
		return fmt.Errorf("fault combination %d: must contain at least one fault", c.Index)
	}
	for i, f := range c.Faults {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("fault combination %d, fault %d: %w", c.Index, i, err)
		}
	}
	return nil
}

// Renumber returns a copy of combos with Index set to the slice position,
// used after dropping entries so indices stay contiguous from 0 (required
// by checktriggers_in_tb and by the "missing only" resume path).
func Renumber(combos []FaultCombination) []FaultCombination {
	out := make([]FaultCombination, len(combos))
	for i, c := range combos {
		c.Index = i
		out[i] = c
	}
	return out
}
