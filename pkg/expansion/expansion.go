// Package expansion turns a compact, nested fault-device description into
// a fully enumerated list of fault.FaultCombination values: a Cartesian
// product of per-field ranges, filtered by exclusion regions and crossed
// over multiple devices firing together.
package expansion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chaoslab/firmfault/pkg/fault"
)

// ErrInvalidRangeSpec reports a malformed range descriptor: a list with
// zero or more than three elements, or a shift range that isn't exactly
// three elements long.
type ErrInvalidRangeSpec struct {
	Field string
	Raw   interface{}
}

func (e *ErrInvalidRangeSpec) Error() string {
	return fmt.Sprintf("expansion: invalid range for %s: %v (need 1 to 3 list elements, or a shift/dict object)", e.Field, e.Raw)
}

// ErrObsoleteField reports the legacy "fault_livespan" key, which is
// rejected rather than silently accepted.
type ErrObsoleteField struct{ Field string }

func (e *ErrObsoleteField) Error() string {
	return fmt.Sprintf("expansion: obsolete field %q — did you mean \"fault_lifespan\"?", e.Field)
}

// Range is the parsed form of one range descriptor.
type Range struct {
	values   []uint64
	wildcard *fault.Wildcard
	dict     map[string]interface{}
	isDict   bool
}

// Values returns the enumerated numeric values of a non-wildcard,
// non-dict range.
func (r Range) Values() []uint64 { return r.values }

// IsWildcard reports whether this range parsed as a wildcard descriptor.
func (r Range) IsWildcard() bool { return r.wildcard != nil }

// Wildcard returns the parsed wildcard descriptor.
func (r Range) Wildcard() fault.Wildcard { return *r.wildcard }

// IsDict reports whether this range is an opaque dict value (used for
// byte-sequence masks rather than numeric bit patterns).
func (r Range) IsDict() bool { return r.isDict }

// Dict returns the opaque dict payload of a dict-typed range.
func (r Range) Dict() map[string]interface{} { return r.dict }

// ParseRange interprets one field's range descriptor. field names the
// originating config key, used only in error messages. wildcard must be
// true only for the address field of a device whose fault_address is "*"
// or contains "*".
func ParseRange(field string, raw interface{}, wildcard bool) (Range, error) {
	if wildcard {
		w, err := parseWildcard(field, raw)
		if err != nil {
			return Range{}, err
		}
		return Range{wildcard: &w}, nil
	}

	switch v := raw.(type) {
	case int:
		return Range{values: []uint64{uint64(v)}}, nil
	case int64:
		return Range{values: []uint64{uint64(v)}}, nil
	case uint64:
		return Range{values: []uint64{v}}, nil
	case float64:
		return Range{values: []uint64{uint64(v)}}, nil
	case map[string]interface{}:
		return parseObjectRange(field, v)
	case []interface{}:
		return parseListRange(field, v)
	default:
		return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: raw}
	}
}

func parseObjectRange(field string, v map[string]interface{}) (Range, error) {
	typ, _ := v["type"].(string)
	switch typ {
	case "shift":
		rawRange, ok := v["range"].([]interface{})
		if !ok || len(rawRange) != 3 {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		base, err := toUint64(rawRange[0])
		if err != nil {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		lo, err := toInt(rawRange[1])
		if err != nil {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		hi, err := toInt(rawRange[2])
		if err != nil {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		var values []uint64
		for s := lo; s < hi; s++ {
			values = append(values, base<<uint(s))
		}
		return Range{values: values}, nil
	case "dict":
		d, _ := v["dict"].(map[string]interface{})
		return Range{isDict: true, dict: d}, nil
	default:
		return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
	}
}

func parseListRange(field string, v []interface{}) (Range, error) {
	switch len(v) {
	case 1:
		n, err := toUint64(v[0])
		if err != nil {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		return Range{values: []uint64{n}}, nil
	case 2:
		a, err1 := toUint64(v[0])
		b, err2 := toUint64(v[1])
		if err1 != nil || err2 != nil || b < a {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		var values []uint64
		for n := a; n < b; n++ {
			values = append(values, n)
		}
		return Range{values: values}, nil
	case 3:
		a, err1 := toUint64(v[0])
		b, err2 := toUint64(v[1])
		s, err3 := toUint64(v[2])
		if err1 != nil || err2 != nil || err3 != nil || s == 0 {
			return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
		}
		var values []uint64
		for n := a; n < b; n += s {
			values = append(values, n)
		}
		return Range{values: values}, nil
	default:
		return Range{}, &ErrInvalidRangeSpec{Field: field, Raw: v}
	}
}

func parseWildcard(field string, raw interface{}) (fault.Wildcard, error) {
	w := fault.Wildcard{
		Start: fault.WildcardBound{Address: 0, Hitcounter: 0},
		End:   fault.WildcardBound{Address: 0, Hitcounter: 0},
	}

	if s, ok := raw.(string); ok && s == "*" {
		return w, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return fault.Wildcard{}, &ErrInvalidRangeSpec{Field: field, Raw: raw}
	}
	if len(list) == 1 {
		if s, ok := list[0].(string); ok && s == "*" {
			return w, nil
		}
	}
	if len(list) > 3 {
		return fault.Wildcard{}, &ErrInvalidRangeSpec{Field: field, Raw: raw}
	}

	side := "start"
	for _, entry := range list {
		if s, ok := entry.(string); ok && s == "*" {
			side = "end"
			w.HasEnd = true
			continue
		}
		addr, hit, err := parseWildcardEntry(entry)
		if err != nil {
			return fault.Wildcard{}, &ErrInvalidRangeSpec{Field: field, Raw: raw}
		}
		if side == "start" {
			w.Start = fault.WildcardBound{Address: addr, Hitcounter: hit}
		} else {
			w.End = fault.WildcardBound{Address: addr, Hitcounter: hit}
		}
	}

	if w.HasEnd && w.Start.Hitcounter == 0 && w.End.Hitcounter == 0 {
		w.Local = true
	}
	return w, nil
}

func parseWildcardEntry(entry interface{}) (addr, hit uint64, err error) {
	switch v := entry.(type) {
	case int:
		return uint64(v), 1, nil
	case int64:
		return uint64(v), 1, nil
	case float64:
		return uint64(v), 1, nil
	case string:
		parts := strings.SplitN(v, "/", 2)
		a, err := strconv.ParseUint(parts[0], 0, 64)
		if err != nil {
			return 0, 0, err
		}
		if len(parts) == 1 {
			return a, 1, nil
		}
		h, err := strconv.ParseUint(parts[1], 0, 64)
		if err != nil {
			return 0, 0, err
		}
		return a, h, nil
	default:
		return 0, 0, fmt.Errorf("unrecognized wildcard entry %v", entry)
	}
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	case uint64:
		return n, nil
	case string:
		return strconv.ParseUint(n, 0, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func toInt(v interface{}) (int, error) {
	n, err := toUint64(v)
	return int(n), err
}

// Device is the parsed form of one fault device entry: the set of ranges
// to cross for a single fault's fields.
type Device struct {
	Address       Range
	Lifespan      Range
	Mask          Range
	TriggerAddr   Range
	TriggerCount  Range
	NumBytes      Range
	Exclude       []fault.AddressRange
	Kind          fault.Kind
	Model         fault.Model
	IsWildcard    bool
}

// Expand produces every Fault implied by crossing a.Address... fields'
// ranges (the Cartesian product), dropping any concrete address that
// falls within an exclusion range. A fault address of -1 ("use the
// trigger address") is replaced by each trigger address it is crossed
// with, so it never reaches the output; wildcard handling is left to
// the caller via IsWildcard (actual wildcard-to-concrete expansion needs
// golden-run data and lives in pkg/goldenrun).
func (d Device) Expand() ([]fault.Fault, error) {
	if d.Address.IsWildcard() {
		w := d.Address.Wildcard()
		return []fault.Fault{{
			Address:  fault.WildcardAddress(w),
			Kind:     d.Kind,
			Model:    d.Model,
			Lifespan: 0,
			Mask:     fault.NewBitMask(0, 0),
			Trigger:  fault.RelativeTrigger(0, 0),
		}}, nil
	}

	var out []fault.Fault
	for _, faddr := range d.Address.Values() {
		if excluded(faddr, d.Exclude) {
			continue
		}
		for _, lifespan := range orZero(d.Lifespan) {
			for _, mask := range orZero(d.Mask) {
				for _, taddr := range orZero(d.TriggerAddr) {
					for _, tcount := range orZero(d.TriggerCount) {
						for _, numBytes := range orZero(d.NumBytes) {
							addr := faddr
							// Legacy sentinel: fault address -1 means "use the
							// trigger address", resolved once here — it never
							// survives as an in-band value afterward.
							if int64(addr) == -1 {
								addr = taddr
							}
							out = append(out, fault.Fault{
								Address:  fault.ConcreteAddress(addr),
								Kind:     d.Kind,
								Model:    d.Model,
								Lifespan: lifespan,
								Mask:     fault.NewBitMask(0, mask),
								NumBytes: uint8(numBytes),
								Trigger:  triggerOf(taddr, tcount),
							})
						}
					}
				}
			}
		}
	}
	return out, nil
}

func triggerOf(taddr, tcount uint64) fault.Trigger {
	if int64(taddr) < 0 {
		return fault.RelativeTrigger(int64(taddr), tcount)
	}
	return fault.AbsoluteTrigger(taddr, tcount)
}

func orZero(r Range) []uint64 {
	if len(r.values) == 0 {
		return []uint64{0}
	}
	return r.values
}

func excluded(addr uint64, ranges []fault.AddressRange) bool {
	for _, r := range ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// CrossDevices builds the cross product of multiple devices firing
// together in one combination: one FaultCombination per tuple of
// per-device expansions.
func CrossDevices(devices []Device) ([]fault.FaultCombination, error) {
	perDevice := make([][]fault.Fault, len(devices))
	for i, d := range devices {
		faults, err := d.Expand()
		if err != nil {
			return nil, err
		}
		perDevice[i] = faults
	}
	var combos [][]fault.Fault
	cross(perDevice, 0, nil, &combos)

	out := make([]fault.FaultCombination, len(combos))
	for i, c := range combos {
		out[i] = fault.FaultCombination{Index: i, Faults: c}
	}
	return out, nil
}

func cross(perDevice [][]fault.Fault, i int, acc []fault.Fault, out *[][]fault.Fault) {
	if i == len(perDevice) {
		cp := make([]fault.Fault, len(acc))
		copy(cp, acc)
		*out = append(*out, cp)
		return
	}
	for _, f := range perDevice[i] {
		cross(perDevice, i+1, append(acc, f), out)
	}
}
