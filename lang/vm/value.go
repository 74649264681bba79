package vm

import "math"

// Value is a NaN-boxed 64-bit tagged value: an IEEE-754 double whose
// quiet-NaN payload space is repurposed to encode nil, booleans, and heap
// handles, so that every Value fits in one machine word with no boxing
// allocation for floats.
type Value uint64

const (
	qnan uint64 = 0x7ffc000000000000
	sign uint64 = 1 << 63

	tagNil   uint64 = 0x01
	tagTrue  uint64 = 0x02
	tagFalse uint64 = 0x03
)

// Nil is the nil value.
var Nil = Value(qnan | tagNil)

// True and False are the two boolean values.
var (
	True  = Value(qnan | tagTrue)
	False = Value(qnan | tagFalse)
)

// Float returns the Value wrapping f. NaN payloads are stored as-is rather
// than canonicalized: ordinary IEEE-754 arithmetic NaNs (division by zero,
// a fractional power of a negative base, ...) set only the top mantissa bit
// (0x7ff8...), which falls outside qnan's narrower bit50+bit51 tag space, so
// no float NaN can alias a boxed nil/bool/handle.
func Float(f float64) Value {
	return Value(math.Float64bits(f))
}

// Bool returns True or False.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func handleValue(h Handle) Value {
	return Value(qnan | sign | h.pack())
}

// IsFloat reports whether v holds a float64.
func (v Value) IsFloat() bool { return uint64(v)&qnan != qnan }

// IsNil reports whether v is Nil.
func (v Value) IsNil() bool { return v == Nil }

// IsBool reports whether v is True or False.
func (v Value) IsBool() bool { return v == True || v == False }

// IsHandle reports whether v holds a heap handle.
func (v Value) IsHandle() bool {
	u := uint64(v)
	return u&(qnan|sign) == (qnan | sign)
}

// AsFloat returns v's float64 payload. The caller must check IsFloat.
func (v Value) AsFloat() float64 { return math.Float64frombits(uint64(v)) }

// AsBool returns v's boolean payload. The caller must check IsBool.
func (v Value) AsBool() bool { return v == True }

// AsHandle returns v's heap handle. The caller must check IsHandle.
func (v Value) AsHandle() Handle {
	return unpackHandle(uint64(v) &^ (qnan | sign))
}

// Truthy implements the language's truthiness rule: nil and false are
// falsy, everything else (including 0.0 and the empty string) is truthy.
func (v Value) Truthy() bool {
	return v != Nil && v != False
}

// Equal reports whether v and other compare equal: bitwise equality of the
// raw 64-bit representation. This is adequate because every string value
// is interned exactly once per unique content (see VM.internString), so
// two equal-content strings already share one Handle; other heap objects
// compare by identity.
func Equal(heap *Heap, v, other Value) bool {
	return v == other
}
