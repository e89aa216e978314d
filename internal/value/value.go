// Package value implements the NaN-boxed tagged union that every loxvm
// runtime value is represented as.
//
// A Value is always exactly one 64-bit word. Numbers are stored as their
// native IEEE-754 bit pattern; every other kind of value is smuggled into
// the (unused, from the VM's point of view) bit patterns of a quiet NaN:
// a double has 2^64 possible bit patterns but only a small, contiguous
// range of them are ever produced by the four arithmetic operators this
// language exposes, so the rest are free to repurpose as tagged payloads.
//
// Layout:
//
//	number:    any bit pattern where (bits & qnan) != qnan
//	nil/bool:  qnan | {tagNil, tagFalse, tagTrue}
//	string:    qnan | stringBit | handle(32 bits)
//	object:    signBit | qnan | kind(16 bits) | index(32 bits)
//	stack ref: signBit | qnan | kindStackRef(16 bits) | slot(32 bits)
//
// Stack references are an internal object kind: they never escape to
// language-level code, they only appear inside an open Upvalue slot to
// record which operand-stack index it currently aliases.
package value

import "math"

// Value is a single NaN-boxed runtime word.
type Value uint64

// Kind identifies which pool an Object-tagged Value indexes into.
type Kind uint16

const (
	KindBoundMethod Kind = iota
	KindInstance
	KindClass
	KindClosure
	KindUpvalue
	KindFunction
	KindNative
	// kindStackRef never appears in a Value returned to language code; it is
	// the sentinel an open Upvalue uses to record its stack slot.
	kindStackRef
)

func (k Kind) String() string {
	switch k {
	case KindBoundMethod:
		return "bound method"
	case KindInstance:
		return "instance"
	case KindClass:
		return "class"
	case KindClosure:
		return "closure"
	case KindUpvalue:
		return "upvalue"
	case KindFunction:
		return "function"
	case KindNative:
		return "native function"
	case kindStackRef:
		return "stack reference"
	default:
		return "unknown"
	}
}

const (
	signBit = uint64(1) << 63
	qnan    = uint64(0x7FFC000000000000)

	tagNil   = uint64(1)
	tagFalse = uint64(2)
	tagTrue  = uint64(3)

	// stringBit distinguishes an interned-string Value from the nil/false/true
	// singletons, all of which otherwise differ only in their low 2 bits.
	stringBit = uint64(1) << 40
)

var (
	Nil   = Value(qnan | tagNil)
	False = Value(qnan | tagFalse)
	True  = Value(qnan | tagTrue)
)

// Number constructs a Value wrapping an IEEE-754 double. Every double bit
// pattern round-trips through Number/AsNumber, including signed zero,
// infinities and subnormals; the only bit patterns that are NOT numbers
// under this encoding are quiet NaNs whose bits happen to collide with our
// tag space, which the language can produce only via 0.0/0.0 — and Go's
// math.NaN() bit pattern does not collide with qnan (it is missing the bit
// this package sets to mark a boxed value), so it always round-trips as a
// number too.
func Number(n float64) Value {
	return Value(math.Float64bits(n))
}

// Bool constructs a Value from a Go bool.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// String constructs a Value referencing an interned string by handle.
func String(handle uint32) Value {
	return Value(qnan | stringBit | uint64(handle))
}

// Object constructs a Value referencing index within the pool for kind.
func Object(kind Kind, index uint32) Value {
	return Value(signBit | qnan | (uint64(kind) << 32) | uint64(index))
}

// StackRef constructs the internal sentinel an open upvalue uses to record
// the operand-stack slot it currently aliases. Not a user-visible Value:
// only the heap package's upvalue storage ever holds one.
func StackRef(slot uint32) Value {
	return Value(signBit | qnan | (uint64(kindStackRef) << 32) | uint64(slot))
}

func (v Value) bits() uint64 { return uint64(v) }

// IsNumber reports whether v holds an IEEE-754 double.
func (v Value) IsNumber() bool { return v.bits()&qnan != qnan }

// IsNil reports whether v is the nil singleton.
func (v Value) IsNil() bool { return v == Nil }

// IsBool reports whether v is the true or false singleton.
func (v Value) IsBool() bool { return v == True || v == False }

// IsString reports whether v holds an interned-string handle.
func (v Value) IsString() bool {
	b := v.bits()
	return b&signBit == 0 && b&qnan == qnan && b&stringBit != 0
}

// IsObject reports whether v holds an object handle (of any kind).
func (v Value) IsObject() bool {
	b := v.bits()
	return b&signBit != 0 && b&qnan == qnan && v.objectKind() != kindStackRef
}

// IsStackRef reports whether v is an open-upvalue stack-slot sentinel.
func (v Value) IsStackRef() bool {
	b := v.bits()
	return b&signBit != 0 && b&qnan == qnan && v.objectKind() == kindStackRef
}

func (v Value) objectKind() Kind { return Kind((v.bits() >> 32) & 0xFFFF) }

// IsObjectKind reports whether v is an object handle of exactly kind.
func (v Value) IsObjectKind(kind Kind) bool {
	return v.IsObject() && v.objectKind() == kind
}

// AsNumber extracts the double wrapped by v. Callers must check IsNumber
// first; AsNumber does not itself validate the tag.
func (v Value) AsNumber() float64 { return math.Float64frombits(v.bits()) }

// AsBool extracts the boolean wrapped by v.
func (v Value) AsBool() bool { return v == True }

// AsStringHandle extracts the string-pool handle wrapped by v.
func (v Value) AsStringHandle() uint32 { return uint32(v.bits()) }

// AsObjectIndex extracts the pool index wrapped by an object-tagged v.
func (v Value) AsObjectIndex() uint32 { return uint32(v.bits()) }

// StackSlot extracts the operand-stack slot recorded by an open upvalue
// sentinel. Only meaningful when IsStackRef is true.
func (v Value) StackSlot() uint32 { return uint32(v.bits()) }

// IsFalsey implements the language's truthiness rule: nil and false are
// falsey, every other value (including 0 and the empty string) is truthy.
func (v Value) IsFalsey() bool { return v == Nil || v == False }

// Equal implements value equality: numbers compare by raw IEEE bit pattern
// (so two NaNs with identical bits are "equal" but NaN never arises from a
// comparison a script can write other than via a literal it already has
// the bits for), strings and objects compare by handle/index equality
// because strings are interned and objects are never duplicated across
// pools.
func (v Value) Equal(other Value) bool { return v == other }

// Kind reports which tagged case v falls into, primarily for diagnostics.
func (v Value) Kind() string {
	switch {
	case v.IsNumber():
		return "number"
	case v.IsNil():
		return "nil"
	case v.IsBool():
		return "boolean"
	case v.IsString():
		return "string"
	case v.IsObject():
		return v.objectKind().String()
	default:
		return "unknown"
	}
}
