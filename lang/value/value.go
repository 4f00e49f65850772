// Package value implements the tagged value model described in spec.md §3:
// a 12-variant sum type, immutable variants interned by content, mutable
// variants living on the gc.Heap. It also owns the static FuncDef/FuncEnv/
// Function record types (§3.2-§3.4) and the Fiber field layout (§3.5),
// since those are mutually recursive with Value (a FuncDef's constants are
// Values, a Fiber's stack is a []Value) and keeping them in one package is
// what avoids an import cycle with the compiler/vm packages now that Value
// is a concrete struct rather than the teacher's Value interface -- see
// DESIGN.md.
package value

import (
	"fmt"
	"math"
)

// Tag identifies which of the 12 variants a Value holds.
type Tag uint8

//nolint:revive
const (
	Nil Tag = iota
	Bool
	Int
	Real
	String
	Symbol
	Keyword
	Buffer
	Tuple
	Array
	Struct
	Table
	Function
	Fiber
	CFunction
	Userdata
)

var tagNames = [...]string{
	Nil: "nil", Bool: "boolean", Int: "integer", Real: "real",
	String: "string", Symbol: "symbol", Keyword: "keyword", Buffer: "buffer",
	Tuple: "tuple", Array: "array", Struct: "struct", Table: "table",
	Function: "function", Fiber: "fiber", CFunction: "cfunction", Userdata: "userdata",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) && tagNames[t] != "" {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", t)
}

// TypeBit returns the bit of a TYPECHECK typeset bitmask corresponding to
// t. The bitmask is 16 bits wide (spec.md §4.3's TYPECHECK opcode): one bit
// per Tag constant, Nil through Userdata, so every bit is in use.
func (t Tag) TypeBit() uint16 { return 1 << uint16(t) }

// Value is the tagged union described in spec.md §3.1. Inline variants
// (nil, bool, integer, real, cfunction) carry their payload directly;
// heap variants store a pointer to a gc.Object-implementing struct defined
// elsewhere in this package.
type Value struct {
	tag Tag
	num uint64      // integer, bool (0/1) or the bits of a float64, per tag
	obj interface{} // heap object pointer, or a *CFunctionObj
}

// NilValue is the sole value of the nil variant.
var NilValue = Value{tag: Nil}

// BoolValue returns the boolean value b.
func BoolValue(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{tag: Bool, num: n}
}

// IntValue returns an integer value. Per spec.md §3.1 integers are 32-bit;
// the stored payload is the zero-extended uint32 bit pattern, and AsInt
// reads it back as int32; VM opcodes treat it as a 32-bit quantity
// (wrapping on overflow, see Tag Int arithmetic in lang/vm).
func IntValue(i int32) Value {
	return Value{tag: Int, num: uint64(uint32(i))}
}

// RealValue returns a 64-bit IEEE-754 real value.
func RealValue(f float64) Value {
	return Value{tag: Real, num: math.Float64bits(f)}
}

// Tag returns v's variant.
func (v Value) Tag() Tag { return v.tag }

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.tag == Nil }

// AsBool returns the payload of a Bool value. Behavior is undefined if
// v.Tag() != Bool.
func (v Value) AsBool() bool { return v.num != 0 }

// AsInt returns the payload of an Int value as a signed 32-bit integer.
// Behavior is undefined if v.Tag() != Int.
func (v Value) AsInt() int32 { return int32(uint32(v.num)) }

// AsReal returns the payload of a Real value. Behavior is undefined if
// v.Tag() != Real.
func (v Value) AsReal() float64 { return math.Float64frombits(v.num) }

// Obj returns the heap object or cfunction payload backing v. Behavior is
// undefined for inline tags (Nil, Bool, Int, Real).
func (v Value) Obj() interface{} { return v.obj }

// fromObj builds a Value of the given tag wrapping a heap object pointer.
func fromObj(tag Tag, o interface{}) Value { return Value{tag: tag, obj: o} }

// Truth implements spec.md's truthiness: nil and false are falsy, every
// other value (including 0, 0.0 and empty collections) is truthy.
func (v Value) Truth() bool {
	switch v.tag {
	case Nil:
		return false
	case Bool:
		return v.AsBool()
	default:
		return true
	}
}

// Type returns the lowercase name of v's variant, as surfaced to hosts and
// the typeof-style debugging output.
func (v Value) Type() string { return v.tag.String() }

// String renders v for debugging/printing. It is not the language's own
// "print" routine (that is a host/domain concern), just enough to make VM
// traces and test failures legible.
func (v Value) String() string {
	switch v.tag {
	case Nil:
		return "nil"
	case Bool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case Int:
		return fmt.Sprintf("%d", v.AsInt())
	case Real:
		return fmt.Sprintf("%g", v.AsReal())
	case String:
		return fmt.Sprintf("%q", v.obj.(*StringObj).s)
	case Symbol:
		return v.obj.(*SymbolObj).s
	case Keyword:
		return ":" + v.obj.(*SymbolObj).s
	case Buffer:
		return fmt.Sprintf("@%q", string(v.obj.(*BufferObj).data))
	case Tuple:
		return v.obj.(*TupleObj).string()
	case Array:
		return v.obj.(*ArrayObj).string()
	case Struct:
		return v.obj.(*StructObj).string()
	case Table:
		return fmt.Sprintf("table(%p)", v.obj)
	case Function:
		return v.obj.(*FunctionObj).string()
	case Fiber:
		return v.obj.(*FiberObj).string()
	case CFunction:
		return fmt.Sprintf("cfunction(%p)", v.obj)
	case Userdata:
		return fmt.Sprintf("userdata(%p)", v.obj)
	default:
		return "<invalid value>"
	}
}
