package value

import (
	"fmt"
	"math"

	"github.com/mna/corevm/lang/gc"
)

// Equal implements the language's structural equality: inline variants
// compare by value, interned heap variants compare by canonical pointer
// identity (interning already guarantees equal content shares one
// pointer), and non-interned heap variants (Array, Table, Function, Fiber,
// CFunction, Userdata) compare by identity only. Because of interning,
// Go's own == on Value already satisfies this, but Equal exists so callers
// don't need to know that invariant.
func Equal(a, b Value) bool {
	if a.tag != b.tag {
		return false
	}
	switch a.tag {
	case Nil:
		return true
	case Bool, Int:
		return a.num == b.num
	case Real:
		return a.AsReal() == b.AsReal()
	default:
		return a.obj == b.obj
	}
}

// valueHash returns a hash of v consistent with Equal: equal values always
// hash equal. Used by interned collection types (Tuple, Struct) to combine
// per-element hashes, and by Table/Struct when backed by a generic map
// keyed on Value.
func valueHash(v Value) uint64 {
	switch v.tag {
	case Nil:
		return 0x9e3779b97f4a7c15
	case Bool, Int:
		return v.num*0x100000001b3 + uint64(v.tag)
	case Real:
		f := v.AsReal()
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			// an integer-valued real hashes the same as the equal integer
			// would, matching the arithmetic promotion rules in spec.md §8.1.
			return uint64(uint32(int32(f)))*0x100000001b3 + uint64(Int)
		}
		return v.num*0x100000001b3 + uint64(Real)
	case String, Symbol, Keyword:
		return v.obj.(gc.Interned).ContentHash()
	case Tuple:
		return v.obj.(*TupleObj).ContentHash()
	case Struct:
		return v.obj.(*StructObj).ContentHash()
	default:
		// identity-compared variants: hash the pointer itself.
		return fnvPointer(v.obj)
	}
}

func fnvPointer(o interface{}) uint64 {
	s := fmt.Sprintf("%p", o)
	h := uint64(1469598103934665603)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// markChild marks v's heap object (if any) as reachable from the given
// heap, recursing into it. Inline variants are no-ops.
func markChild(h *gc.Heap, v Value) {
	switch v.tag {
	case Nil, Bool, Int, Real, CFunction:
		return
	default:
		if o, ok := v.obj.(gc.Object); ok {
			h.MarkObject(o)
		}
	}
}

// Compare implements the ordering used by LESS_THAN/GREATER_THAN/COMPARE:
// -1, 0 or 1. Only Int, Real, String are ordered; mixing Int and Real
// promotes the Int operand to Real first (spec.md §8.1's arithmetic
// promotion property applies to ordering too). Comparing any other
// combination of tags is a runtime error, reported by the caller.
func Compare(a, b Value) (int, bool) {
	switch {
	case a.tag == Int && b.tag == Int:
		x, y := a.AsInt(), b.AsInt()
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case (a.tag == Int || a.tag == Real) && (b.tag == Int || b.tag == Real):
		x, y := realOf(a), realOf(b)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case a.tag == String && b.tag == String:
		x, y := StringData(a), StringData(b)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func realOf(v Value) float64 {
	if v.tag == Int {
		return float64(v.AsInt())
	}
	return v.AsReal()
}
