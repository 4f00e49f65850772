package value

import (
	"fmt"
	"strings"

	"github.com/mna/corevm/lang/gc"
)

// TupleObj is the heap representation of the tuple variant: an immutable
// sequence, interned by content (spec.md §3.1 and the struct-intern
// scenario in §8.2.6 apply equally to tuples).
type TupleObj struct {
	gc.Block
	elems []Value
}

func (o *TupleObj) GCBlock() *gc.Block { return &o.Block }

func (o *TupleObj) Mark(h *gc.Heap) {
	for _, e := range o.elems {
		markChild(h, e)
	}
}

func (o *TupleObj) Finalize(h *gc.Heap) { h.Unintern(o) }

func (o *TupleObj) ContentHash() uint64 {
	hv := uint64(1469598103934665603)
	for _, e := range o.elems {
		hv ^= valueHash(e)
		hv *= 1099511628211
	}
	return hv
}

func (o *TupleObj) StructuralEqual(other gc.Interned) bool {
	to, ok := other.(*TupleObj)
	if !ok || len(to.elems) != len(o.elems) {
		return false
	}
	for i, e := range o.elems {
		if !Equal(e, to.elems[i]) {
			return false
		}
	}
	return true
}

func (o *TupleObj) string() string {
	parts := make([]string, len(o.elems))
	for i, e := range o.elems {
		parts[i] = e.String()
	}
	return fmt.Sprintf("(%s)", strings.Join(parts, " "))
}

// emptyTupleElems lets NewTuple(h, nil) avoid allocating a new backing
// array every time.
var emptyTupleElems = []Value{}

// NewTuple allocates (or returns the already-interned) tuple containing a
// copy of elems. Callers may reuse elems after the call.
func NewTuple(h *gc.Heap, elems []Value) Value {
	var backing []Value
	if len(elems) == 0 {
		backing = emptyTupleElems
	} else {
		backing = append([]Value(nil), elems...)
	}
	o := &TupleObj{elems: backing}
	h.Alloc(o, gc.TagTuple, len(backing)*int(valueSize))
	canon := h.Intern(o).(*TupleObj)
	return fromObj(Tuple, canon)
}

// TupleLen returns the number of elements in a Tuple value.
func TupleLen(v Value) int { return len(v.obj.(*TupleObj).elems) }

// TupleIndex returns the element at i. Behavior is undefined if i is out
// of range or v.Tag() != Tuple.
func TupleIndex(v Value, i int) Value { return v.obj.(*TupleObj).elems[i] }

// TupleElems returns the tuple's backing slice. Callers must not mutate it
// (tuples are immutable by contract even though Go cannot enforce this at
// the type level).
func TupleElems(v Value) []Value { return v.obj.(*TupleObj).elems }

const valueSize = 32 // approximate size of a Value for GC accounting
