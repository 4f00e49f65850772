package value

import (
	"fmt"
	"strings"

	"github.com/mna/corevm/lang/gc"
)

// ArrayObj is the heap representation of the array variant: a mutable,
// growable sequence, compared and hashed by identity (never interned).
type ArrayObj struct {
	gc.Block
	elems []Value
}

func (o *ArrayObj) GCBlock() *gc.Block { return &o.Block }

func (o *ArrayObj) Mark(h *gc.Heap) {
	for _, e := range o.elems {
		markChild(h, e)
	}
}

func (o *ArrayObj) Finalize(h *gc.Heap) { o.elems = nil }

func (o *ArrayObj) string() string {
	parts := make([]string, len(o.elems))
	for i, e := range o.elems {
		parts[i] = e.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, " "))
}

// NewArray allocates a mutable array initialized with a copy of init.
func NewArray(h *gc.Heap, init []Value) Value {
	o := &ArrayObj{elems: append([]Value(nil), init...)}
	h.Alloc(o, gc.TagArray, len(init)*int(valueSize))
	return fromObj(Array, o)
}

// ArrayLen returns the number of elements in an Array value.
func ArrayLen(v Value) int { return len(v.obj.(*ArrayObj).elems) }

// ArrayGet returns the element at i. Behavior is undefined if i is out of
// range or v.Tag() != Array.
func ArrayGet(v Value, i int) Value { return v.obj.(*ArrayObj).elems[i] }

// ArraySet overwrites the element at i. Behavior is undefined if i is out
// of range or v.Tag() != Array.
func ArraySet(v Value, i int, e Value) { v.obj.(*ArrayObj).elems[i] = e }

// ArrayPush appends e to the array, growing its backing storage.
func ArrayPush(v Value, e Value) {
	o := v.obj.(*ArrayObj)
	o.elems = append(o.elems, e)
}

// ArrayPop removes and returns the last element. Behavior is undefined if
// the array is empty.
func ArrayPop(v Value) Value {
	o := v.obj.(*ArrayObj)
	n := len(o.elems) - 1
	e := o.elems[n]
	o.elems[n] = Value{}
	o.elems = o.elems[:n]
	return e
}

// ArrayElems returns the array's live backing slice. Mutations through the
// returned slice are visible to the language.
func ArrayElems(v Value) []Value { return v.obj.(*ArrayObj).elems }
