package value

import (
	"github.com/dolthub/swiss"

	"github.com/mna/corevm/lang/gc"
)

// TableObj is the heap representation of the table variant: a mutable
// hash map, compared and hashed by identity. Keyed directly on Value since
// interning already gives Value's == the structural semantics the
// language requires (spec.md §3.1), the same shortcut the teacher's own
// lang/machine/map.go takes with its swiss.Map[Value, Value].
type TableObj struct {
	gc.Block
	m *swiss.Map[Value, Value]
}

func (o *TableObj) GCBlock() *gc.Block { return &o.Block }

func (o *TableObj) Mark(h *gc.Heap) {
	o.m.Iter(func(k, v Value) bool {
		markChild(h, k)
		markChild(h, v)
		return false
	})
}

func (o *TableObj) Finalize(h *gc.Heap) { o.m = nil }

// NewTable allocates an empty mutable table with initial capacity for at
// least size entries.
func NewTable(h *gc.Heap, size int) Value {
	o := &TableObj{m: swiss.NewMap[Value, Value](uint32(size))}
	h.Alloc(o, gc.TagTable, size*int(valueSize)*2)
	return fromObj(Table, o)
}

// TableGet looks up key, reporting whether it was present.
func TableGet(v Value, key Value) (Value, bool) {
	return v.obj.(*TableObj).m.Get(key)
}

// TablePut sets key to val, inserting or overwriting.
func TablePut(v Value, key, val Value) {
	v.obj.(*TableObj).m.Put(key, val)
}

// TableDelete removes key, reporting whether it was present.
func TableDelete(v Value, key Value) bool {
	return v.obj.(*TableObj).m.Delete(key)
}

// TableLen returns the number of entries in the table.
func TableLen(v Value) int { return v.obj.(*TableObj).m.Count() }

// TableIterate calls fn for every entry; iteration stops early if fn
// returns false.
func TableIterate(v Value, fn func(k, val Value) bool) {
	// swiss.Map.Iter stops when its callback returns true.
	v.obj.(*TableObj).m.Iter(func(k, val Value) bool { return !fn(k, val) })
}
