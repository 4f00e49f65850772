package value

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mna/corevm/lang/gc"
)

// structField is one name/value pair of a struct literal. Fields are kept
// sorted by name so two structs built from the same fields in a different
// order hash and compare equal, and so ContentHash is order-independent
// without needing a commutative combiner.
type structField struct {
	name string
	val  Value
}

// StructObj is the heap representation of the struct variant: an
// immutable record, interned by content like Tuple (spec.md §8.2.6's
// struct-intern-equality scenario governs this type).
type StructObj struct {
	gc.Block
	fields []structField
}

func (o *StructObj) GCBlock() *gc.Block { return &o.Block }

func (o *StructObj) Mark(h *gc.Heap) {
	for _, f := range o.fields {
		markChild(h, f.val)
	}
}

func (o *StructObj) Finalize(h *gc.Heap) { h.Unintern(o) }

func (o *StructObj) ContentHash() uint64 {
	hv := uint64(1469598103934665603)
	for _, f := range o.fields {
		hv ^= fnv1a(f.name)
		hv *= 1099511628211
		hv ^= valueHash(f.val)
		hv *= 1099511628211
	}
	return hv
}

func (o *StructObj) StructuralEqual(other gc.Interned) bool {
	so, ok := other.(*StructObj)
	if !ok || len(so.fields) != len(o.fields) {
		return false
	}
	for i, f := range o.fields {
		if f.name != so.fields[i].name || !Equal(f.val, so.fields[i].val) {
			return false
		}
	}
	return true
}

func (o *StructObj) string() string {
	parts := make([]string, len(o.fields))
	for i, f := range o.fields {
		parts[i] = fmt.Sprintf("%s: %s", f.name, f.val.String())
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

// NewStruct allocates (or returns the already-interned) struct with the
// given field names mapped to their values. The fields map is copied and
// does not alias the caller's storage.
func NewStruct(h *gc.Heap, fields map[string]Value) Value {
	list := make([]structField, 0, len(fields))
	for name, val := range fields {
		list = append(list, structField{name: name, val: val})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	o := &StructObj{fields: list}
	h.Alloc(o, gc.TagStruct, len(list)*int(valueSize))
	canon := h.Intern(o).(*StructObj)
	return fromObj(Struct, canon)
}

// StructGet looks up a field by name, reporting whether it is present.
func StructGet(v Value, name string) (Value, bool) {
	fields := v.obj.(*StructObj).fields
	i := sort.Search(len(fields), func(i int) bool { return fields[i].name >= name })
	if i < len(fields) && fields[i].name == name {
		return fields[i].val, true
	}
	return Value{}, false
}

// StructLen returns the number of fields in the struct.
func StructLen(v Value) int { return len(v.obj.(*StructObj).fields) }

// StructFieldNames returns the struct's field names in sorted order.
func StructFieldNames(v Value) []string {
	fields := v.obj.(*StructObj).fields
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}
