package value

import "github.com/mna/corevm/lang/gc"

// StringObj is the heap representation of the string variant: immutable
// bytes, interned by content.
type StringObj struct {
	gc.Block
	s string
}

func (o *StringObj) GCBlock() *gc.Block   { return &o.Block }
func (o *StringObj) Mark(h *gc.Heap)      {}
func (o *StringObj) Finalize(h *gc.Heap)  { h.Unintern(o) }
func (o *StringObj) ContentHash() uint64  { return fnv1a(o.s) }
func (o *StringObj) StructuralEqual(other gc.Interned) bool {
	so, ok := other.(*StringObj)
	return ok && so.s == o.s
}

// NewString allocates (or returns the already-interned) string value for
// s. Strings are always interned: two calls with equal content return the
// same heap identity.
func NewString(h *gc.Heap, s string) Value {
	o := &StringObj{s: s}
	h.Alloc(o, gc.TagString, len(s))
	canon := h.Intern(o).(*StringObj)
	return fromObj(String, canon)
}

// StringData returns the raw bytes backing a String value. Behavior is
// undefined if v.Tag() != String.
func StringData(v Value) string { return v.obj.(*StringObj).s }

func fnv1a(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
