package value

import "github.com/mna/corevm/lang/gc"

// SymbolObj is the heap representation shared by both the symbol and
// keyword variants: immutable bytes, interned by content. Keywords are a
// symbol subtype whose name starts with ':' (spec.md §3.1); the
// distinction is carried entirely in the owning Value's Tag, not in
// SymbolObj itself, so a keyword and a same-spelled plain symbol never
// collide in the intern cache (the cache key mixes in the tag).
type SymbolObj struct {
	gc.Block
	s    string
	kind Tag // Symbol or Keyword
}

func (o *SymbolObj) GCBlock() *gc.Block  { return &o.Block }
func (o *SymbolObj) Mark(h *gc.Heap)     {}
func (o *SymbolObj) Finalize(h *gc.Heap) { h.Unintern(o) }
func (o *SymbolObj) ContentHash() uint64 { return fnv1a(o.s) ^ (uint64(o.kind) * 0x9e3779b97f4a7c15) }
func (o *SymbolObj) StructuralEqual(other gc.Interned) bool {
	so, ok := other.(*SymbolObj)
	return ok && so.s == o.s && so.kind == o.kind
}

// NewSymbol allocates or returns the interned symbol named name.
func NewSymbol(h *gc.Heap, name string) Value {
	return internSymbol(h, name, Symbol)
}

// NewKeyword allocates or returns the interned keyword named name, given
// without the leading ':'.
func NewKeyword(h *gc.Heap, name string) Value {
	return internSymbol(h, name, Keyword)
}

func internSymbol(h *gc.Heap, name string, kind Tag) Value {
	o := &SymbolObj{s: name, kind: kind}
	h.Alloc(o, gc.TagSymbol, len(name))
	canon := h.Intern(o).(*SymbolObj)
	return fromObj(kind, canon)
}

// SymbolName returns the bare name of a Symbol or Keyword value (without
// the leading ':' for keywords).
func SymbolName(v Value) string { return v.obj.(*SymbolObj).s }
