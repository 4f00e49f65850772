package gc

// Interned is implemented by the heap-backed immutable types that are
// canonicalized by content: string, symbol, keyword, tuple and struct.
// Entries in the intern cache are weak -- they are not roots, and Sweep
// removes an object's entry (via its Finalize method) before the object is
// actually freed. This is what lets equality on tuples/structs reduce to
// pointer equality once both operands have been interned.
type Interned interface {
	Object
	ContentHash() uint64
	StructuralEqual(other Interned) bool
}

// Intern returns the canonical heap identity for v: if a structurally equal
// object is already in the cache, v is discarded (left for the next sweep to
// collect if it is otherwise unreferenced) and the cached object is
// returned; otherwise v itself is cached and returned.
func (h *Heap) Intern(v Interned) Interned {
	hash := v.ContentHash()
	for _, cand := range h.intern[hash] {
		if cand.StructuralEqual(v) {
			return cand
		}
	}
	if h.intern == nil {
		h.intern = make(map[uint64][]Interned)
	}
	h.intern[hash] = append(h.intern[hash], v)
	return v
}

// Unintern removes v's entry from the intern cache. Every Interned type's
// Finalize implementation must call this before returning, so that a freed
// object never shadows a future structurally-equal allocation.
func (h *Heap) Unintern(v Interned) {
	hash := v.ContentHash()
	bucket := h.intern[hash]
	for i, cand := range bucket {
		if cand == v {
			bucket[i] = bucket[len(bucket)-1]
			h.intern[hash] = bucket[:len(bucket)-1]
			return
		}
	}
}
