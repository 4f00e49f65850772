// Package gc implements the tracing mark-sweep collector that owns every
// heap-allocated value in the runtime. It knows nothing about the value
// model: heap-backed types (string, symbol, buffer, tuple, array, struct,
// table, function, fiber, userdata) embed a Block as their first field and
// implement Object so the collector can walk and reclaim them without
// importing the value package.
package gc

import "sync/atomic"

// Tag identifies the kind of heap object a Block belongs to. It mirrors a
// subset of value.Tag (the heap-backed variants only -- nil, bool, integer,
// real and cfunction never reach the heap).
type Tag uint8

const (
	TagString Tag = iota
	TagSymbol
	TagKeyword
	TagBuffer
	TagTuple
	TagArray
	TagStruct
	TagTable
	TagFunction
	TagFiber
	TagUserdata
)

const (
	flagReachable uint32 = 1 << iota
	flagDisabled         // pinned: survives collection regardless of reachability
)

// Block is the header every heap object embeds as its first field. It links
// the object into the heap's all-blocks list and carries the two flag bits
// the collector needs: REACHABLE (set during mark, cleared after sweep) and
// DISABLED (set by Pin, independent of reachability).
type Block struct {
	next    *Block
	owner   Object
	typeTag Tag
	flags   uint32
}

// Tag returns the block's heap type tag.
func (b *Block) Tag() Tag { return b.typeTag }

func (b *Block) reachable() bool { return b.flags&flagReachable != 0 }
func (b *Block) setReachable()   { b.flags |= flagReachable }
func (b *Block) clearReachable() { b.flags &^= flagReachable }
func (b *Block) pinned() bool    { return b.flags&flagDisabled != 0 }

// Object is implemented by every heap-allocated value. Mark must call
// h.MarkObject (or h.markValue helpers) on every Object it directly
// references; Finalize runs exactly once, right before the block's memory
// is reclaimed, and must release any non-GC-owned resource (backing byte
// slices, interned-cache entries, userdata finalizers).
type Object interface {
	GCBlock() *Block
	Mark(h *Heap)
	Finalize(h *Heap)
}

// Heap owns the all-blocks list, the explicit root stack and the
// bytes-since-collection counter that triggers automatic collection.
type Heap struct {
	head  *Block
	count int

	roots []Object // explicit C-held roots, appended/removed LIFO

	intern map[uint64][]Interned

	bytesAlloc int64
	threshold  int64

	collecting bool // re-entrancy guard: Alloc during a Mark/Sweep panics
}

// DefaultThreshold is the initial bytes-since-collection threshold used by
// NewHeap when none is supplied. It is deliberately small so that tests
// exercise collection without needing to allocate megabytes of garbage.
const DefaultThreshold = 1 << 20

// NewHeap creates an empty heap with the given initial collection
// threshold. A threshold <= 0 uses DefaultThreshold.
func NewHeap(threshold int64) *Heap {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heap{threshold: threshold}
}

// Alloc links a freshly constructed heap object into the all-blocks list and
// accounts for its approximate size for collection triggering. Callers
// construct the Go struct themselves (so that Object.Mark/Finalize can
// close over it); Alloc records o as its block's owner and sets the block's
// type tag.
func (h *Heap) Alloc(o Object, tag Tag, size int) {
	if h.collecting {
		panic("gc: Alloc called during collection")
	}
	blk := o.GCBlock()
	blk.owner = o
	blk.typeTag = tag
	blk.next = h.head
	h.head = blk
	h.count++
	h.bytesAlloc += int64(size)
}

// ShouldCollect reports whether the bytes-allocated-since-last-collection
// counter has crossed the configured threshold. The VM calls this at the
// checkgc points specified in spec.md (after CLOSURE and after PUSH-family
// instructions), never mid-instruction.
func (h *Heap) ShouldCollect() bool { return h.bytesAlloc >= h.threshold }

// PushRoot appends v to the explicit root array (LIFO). It is the host-facing
// "gc root" API: a value kept alive independent of any fiber's reachability.
func (h *Heap) PushRoot(o Object) { h.roots = append(h.roots, o) }

// PopRoot removes the most recently pushed explicit root. It is a no-op if
// there are no explicit roots, matching the LIFO-friendly contract in
// spec.md §4.1.
func (h *Heap) PopRoot() {
	if n := len(h.roots); n > 0 {
		h.roots = h.roots[:n-1]
	}
}

// Pin marks o so that it survives collection independent of reachability,
// until Unpin is called.
func Pin(o Object) { o.GCBlock().flags |= flagDisabled }

// Unpin clears the pin set by Pin.
func Unpin(o Object) { o.GCBlock().flags &^= flagDisabled }

// MarkObject marks o reachable and, the first time it is marked in this
// collection cycle, recurses into its children via Mark. This is the
// primitive that makes mark idempotent and cycle-safe: a second MarkObject
// call on an already-reachable object is a no-op.
func (h *Heap) MarkObject(o Object) {
	if o == nil {
		return
	}
	blk := o.GCBlock()
	if blk.reachable() {
		return
	}
	blk.setReachable()
	o.Mark(h)
}

// Roots is implemented by whatever owns the "active fiber" concept (the VM
// or its embedder). Collect calls ActiveRoot to obtain the one root that is
// not in the explicit root array.
type Roots interface {
	ActiveRoot() Object // nil if no fiber is currently active
}

// Collect runs a full mark-sweep cycle: mark from the active fiber (if any)
// and the explicit root array, then sweep every unreached, unpinned block.
// It returns the number of blocks freed.
func (h *Heap) Collect(roots Roots) int {
	h.collecting = true
	defer func() { h.collecting = false }()

	if roots != nil {
		if ar := roots.ActiveRoot(); ar != nil {
			h.MarkObject(ar)
		}
	}
	for _, r := range h.roots {
		h.MarkObject(r)
	}

	freed := h.sweep()
	// the live set has just been fully accounted for; restart the
	// bytes-since-collection counter from zero.
	h.bytesAlloc = 0
	return freed
}

func (h *Heap) sweep() int {
	var (
		freed int
		prev  *Block
	)
	for b := h.head; b != nil; {
		next := b.next
		if !b.reachable() && !b.pinned() {
			b.owner.Finalize(h)
			if prev == nil {
				h.head = next
			} else {
				prev.next = next
			}
			h.count--
			freed++
		} else {
			b.clearReachable()
			prev = b
		}
		b = next
	}
	return freed
}

// Count returns the number of live blocks currently linked into the heap.
func (h *Heap) Count() int { return h.count }

// liveSeq is a monotonically increasing counter used only to give
// heap-allocated objects that need one (e.g. for debugging output) a stable
// identity without depending on pointer printing, which is not portable
// across test runs. Not part of the mark-sweep algorithm itself.
var liveSeq int64

// NextID returns a process-wide unique small integer, useful for debug
// labels on heap objects.
func NextID() int64 { return atomic.AddInt64(&liveSeq, 1) }
