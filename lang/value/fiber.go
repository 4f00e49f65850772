package value

import (
	"fmt"

	"github.com/mna/corevm/lang/gc"
)

// FiberStatus is one of the five states of spec.md §4.2's state machine:
// NEW -> ALIVE -> {PENDING, DEAD, ERROR}, and PENDING -> ALIVE on resume.
type FiberStatus uint8

const (
	FiberNew FiberStatus = iota
	FiberAlive
	FiberPending
	FiberDead
	FiberError
)

var fiberStatusNames = [...]string{"new", "alive", "pending", "dead", "error"}

func (s FiberStatus) String() string {
	if int(s) < len(fiberStatusNames) {
		return fiberStatusNames[s]
	}
	return fmt.Sprintf("fiberstatus(%d)", s)
}

// Frame records one activation on a fiber's call stack: either a call to
// a Function (tracked by PC into its FuncDef's Code) or a call to a
// CFunction (host code, no PC), grounded on the teacher's
// lang/machine/frame.go Frame{callable, pc}.
type Frame struct {
	Def      *FuncDef // nil for a C frame
	CFunc    *CFunctionObj
	Closure  Value // the Function value this frame is executing (LOAD_SELF, upvalue access)
	PC       int
	Base     int // index into the owning fiber's Stack where this frame's registers begin
	NumSlots int
	RetSlot  int        // caller's register to receive this frame's return value
	TailCall bool
	OpenEnvs []*FuncEnv // live FuncEnvs opened over this frame's registers, closed on pop
}

// IsCFrame reports whether this is a host-function frame (spec.md §4.2's
// c-frame/c-frame-tail).
func (f *Frame) IsCFrame() bool { return f.Def == nil }

// FiberObj is the heap representation of the fiber variant: a first-class
// coroutine unifying the call stack, error propagation and cooperative
// yield/resume (spec.md §3.5, §4.2).
type FiberObj struct {
	gc.Block
	Status FiberStatus
	Stack  []Value
	Frames []Frame
	Parent *FiberObj // the fiber that resumed this one, nil for the root fiber
	Err    Value     // set when Status == FiberError
}

func (o *FiberObj) GCBlock() *gc.Block { return &o.Block }

func (o *FiberObj) Mark(h *gc.Heap) {
	for _, v := range o.Stack {
		markChild(h, v)
	}
	for _, fr := range o.Frames {
		markChild(h, fr.Closure)
		for _, e := range fr.OpenEnvs {
			h.MarkObject(e)
		}
	}
	// the parent-chain walk is an explicit worklist exception to ordinary
	// recursive marking (spec.md §4.1): parent fibers are marked directly
	// here rather than relying on some other root to reach them, since a
	// suspended parent is not otherwise on the fiber's own Stack/Frames.
	for p := o.Parent; p != nil; p = p.Parent {
		h.MarkObject(p)
	}
	markChild(h, o.Err)
}

func (o *FiberObj) Finalize(h *gc.Heap) {
	o.Stack = nil
	o.Frames = nil
}

func (o *FiberObj) string() string { return fmt.Sprintf("fiber(%p %s)", o, o.Status) }

// NewFiber allocates a fiber in the NEW state with capacity pre-reserved
// register storage. The data array itself grows geometrically via Go's
// own append as frames are pushed (spec.md §5's stack-growth rule).
func NewFiber(h *gc.Heap, capacity int) Value {
	o := &FiberObj{Stack: make([]Value, 0, capacity)}
	h.Alloc(o, gc.TagFiber, capacity*int(valueSize))
	return fromObj(Fiber, o)
}

// AsFiber returns the FiberObj backing a Fiber value.
func AsFiber(v Value) *FiberObj { return v.obj.(*FiberObj) }
