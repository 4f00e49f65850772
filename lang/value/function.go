package value

import (
	"fmt"

	"github.com/mna/corevm/lang/gc"
)

// FuncEnv is the explicit live/closed sum type spec.md's design notes
// (§9) call for in place of the source's open-coded offset-field trick:
// `{ live { fiber, frame_offset }, closed { values } }`. While the frame
// that opened it is still on some fiber's stack, a FuncEnv is "live" and
// LOAD_UPVALUE/SET_UPVALUE (the SES instruction shape, slot-within-env)
// read and write straight through to that frame's register window;
// fiber.PopFrame closes every FuncEnv the popped frame owns, copying the
// window out so it survives the frame. Every FuncEnv starts live and
// transitions to closed at most once.
//
// One FuncEnv represents an entire ENV-flagged frame's register window,
// not a single variable: CLOSURE's NEEDSENV case opens one over the
// current frame, and LOAD_UPVALUE(dest, envindex, slotindex) addresses a
// register inside whichever FuncEnv envindex names.
type FuncEnv struct {
	gc.Block
	closed bool
	fiber  *FiberObj // valid while live
	base   int       // valid while live: frame's Base in fiber.Stack
	values []Value   // valid once closed: the copied register window
}

func (e *FuncEnv) GCBlock() *gc.Block { return &e.Block }

func (e *FuncEnv) Mark(h *gc.Heap) {
	if e.closed {
		for _, v := range e.values {
			markChild(h, v)
		}
		return
	}
	if e.fiber != nil {
		h.MarkObject(e.fiber)
	}
}

func (e *FuncEnv) Finalize(h *gc.Heap) {}

// NewLiveFuncEnv returns a FuncEnv open over the register window starting
// at base in fiber's stack.
func NewLiveFuncEnv(h *gc.Heap, fiber *FiberObj, base int) *FuncEnv {
	e := &FuncEnv{fiber: fiber, base: base}
	h.Alloc(e, gc.TagUserdata, 0)
	return e
}

// Get returns the current value of register i within the captured window.
func (e *FuncEnv) Get(i int) Value {
	if e.closed {
		return e.values[i]
	}
	return e.fiber.Stack[e.base+i]
}

// Set overwrites register i within the captured window.
func (e *FuncEnv) Set(i int, v Value) {
	if e.closed {
		e.values[i] = v
		return
	}
	e.fiber.Stack[e.base+i] = v
}

// IsClosed reports whether Close has already run.
func (e *FuncEnv) IsClosed() bool { return e.closed }

// Close copies the live window's current contents into the FuncEnv,
// sized to n registers, and detaches it from the fiber stack. Called by
// fiber.PopFrame for every FuncEnv a popped frame owns. A no-op if
// already closed.
func (e *FuncEnv) Close(n int) {
	if e.closed {
		return
	}
	values := make([]Value, n)
	copy(values, e.fiber.Stack[e.base:e.base+n])
	e.values = values
	e.fiber = nil
	e.closed = true
}

// FunctionObj is the heap representation of the function variant: an
// immutable FuncDef paired with the FuncEnvs it closed over at the
// CLOSURE instruction that created it (spec.md §3.3, grounded on the
// teacher's lang/machine/function.go Function{Funcode, Freevars}).
type FunctionObj struct {
	gc.Block
	Def  *FuncDef
	Envs []*FuncEnv
}

func (o *FunctionObj) GCBlock() *gc.Block { return &o.Block }

func (o *FunctionObj) Mark(h *gc.Heap) {
	o.Def.MarkConstants(h)
	for _, e := range o.Envs {
		h.MarkObject(e)
	}
}

func (o *FunctionObj) Finalize(h *gc.Heap) {}

func (o *FunctionObj) string() string {
	name := o.Def.Name
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("function(%p %s)", o, name)
}

// NewFunction allocates a closure over def, capturing envs (already built
// by the VM's CLOSURE handler from the enclosing frame/function's own
// upvalues per def.Upvals).
func NewFunction(h *gc.Heap, def *FuncDef, envs []*FuncEnv) Value {
	o := &FunctionObj{Def: def, Envs: envs}
	h.Alloc(o, gc.TagFunction, int(valueSize)*len(envs))
	return fromObj(Function, o)
}

// FunctionDef returns the FuncDef backing a Function value.
func FunctionDef(v Value) *FuncDef { return v.obj.(*FunctionObj).Def }

// FunctionEnv returns the i'th captured FuncEnv of a Function value.
func FunctionEnv(v Value, i int) *FuncEnv { return v.obj.(*FunctionObj).Envs[i] }

// CFunctionObj is a host-provided function: Go code callable from the
// language (spec.md §6.3's host function ABI). It is never heap-allocated
// (no GC tracking needed, hosts own its lifetime), so Value stores it
// directly as an interface{} payload rather than via fromObj.
type CFunctionObj struct {
	Name string
	Fn   func(h *gc.Heap, args []Value) (Value, error)
}

// CFunctionValue wraps a host function as a language Value.
func CFunctionValue(cf *CFunctionObj) Value {
	return Value{tag: CFunction, obj: cf}
}

// AsCFunction returns the CFunctionObj backing a CFunction value.
func AsCFunction(v Value) *CFunctionObj { return v.obj.(*CFunctionObj) }
