// Package fiber implements spec.md §4.2's fiber contract: the operations
// the VM uses to drive a fiber's register stack (new/push/func-frame/
// pop-frame) on top of the field layout value.FiberObj declares. The
// status-machine transitions driven by yield/resume/return/error (the
// TRANSFER and RETURN opcodes) live in lang/vm, which is the only caller
// that knows when a fiber becomes PENDING, DEAD or ERROR; this package
// only manipulates the register stack and frame list.
package fiber

import (
	"fmt"

	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/value"
)

// New creates a NEW fiber with capacity pre-reserved register storage
// and a single frame targeting callee. The caller (lang/vm) transitions
// the fiber to ALIVE on first resume and begins executing at PC 0.
func New(h *gc.Heap, callee value.Value, capacity int) (value.Value, error) {
	fv := value.NewFiber(h, capacity)
	if err := FuncFrame(h, fv, callee); err != nil {
		return value.Value{}, err
	}
	return fv, nil
}

func top(o *value.FiberObj) *value.Frame {
	if len(o.Frames) == 0 {
		return nil
	}
	return &o.Frames[len(o.Frames)-1]
}

// scratchStart returns the index in o.Stack where the current scratch
// (pushed-argument) area begins: just past the top frame's register
// window, or 0 if the fiber has no frames yet.
func scratchStart(o *value.FiberObj) int {
	if fr := top(o); fr != nil {
		return fr.Base + fr.NumSlots
	}
	return 0
}

func growTo(o *value.FiberObj, n int) {
	for len(o.Stack) < n {
		o.Stack = append(o.Stack, value.NilValue)
	}
}

// Push appends v to the scratch area above the current frametop.
func Push(fiberVal value.Value, v value.Value) {
	o := value.AsFiber(fiberVal)
	o.Stack = append(o.Stack, v)
}

// Push2 appends a, b.
func Push2(fiberVal value.Value, a, b value.Value) {
	o := value.AsFiber(fiberVal)
	o.Stack = append(o.Stack, a, b)
}

// Push3 appends a, b, c.
func Push3(fiberVal value.Value, a, b, c value.Value) {
	o := value.AsFiber(fiberVal)
	o.Stack = append(o.Stack, a, b, c)
}

// PushN appends every element of vs.
func PushN(fiberVal value.Value, vs []value.Value) {
	o := value.AsFiber(fiberVal)
	o.Stack = append(o.Stack, vs...)
}

// closeFrameEnvs closes every FuncEnv the frame opened, detaching it
// from the fiber stack before the frame's register window is reused or
// discarded.
func closeFrameEnvs(fr *value.Frame) {
	for _, e := range fr.OpenEnvs {
		e.Close(fr.NumSlots)
	}
	fr.OpenEnvs = nil
}

// FuncFrame consumes the current scratch area as arguments to fn,
// pushing a new frame. It nil-fills unoccupied register slots up to
// fn's slot count, and if fn's FuncDef is variadic, packs extra
// arguments starting at index Params into a tuple.
func FuncFrame(h *gc.Heap, fiberVal, fn value.Value) error {
	o := value.AsFiber(fiberVal)
	def := value.FunctionDef(fn)
	base := scratchStart(o)
	args := append([]value.Value(nil), o.Stack[base:]...)

	o.Stack = o.Stack[:base]
	growTo(o, base+def.NumSlots)

	if err := bindArgs(h, o, base, def, args); err != nil {
		return err
	}
	o.Frames = append(o.Frames, value.Frame{Def: def, Closure: fn, Base: base, NumSlots: def.NumSlots})
	return nil
}

// FuncFrameTail replaces the current frame in place, reusing its
// register window (the mechanism behind O(1)-frame tail recursion):
// it detaches the outgoing closure's live environments, moves the
// scratch arguments down over the outgoing frame's registers, and
// rewrites the frame header in place.
func FuncFrameTail(h *gc.Heap, fiberVal, fn value.Value) error {
	o := value.AsFiber(fiberVal)
	fr := top(o)
	if fr == nil {
		return fmt.Errorf("fiber: tail-call with no active frame")
	}
	closeFrameEnvs(fr)

	def := value.FunctionDef(fn)
	base := fr.Base
	args := append([]value.Value(nil), o.Stack[base+fr.NumSlots:]...)

	o.Stack = o.Stack[:base]
	growTo(o, base+def.NumSlots)

	if err := bindArgs(h, o, base, def, args); err != nil {
		return err
	}
	fr.Def = def
	fr.CFunc = nil
	fr.Closure = fn
	fr.PC = 0
	fr.NumSlots = def.NumSlots
	fr.TailCall = true
	return nil
}

func bindArgs(h *gc.Heap, o *value.FiberObj, base int, def *value.FuncDef, args []value.Value) error {
	fixed := args
	if len(fixed) > def.Params {
		fixed = fixed[:def.Params]
	}
	copy(o.Stack[base:base+len(fixed)], fixed)
	if def.Variadic {
		var extra []value.Value
		if len(args) > def.Params {
			extra = args[def.Params:]
		}
		o.Stack[base+def.Params] = value.NewTuple(h, extra)
	}
	return nil
}

// CFrame pushes a frame targeting a host routine: frame..frametop spans
// the arguments already pushed, the frame has no closure and no pc.
func CFrame(fiberVal value.Value, cf *value.CFunctionObj) {
	o := value.AsFiber(fiberVal)
	base := scratchStart(o)
	argc := len(o.Stack) - base
	o.Frames = append(o.Frames, value.Frame{CFunc: cf, Base: base, NumSlots: argc})
}

// CFrameTail replaces the current frame in place with a host-routine
// frame, analogous to FuncFrameTail.
func CFrameTail(fiberVal value.Value, cf *value.CFunctionObj) error {
	o := value.AsFiber(fiberVal)
	fr := top(o)
	if fr == nil {
		return fmt.Errorf("fiber: tail-call with no active frame")
	}
	closeFrameEnvs(fr)
	base := fr.Base
	args := append([]value.Value(nil), o.Stack[base+fr.NumSlots:]...)
	o.Stack = o.Stack[:base]
	o.Stack = append(o.Stack, args...)
	fr.Def = nil
	fr.CFunc = cf
	fr.PC = 0
	fr.NumSlots = len(args)
	fr.TailCall = true
	return nil
}

// PopFrame closes any FuncEnvs the top frame owns (materializing their
// register window so closures that captured them survive), then
// restores the fiber's stack to the previous frame's bounds.
func PopFrame(fiberVal value.Value) {
	o := value.AsFiber(fiberVal)
	fr := top(o)
	if fr == nil {
		return
	}
	closeFrameEnvs(fr)
	o.Stack = o.Stack[:fr.Base]
	o.Frames = o.Frames[:len(o.Frames)-1]
}

// OpenEnv opens a new live FuncEnv over the current top frame's entire
// register window on every call, recording
// it on the frame so PopFrame closes it automatically.
func OpenEnv(h *gc.Heap, fiberVal value.Value) (*value.FuncEnv, error) {
	o := value.AsFiber(fiberVal)
	fr := top(o)
	if fr == nil {
		return nil, fmt.Errorf("fiber: no active frame to open an env over")
	}
	e := value.NewLiveFuncEnv(h, o, fr.Base)
	fr.OpenEnvs = append(fr.OpenEnvs, e)
	return e, nil
}

// FrameDepth returns the number of frames currently on the fiber.
func FrameDepth(fiberVal value.Value) int { return len(value.AsFiber(fiberVal).Frames) }

// CurrentFrame returns a pointer to the top frame, or nil if the fiber
// has none.
func CurrentFrame(fiberVal value.Value) *value.Frame { return top(value.AsFiber(fiberVal)) }

// Register returns the value at slot i of the top frame.
func Register(fiberVal value.Value, i int) value.Value {
	o := value.AsFiber(fiberVal)
	fr := top(o)
	return o.Stack[fr.Base+i]
}

// SetRegister overwrites slot i of the top frame.
func SetRegister(fiberVal value.Value, i int, v value.Value) {
	o := value.AsFiber(fiberVal)
	fr := top(o)
	o.Stack[fr.Base+i] = v
}
