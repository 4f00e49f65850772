// Package vm implements spec.md §4.3's register-based bytecode
// interpreter: a single dispatch loop over lang/isa's opcode set,
// driving a lang/fiber-shaped call stack and the lang/value data model.
package vm

import (
	"fmt"

	"github.com/mna/corevm/lang/fiber"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/value"
)

// Options tunes one VM entry-point call.
type Options struct {
	// Trace, if non-nil, receives a disassembly-annotated line for every
	// instruction executed (see SPEC_FULL.md §11's supplemented execution
	// trace, grounded on the teacher's internal/maincmd/tokenize.go's
	// plain-text dump style).
	Trace func(line string)

	// MaxSteps caps the total number of instructions Resume will dispatch
	// across every fiber it drives (including transferred-to fibers) before
	// aborting with an error. Zero means unlimited. A host embedding this
	// runtime sets this to bound a runaway or adversarial script, since the
	// VM itself has no preemption (spec.md's own Non-goals).
	MaxSteps int
}

// Resume drives fiber fv (which must be NEW, ALIVE or PENDING) until it
// yields to its own parent, returns from its outermost frame, or errors.
// arg is delivered as the entry argument (NEW fiber) or as the result of
// the pending TRANSFER (PENDING fiber); it is ignored for a fiber that is
// already ALIVE via an inline resume performed by TRANSFER itself.
func Resume(h *gc.Heap, fv value.Value, arg value.Value, opts Options) (value.Value, error) {
	fo := value.AsFiber(fv)
	switch fo.Status {
	case value.FiberDead, value.FiberError:
		return value.Value{}, fmt.Errorf("vm: cannot resume a %s fiber", fo.Status)
	case value.FiberNew:
		fo.Status = value.FiberAlive
	case value.FiberPending:
		fo.Status = value.FiberAlive
		deliverPendingResult(fv, arg)
	case value.FiberAlive:
		// already alive: a nested inline resume from TRANSFER, arg unused.
	}

	cur := fv
	steps := 0
	for {
		res, yieldedTo, err := runUntilSuspend(h, cur, opts, &steps)
		if err != nil {
			curFo := value.AsFiber(cur)
			curFo.Status = value.FiberError
			curFo.Err = errorValue(h, err)
			if curFo.Parent != nil {
				curFo.Parent.Status = value.FiberAlive
				return curFo.Err, fmt.Errorf("%w", err)
			}
			return value.Value{}, err
		}
		if yieldedTo.IsNil() {
			// yielded to parent, or returned from the outermost frame: either
			// way control surfaces to our caller now.
			return res, nil
		}
		// TRANSFER targeted another fiber directly: keep driving inline so a
		// chain of transfers doesn't need Go-level recursion through Resume.
		target := value.AsFiber(yieldedTo)
		if target.Parent == nil {
			target.Parent = value.AsFiber(cur)
		}
		target.Status = value.FiberAlive
		deliverPendingResult(yieldedTo, res)
		cur = yieldedTo
	}
}

func deliverPendingResult(fv value.Value, v value.Value) {
	fr := fiber.CurrentFrame(fv)
	if fr == nil {
		return
	}
	// the frame's PC already sits just past the TRANSFER/entry instruction;
	// the result lands in the destination register that instruction named,
	// recorded in RetSlot at suspend time (see runUntilSuspend's TRANSFER
	// handling).
	fo := value.AsFiber(fv)
	fo.Stack[fr.Base+fr.RetSlot] = v
}

func errorValue(h *gc.Heap, err error) value.Value { return value.NewString(h, err.Error()) }

// runUntilSuspend executes cur's bytecode from its current PC until one
// of: (a) it yields to its own parent (returns res, value.Value{}, nil),
// (b) TRANSFER targets another fiber (returns the value to deliver, that
// fiber's Value, nil), (c) the fiber returns from its outermost frame
// (Status becomes DEAD, returns res, value.Value{}, nil), or (d) a
// runtime error occurs (non-nil error).
func runUntilSuspend(h *gc.Heap, cur value.Value, opts Options, steps *int) (result value.Value, transferTo value.Value, err error) {
	fo := value.AsFiber(cur)
	for {
		fr := fiber.CurrentFrame(cur)
		if fr == nil {
			return value.Value{}, value.Value{}, nil
		}
		if fr.IsCFrame() {
			// host frames are invoked synchronously by CALL/TAILCALL and never
			// left on the stack across an instruction boundary; reaching one
			// here would be an interpreter bug.
			return value.Value{}, value.Value{}, fmt.Errorf("vm: unexpected host frame on dispatch loop")
		}
		if fr.PC >= len(fr.Def.Code) {
			return value.Value{}, value.Value{}, fmt.Errorf("vm: pc out of range in %q", fr.Def.Name)
		}
		if opts.MaxSteps > 0 {
			*steps++
			if *steps > opts.MaxSteps {
				return value.Value{}, value.Value{}, fmt.Errorf("vm: exceeded max steps (%d)", opts.MaxSteps)
			}
		}
		w := fr.Def.Code[fr.PC]
		op := w.Op()
		if opts.Trace != nil {
			opts.Trace(fmt.Sprintf("%04d %s", fr.PC, op))
		}
		fr.PC++

		switch op {
		case isa.NOP:

		case isa.LOAD_NIL:
			setReg(fo, fr, isa.DecodeS(w), value.NilValue)
		case isa.LOAD_TRUE:
			setReg(fo, fr, isa.DecodeS(w), value.BoolValue(true))
		case isa.LOAD_FALSE:
			setReg(fo, fr, isa.DecodeS(w), value.BoolValue(false))
		case isa.LOAD_INTEGER:
			a, imm := isa.DecodeSI(w)
			setReg(fo, fr, uint32(a), value.IntValue(int32(imm)))
		case isa.LOAD_CONSTANT:
			a, idx := isa.DecodeSC(w)
			if int(idx) >= len(fr.Def.Constants) {
				return value.Value{}, value.Value{}, runtimeErr(fr, "constant index %d out of range", idx)
			}
			setReg(fo, fr, uint32(a), fr.Def.Constants[idx])
		case isa.LOAD_SELF:
			setReg(fo, fr, isa.DecodeS(w), currentClosure(fr))

		case isa.MOVE_NEAR:
			a, b, _ := isa.DecodeSSS(w)
			setReg(fo, fr, uint32(a), getReg(fo, fr, uint32(b)))
		case isa.MOVE_FAR:
			a, b := isa.DecodeSS(w)
			setReg(fo, fr, uint32(a), getReg(fo, fr, uint32(b)))

		case isa.ADD, isa.SUB, isa.MUL, isa.DIV, isa.MOD:
			if err := genericArith(fo, fr, op, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.ADD_INTEGER, isa.SUB_INTEGER, isa.MUL_INTEGER, isa.DIV_INTEGER, isa.MOD_INTEGER:
			if err := intArith(fo, fr, op, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.ADD_REAL, isa.SUB_REAL, isa.MUL_REAL, isa.DIV_REAL:
			realArith(fo, fr, op, w)
		case isa.ADD_IMMEDIATE, isa.SUB_IMMEDIATE:
			immArith(fo, fr, op, w)

		case isa.BAND, isa.BOR, isa.BXOR:
			if err := bitwise(fo, fr, op, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.BNOT:
			a, b := isa.DecodeSS(w)
			x := getReg(fo, fr, uint32(b))
			if x.Tag() != value.Int {
				return value.Value{}, value.Value{}, runtimeErr(fr, "bnot: non-integer operand")
			}
			setReg(fo, fr, uint32(a), value.IntValue(^x.AsInt()))

		case isa.SHL, isa.SHR, isa.SHR_UNSIGNED:
			if err := shift(fo, fr, op, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.SHL_IMMEDIATE, isa.SHR_IMMEDIATE, isa.SHR_UNSIGNED_IMMEDIATE:
			shiftImmediate(fo, fr, op, w)

		case isa.EQUALS:
			a, b, c := isa.DecodeSSS(w)
			setReg(fo, fr, uint32(a), value.BoolValue(value.Equal(getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c)))))
		case isa.LESS_THAN, isa.GREATER_THAN, isa.COMPARE:
			if err := compareOp(fo, fr, op, w); err != nil {
				return value.Value{}, value.Value{}, err
			}

		case isa.JUMP:
			fr.PC += int(isa.DecodeL(w)) - 1
		case isa.JUMP_IF:
			a, off := isa.DecodeSL(w)
			if getReg(fo, fr, uint32(a)).Truth() {
				fr.PC += int(off) - 1
			}
		case isa.JUMP_IF_NOT:
			a, off := isa.DecodeSL(w)
			if !getReg(fo, fr, uint32(a)).Truth() {
				fr.PC += int(off) - 1
			}

		case isa.PUSH:
			fiber.Push(cur, getReg(fo, fr, isa.DecodeS(w)))
			checkGC(h, fo)
		case isa.PUSH_2:
			a, b, _ := isa.DecodeSSS(w)
			fiber.Push2(cur, getReg(fo, fr, uint32(a)), getReg(fo, fr, uint32(b)))
			checkGC(h, fo)
		case isa.PUSH_3:
			a, b, c := isa.DecodeSSS(w)
			fiber.Push3(cur, getReg(fo, fr, uint32(a)), getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c)))
			checkGC(h, fo)
		case isa.PUSH_ARRAY:
			av := getReg(fo, fr, isa.DecodeS(w))
			fiber.PushN(cur, value.ArrayElems(av))
			checkGC(h, fo)

		case isa.CALL:
			dest, calleeIdx := isa.DecodeSS(w)
			if err := doCall(h, cur, fr, uint32(dest), uint32(calleeIdx), false); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.TAILCALL:
			calleeIdx := isa.DecodeS(w)
			if err := doCall(h, cur, fr, 0, calleeIdx, true); err != nil {
				return value.Value{}, value.Value{}, err
			}

		case isa.CLOSURE:
			a, defIdx := isa.DecodeSD(w)
			closure, err := makeClosure(h, cur, fo, fr, int(defIdx))
			if err != nil {
				return value.Value{}, value.Value{}, err
			}
			setReg(fo, fr, uint32(a), closure)
			checkGC(h, fo)
		case isa.LOAD_UPVALUE:
			a, env, slot := isa.DecodeSES(w)
			clos := currentClosure(fr)
			e := value.FunctionEnv(clos, int(env))
			setReg(fo, fr, uint32(a), e.Get(int(slot)))
		case isa.SET_UPVALUE:
			a, env, slot := isa.DecodeSES(w)
			clos := currentClosure(fr)
			e := value.FunctionEnv(clos, int(env))
			e.Set(int(slot), getReg(fo, fr, uint32(a)))

		case isa.GET:
			if err := doGet(fo, fr, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.PUT:
			if err := doPut(fo, fr, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.GET_INDEX:
			if err := doGetIndex(fo, fr, w); err != nil {
				return value.Value{}, value.Value{}, err
			}
		case isa.PUT_INDEX:
			if err := doPutIndex(fo, fr, w); err != nil {
				return value.Value{}, value.Value{}, err
			}

		case isa.TRANSFER:
			dest, target, val := isa.DecodeSSS(w)
			fr.RetSlot = int(dest)
			v := getReg(fo, fr, uint32(val))
			tv := getReg(fo, fr, uint32(target))
			if tv.IsNil() {
				// yield: with no parent fiber, the value surfaces to Resume's caller.
				fo.Status = value.FiberPending
				return v, value.Value{}, nil
			}
			if tv.Tag() != value.Fiber {
				return value.Value{}, value.Value{}, runtimeErr(fr, "transfer: target is not a fiber")
			}
			tfo := value.AsFiber(tv)
			if tfo.Status != value.FiberNew && tfo.Status != value.FiberPending {
				return value.Value{}, value.Value{}, runtimeErr(fr, "transfer: target fiber is not resumable")
			}
			fo.Status = value.FiberPending
			return v, tv, nil

		case isa.RETURN, isa.RETURN_NIL:
			var rv value.Value
			if op == isa.RETURN {
				rv = getReg(fo, fr, isa.DecodeS(w))
			}
			fiber.PopFrame(cur)
			caller := fiber.CurrentFrame(cur)
			if caller == nil {
				fo.Status = value.FiberDead
				return rv, value.Value{}, nil
			}
			fo.Stack[caller.Base+fr.RetSlot] = rv

		case isa.TYPECHECK:
			a, typeset := isa.DecodeST(w)
			v := getReg(fo, fr, uint32(a))
			if v.Tag().TypeBit()&typeset == 0 {
				return value.Value{}, value.Value{}, runtimeErr(fr, "typecheck failed: got %s", v.Type())
			}
		case isa.ERROR:
			v := getReg(fo, fr, isa.DecodeS(w))
			return value.Value{}, value.Value{}, runtimeErr(fr, "%s", v.String())

		default:
			return value.Value{}, value.Value{}, runtimeErr(fr, "illegal opcode %d", op)
		}
	}
}

func runtimeErr(fr *value.Frame, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if fr != nil && fr.Def != nil {
		pos := fr.Def.PosAt(fr.PC - 1)
		if pos != 0 {
			return fmt.Errorf("%s: %s", pos, msg)
		}
	}
	return fmt.Errorf("%s", msg)
}

func getReg(fo *value.FiberObj, fr *value.Frame, i uint32) value.Value {
	if int(i) >= isa.ScratchBase && int(i) <= isa.ScratchTop {
		return fo.Stack[fr.Base+fr.NumSlots+(int(i)-isa.ScratchBase)]
	}
	return fo.Stack[fr.Base+int(i)]
}

func setReg(fo *value.FiberObj, fr *value.Frame, i uint32, v value.Value) {
	if int(i) >= isa.ScratchBase && int(i) <= isa.ScratchTop {
		needed := fr.Base + fr.NumSlots + (int(i) - isa.ScratchBase) + 1
		for len(fo.Stack) < needed {
			fo.Stack = append(fo.Stack, value.NilValue)
		}
		fo.Stack[needed-1] = v
		return
	}
	fo.Stack[fr.Base+int(i)] = v
}

func currentClosure(fr *value.Frame) value.Value { return fr.Closure }

type activeFiberRoot struct{ fo *value.FiberObj }

func (r activeFiberRoot) ActiveRoot() gc.Object { return r.fo }

func checkGC(h *gc.Heap, fo *value.FiberObj) {
	if !h.ShouldCollect() {
		return
	}
	h.Collect(activeFiberRoot{fo})
}
