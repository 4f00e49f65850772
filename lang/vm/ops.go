package vm

import (
	"fmt"
	"math"

	"github.com/mna/corevm/lang/fiber"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/value"
)

// genericArith implements the generic ADD/SUB/MUL/DIV/MOD family: it
// type-checks operands, promotes integer<->real, and fails on
// non-numeric operands (spec.md §4.3).
func genericArith(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) error {
	a, b, c := isa.DecodeSSS(w)
	x, y := getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c))
	if x.Tag() == value.Int && y.Tag() == value.Int {
		r, err := intOp(op, x.AsInt(), y.AsInt())
		if err != nil {
			return runtimeErr(fr, "%s", err)
		}
		setReg(fo, fr, uint32(a), r)
		return nil
	}
	xf, ok1 := asReal(x)
	yf, ok2 := asReal(y)
	if !ok1 || !ok2 {
		return runtimeErr(fr, "%s: non-numeric operand", opName(op))
	}
	setReg(fo, fr, uint32(a), value.RealValue(realOp(op, xf, yf)))
	return nil
}

func asReal(v value.Value) (float64, bool) {
	switch v.Tag() {
	case value.Int:
		return float64(v.AsInt()), true
	case value.Real:
		return v.AsReal(), true
	default:
		return 0, false
	}
}

func opName(op isa.Opcode) string { return op.String() }

// intArith implements the type-specialized integer family: operands must
// already be Int, arithmetic wraps on 32-bit overflow (the documented,
// consistent choice for spec.md §8.1's arithmetic-promotion property; see
// DESIGN.md).
func intArith(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) error {
	a, b, c := isa.DecodeSSS(w)
	x, y := getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c))
	if x.Tag() != value.Int || y.Tag() != value.Int {
		return runtimeErr(fr, "%s: operands must be integers", opName(op))
	}
	var base isa.Opcode
	switch op {
	case isa.ADD_INTEGER:
		base = isa.ADD
	case isa.SUB_INTEGER:
		base = isa.SUB
	case isa.MUL_INTEGER:
		base = isa.MUL
	case isa.DIV_INTEGER:
		base = isa.DIV
	case isa.MOD_INTEGER:
		base = isa.MOD
	}
	r, err := intOp(base, x.AsInt(), y.AsInt())
	if err != nil {
		return runtimeErr(fr, "%s", err)
	}
	setReg(fo, fr, uint32(a), r)
	return nil
}

func intOp(op isa.Opcode, x, y int32) (value.Value, error) {
	switch op {
	case isa.ADD:
		return value.IntValue(int32(uint32(x) + uint32(y))), nil
	case isa.SUB:
		return value.IntValue(int32(uint32(x) - uint32(y))), nil
	case isa.MUL:
		return value.IntValue(int32(uint32(x) * uint32(y))), nil
	case isa.DIV:
		if y == 0 {
			return value.Value{}, fmtErr("division by zero")
		}
		if x == math.MinInt32 && y == -1 {
			return value.Value{}, fmtErr("integer overflow in division")
		}
		return value.IntValue(x / y), nil
	case isa.MOD:
		if y == 0 {
			return value.Value{}, fmtErr("modulo by zero")
		}
		if x == math.MinInt32 && y == -1 {
			return value.IntValue(0), nil
		}
		return value.IntValue(x % y), nil
	default:
		return value.Value{}, fmtErr("unsupported integer op %s", op)
	}
}

func fmtErr(format string, args ...interface{}) error { return fmt.Errorf(format, args...) }

// realArith implements the real-specialized family; operands are
// coerced via asReal (accepting Int too, matching the generic family's
// promotion rule) since spec.md does not require ADD_REAL to reject an
// integer operand, only that the result is real.
func realArith(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) {
	a, b, c := isa.DecodeSSS(w)
	x, _ := asReal(getReg(fo, fr, uint32(b)))
	y, _ := asReal(getReg(fo, fr, uint32(c)))
	var base isa.Opcode
	switch op {
	case isa.ADD_REAL:
		base = isa.ADD
	case isa.SUB_REAL:
		base = isa.SUB
	case isa.MUL_REAL:
		base = isa.MUL
	case isa.DIV_REAL:
		base = isa.DIV
	}
	setReg(fo, fr, uint32(a), value.RealValue(realOp(base, x, y)))
}

func realOp(op isa.Opcode, x, y float64) float64 {
	switch op {
	case isa.ADD:
		return x + y
	case isa.SUB:
		return x - y
	case isa.MUL:
		return x * y
	case isa.DIV:
		return x / y
	case isa.MOD:
		return math.Mod(x, y)
	default:
		return math.NaN()
	}
}

// immArith implements ADD_IMMEDIATE/SUB_IMMEDIATE: dest, src, signed
// 8-bit immediate, integer-only.
func immArith(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) {
	a, b, imm := isa.DecodeSSI(w)
	x := getReg(fo, fr, uint32(b)).AsInt()
	var r int32
	switch op {
	case isa.ADD_IMMEDIATE:
		r = int32(uint32(x) + uint32(int32(imm)))
	case isa.SUB_IMMEDIATE:
		r = int32(uint32(x) - uint32(int32(imm)))
	}
	setReg(fo, fr, uint32(a), value.IntValue(r))
}

func bitwise(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) error {
	a, b, c := isa.DecodeSSS(w)
	x, y := getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c))
	if x.Tag() != value.Int || y.Tag() != value.Int {
		return runtimeErr(fr, "%s: non-integer operand", opName(op))
	}
	var r int32
	switch op {
	case isa.BAND:
		r = x.AsInt() & y.AsInt()
	case isa.BOR:
		r = x.AsInt() | y.AsInt()
	case isa.BXOR:
		r = x.AsInt() ^ y.AsInt()
	}
	setReg(fo, fr, uint32(a), value.IntValue(r))
	return nil
}

func shift(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) error {
	a, b, c := isa.DecodeSSS(w)
	x, y := getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c))
	if x.Tag() != value.Int || y.Tag() != value.Int {
		return runtimeErr(fr, "%s: non-integer operand", opName(op))
	}
	setReg(fo, fr, uint32(a), value.IntValue(doShift(op, x.AsInt(), uint(y.AsInt()))))
	return nil
}

func shiftImmediate(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) {
	a, b, imm := isa.DecodeSSU(w)
	x := getReg(fo, fr, uint32(b)).AsInt()
	var base isa.Opcode
	switch op {
	case isa.SHL_IMMEDIATE:
		base = isa.SHL
	case isa.SHR_IMMEDIATE:
		base = isa.SHR
	case isa.SHR_UNSIGNED_IMMEDIATE:
		base = isa.SHR_UNSIGNED
	}
	setReg(fo, fr, uint32(a), value.IntValue(doShift(base, x, uint(imm))))
}

func doShift(op isa.Opcode, x int32, n uint) int32 {
	n &= 31
	switch op {
	case isa.SHL:
		return int32(uint32(x) << n)
	case isa.SHR:
		return x >> n
	case isa.SHR_UNSIGNED:
		return int32(uint32(x) >> n)
	default:
		return 0
	}
}

func compareOp(fo *value.FiberObj, fr *value.Frame, op isa.Opcode, w isa.Word) error {
	a, b, c := isa.DecodeSSS(w)
	x, y := getReg(fo, fr, uint32(b)), getReg(fo, fr, uint32(c))
	cmp, ok := value.Compare(x, y)
	if !ok {
		return runtimeErr(fr, "%s: operands are not ordered", opName(op))
	}
	switch op {
	case isa.LESS_THAN:
		setReg(fo, fr, uint32(a), value.BoolValue(cmp < 0))
	case isa.GREATER_THAN:
		setReg(fo, fr, uint32(a), value.BoolValue(cmp > 0))
	case isa.COMPARE:
		setReg(fo, fr, uint32(a), value.IntValue(int32(cmp)))
	}
	return nil
}

// doGet implements GET(dest, container, key): container may be a Table,
// Struct, Array or Tuple. Any other container, a String or Buffer
// included, is an error ("not indexable").
func doGet(fo *value.FiberObj, fr *value.Frame, w isa.Word) error {
	dest, container, key := isa.DecodeSSS(w)
	cv := getReg(fo, fr, uint32(container))
	kv := getReg(fo, fr, uint32(key))
	v, err := indexGet(cv, kv)
	if err != nil {
		return runtimeErr(fr, "%s", err)
	}
	setReg(fo, fr, uint32(dest), v)
	return nil
}

// doPut implements PUT(container, key, val): only Table and Array accept
// arbitrary-key mutation (spec.md's GET/PUT family).
func doPut(fo *value.FiberObj, fr *value.Frame, w isa.Word) error {
	container, key, val := isa.DecodeSSS(w)
	cv := getReg(fo, fr, uint32(container))
	kv := getReg(fo, fr, uint32(key))
	vv := getReg(fo, fr, uint32(val))
	if err := indexPut(cv, kv, vv); err != nil {
		return runtimeErr(fr, "%s", err)
	}
	return nil
}

func indexGet(cv, kv value.Value) (value.Value, error) {
	switch cv.Tag() {
	case value.Table:
		v, ok := value.TableGet(cv, kv)
		if !ok {
			return value.NilValue, nil
		}
		return v, nil
	case value.Struct:
		if kv.Tag() != value.Keyword && kv.Tag() != value.Symbol && kv.Tag() != value.String {
			return value.Value{}, fmtErr("get: struct key must be a name")
		}
		v, ok := value.StructGet(cv, fieldName(kv))
		if !ok {
			return value.NilValue, nil
		}
		return v, nil
	case value.Array:
		i, ok := asIndex(kv)
		if !ok || i < 0 || i >= value.ArrayLen(cv) {
			return value.Value{}, fmtErr("get: array index out of range")
		}
		return value.ArrayGet(cv, i), nil
	case value.Tuple:
		i, ok := asIndex(kv)
		if !ok || i < 0 || i >= value.TupleLen(cv) {
			return value.Value{}, fmtErr("get: tuple index out of range")
		}
		return value.TupleIndex(cv, i), nil
	default:
		return value.Value{}, fmtErr("get: %s is not indexable", cv.Type())
	}
}

func indexPut(cv, kv, vv value.Value) error {
	switch cv.Tag() {
	case value.Table:
		value.TablePut(cv, kv, vv)
		return nil
	case value.Array:
		i, ok := asIndex(kv)
		if !ok || i < 0 {
			return fmtErr("put: invalid array index")
		}
		for i >= value.ArrayLen(cv) {
			value.ArrayPush(cv, value.NilValue)
		}
		value.ArraySet(cv, i, vv)
		return nil
	default:
		return fmtErr("put: %s is not mutable-indexable", cv.Type())
	}
}

func fieldName(kv value.Value) string {
	if kv.Tag() == value.String {
		return value.StringData(kv)
	}
	return value.SymbolName(kv)
}

func asIndex(v value.Value) (int, bool) {
	if v.Tag() != value.Int {
		return 0, false
	}
	return int(v.AsInt()), true
}

// doGetIndex/doPutIndex implement the 8-bit-immediate-index variants
// used when the key is known at compile time (array/tuple literal
// destructuring, struct field access by a constant name resolved
// earlier into a slot index is out of scope here — these operate on
// Array/Tuple only, per spec.md's GET_INDEX/PUT_INDEX note that
// PUT_INDEX on an array may extend it with nils).
func doGetIndex(fo *value.FiberObj, fr *value.Frame, w isa.Word) error {
	dest, container, idx := isa.DecodeSSU(w)
	cv := getReg(fo, fr, uint32(container))
	i := int(idx)
	switch cv.Tag() {
	case value.Array:
		if i < 0 || i >= value.ArrayLen(cv) {
			return runtimeErr(fr, "get-index: array index out of range")
		}
		setReg(fo, fr, uint32(dest), value.ArrayGet(cv, i))
	case value.Tuple:
		if i < 0 || i >= value.TupleLen(cv) {
			return runtimeErr(fr, "get-index: tuple index out of range")
		}
		setReg(fo, fr, uint32(dest), value.TupleIndex(cv, i))
	default:
		return runtimeErr(fr, "get-index: %s is not indexable", cv.Type())
	}
	return nil
}

func doPutIndex(fo *value.FiberObj, fr *value.Frame, w isa.Word) error {
	container, val, idx := isa.DecodeSSU(w)
	cv := getReg(fo, fr, uint32(container))
	vv := getReg(fo, fr, uint32(val))
	i := int(idx)
	if cv.Tag() != value.Array {
		return runtimeErr(fr, "put-index: %s is not mutable-indexable", cv.Type())
	}
	for i >= value.ArrayLen(cv) {
		value.ArrayPush(cv, value.NilValue)
	}
	value.ArraySet(cv, i, vv)
	return nil
}

// doCall implements CALL/TAILCALL: for a closure, pushes (or replaces)
// a bytecode frame; for a host CFunction, invokes it synchronously and
// writes the result straight to dest, since a host call never suspends
// the fiber mid-instruction (spec.md §4.3, §6.3).
func doCall(h *gc.Heap, fv value.Value, fr *value.Frame, dest, calleeIdx uint32, tail bool) error {
	fo := value.AsFiber(fv)
	callee := getReg(fo, fr, calleeIdx)
	switch callee.Tag() {
	case value.Function:
		if tail {
			// the tail-called frame inherits fr's own RetSlot unchanged: it
			// answers to whoever called fr, not to a slot of fr itself.
			return fiber.FuncFrameTail(h, fv, callee)
		}
		if err := fiber.FuncFrame(h, fv, callee); err != nil {
			return err
		}
		// the newly pushed frame, not fr (the caller), records where its
		// result belongs once it returns.
		fiber.CurrentFrame(fv).RetSlot = int(dest)
		return nil
	case value.CFunction:
		cf := value.AsCFunction(callee)
		if tail {
			if err := fiber.CFrameTail(fv, cf); err != nil {
				return runtimeErr(fr, "%s", err)
			}
		} else {
			fiber.CFrame(fv, cf)
		}
		hostFr := fiber.CurrentFrame(fv)
		args := append([]value.Value(nil), fo.Stack[hostFr.Base:hostFr.Base+hostFr.NumSlots]...)
		result, err := cf.Fn(h, args)
		if err != nil {
			return runtimeErr(fr, "%s", err)
		}
		fiber.PopFrame(fv)
		if tail {
			caller := fiber.CurrentFrame(fv)
			if caller == nil {
				fo.Status = value.FiberDead
				return nil
			}
			fo.Stack[caller.Base+fr.RetSlot] = result
			return nil
		}
		setReg(fo, fr, dest, result)
		return nil
	default:
		return runtimeErr(fr, "call: %s is not callable", callee.Type())
	}
}

// makeClosure implements CLOSURE(dest, defindex): build the Envs array
// for the nested FuncDef at fr.Def.Defs[defindex]. Each UpvalDesc either
// refers to a slot of the enclosing frame's own register file
// (FromParent=true, all such upvalues sharing a single live FuncEnv
// opened over the current frame) or propagates one of the enclosing
// closure's own Envs entries through unchanged (FromParent=false), per
// spec.md §4.5's upvalue-propagation algorithm.
func makeClosure(h *gc.Heap, fv value.Value, fo *value.FiberObj, fr *value.Frame, defIdx int) (value.Value, error) {
	if fr.Def == nil || defIdx < 0 || defIdx >= len(fr.Def.Defs) {
		return value.Value{}, runtimeErr(fr, "closure: def index %d out of range", defIdx)
	}
	def := fr.Def.Defs[defIdx]
	envs := make([]*value.FuncEnv, len(def.Upvals))
	var parentEnv *value.FuncEnv
	enclosing := fr.Closure
	for i, u := range def.Upvals {
		if u.FromParent {
			if parentEnv == nil {
				e, err := fiber.OpenEnv(h, fv)
				if err != nil {
					return value.Value{}, runtimeErr(fr, "%s", err)
				}
				parentEnv = e
			}
			envs[i] = parentEnv
			continue
		}
		if enclosing.IsNil() {
			return value.Value{}, runtimeErr(fr, "closure: upvalue reference outside any closure")
		}
		envs[i] = value.FunctionEnv(enclosing, u.Index)
	}
	return value.NewFunction(h, def, envs), nil
}
