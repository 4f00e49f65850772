package compiler_test

import (
	"testing"

	"github.com/mna/corevm/lang/compiler"
	"github.com/mna/corevm/lang/fiber"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/value"
	"github.com/mna/corevm/lang/vm"
	"github.com/stretchr/testify/require"
)

func sym(h *gc.Heap, name string) value.Value { return value.NewSymbol(h, name) }

func tuple(h *gc.Heap, elems ...value.Value) value.Value { return value.NewTuple(h, elems) }

func arr(h *gc.Heap, elems ...value.Value) value.Value { return value.NewArray(h, elems) }

func compileOne(t *testing.T, h *gc.Heap, g compiler.Globals, forms ...value.Value) *value.FuncDef {
	t.Helper()
	c := compiler.New(h, g)
	def, err := c.Compile(forms, nil)
	require.NoError(t, err)
	return def
}

func TestCompileLiteral(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g, value.IntValue(42))
	require.Len(t, def.Code, 2)
	require.Equal(t, []isa.Opcode{isa.LOAD_INTEGER, isa.RETURN}, opsOf(def.Code))
}

func TestCompileEmptyBodyReturnsNil(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g)
	require.Len(t, def.Code, 1)
	require.Equal(t, isa.RETURN_NIL, def.Code[0].Op())
}

func TestCompileCallInTailPositionEmitsTailcall(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	g.Declare("add", value.BoolValue(true)) // stand-in callee, just needs a resolvable name

	def := compileOne(t, h, g, tuple(h, sym(h, "add"), value.IntValue(1), value.IntValue(2)))

	require.Equal(t, []isa.Opcode{
		isa.LOAD_TRUE, isa.LOAD_INTEGER, isa.LOAD_INTEGER, isa.PUSH_2, isa.TAILCALL,
	}, opsOf(def.Code))
}

func TestCompileCallInNonTailPositionEmitsCallThenReturn(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	g.Declare("add", value.BoolValue(true))

	// a do's non-last form is never in tail position; appending a trailing
	// nil keeps the call itself out of tail position.
	def := compileOne(t, h, g,
		tuple(h, sym(h, "do"),
			tuple(h, sym(h, "add"), value.IntValue(1), value.IntValue(2)),
			value.NilValue))

	require.Equal(t, []isa.Opcode{
		isa.LOAD_TRUE, isa.LOAD_INTEGER, isa.LOAD_INTEGER, isa.PUSH_2, isa.CALL, isa.RETURN_NIL,
	}, opsOf(def.Code))
}

func TestCompileDefInstallsGlobalRef(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)

	def := compileOne(t, h, g, tuple(h, sym(h, "def"), sym(h, "x"), value.IntValue(7)))
	require.NotEmpty(t, def.Code)

	// the cell is filled by the def's PUT_INDEX at runtime, not at compile time.
	fv, err := fiber.New(h, value.NewFunction(h, def, nil), def.NumSlots)
	require.NoError(t, err)
	_, err = vm.Resume(h, fv, value.NilValue, vm.Options{})
	require.NoError(t, err)

	ref, ok := g.Ref("x")
	require.True(t, ok)
	require.Equal(t, int32(7), value.ArrayGet(ref, 0).AsInt())
}

func TestCompileVarsetMutatesRef(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)

	def := compileOne(t, h, g,
		tuple(h, sym(h, "var"), sym(h, "x"), value.IntValue(1)),
		tuple(h, sym(h, "varset!"), sym(h, "x"), value.IntValue(2)),
		sym(h, "x"),
	)
	require.NotEmpty(t, def.Code)

	fv, err := fiber.New(h, value.NewFunction(h, def, nil), def.NumSlots)
	require.NoError(t, err)
	_, err = vm.Resume(h, fv, value.NilValue, vm.Options{})
	require.NoError(t, err)

	ref, ok := g.Ref("x")
	require.True(t, ok)
	require.Equal(t, int32(2), value.ArrayGet(ref, 0).AsInt())
}

func TestCompileVarsetOnDefRejected(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	c := compiler.New(h, g)

	forms := []value.Value{
		tuple(h, sym(h, "def"), sym(h, "x"), value.IntValue(1)),
		tuple(h, sym(h, "varset!"), sym(h, "x"), value.IntValue(2)),
	}
	_, err := c.Compile(forms, nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "not mutable")

	// the compiler is frozen: a second call returns the exact same error
	_, err2 := c.Compile(nil, nil)
	require.Equal(t, err, err2)
}

func TestCompileUnresolvedSymbol(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	c := compiler.New(h, g)
	_, err := c.Compile([]value.Value{sym(h, "nope")}, nil)
	require.ErrorContains(t, err, "unresolved symbol: nope")
}

// a runtime (non-constant) cond comes from a fn parameter: compileIf only
// emits JUMP_IF_NOT when the condition can't be resolved at compile time.
func TestCompileIfBothBranches(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "c")),
			tuple(h, sym(h, "if"), sym(h, "c"), value.IntValue(1), value.IntValue(2))))

	require.Len(t, def.Defs, 1)
	inner := def.Defs[0]
	ops := opsOf(inner.Code)
	require.Equal(t, []isa.Opcode{
		isa.JUMP_IF_NOT, isa.LOAD_INTEGER, isa.JUMP, isa.LOAD_INTEGER, isa.RETURN,
	}, ops)

	condJump := inner.Code[0]
	_, off := isa.DecodeSL(condJump)
	require.EqualValues(t, 3, off) // lands on the else branch's LOAD_INTEGER (index 3)

	skipJump := inner.Code[2]
	require.EqualValues(t, 2, isa.DecodeL(skipJump)) // lands past the else branch, on index 4
}

func TestCompileIfNoElseYieldsNil(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "c")),
			tuple(h, sym(h, "if"), sym(h, "c"), value.IntValue(1))))

	inner := def.Defs[0]
	require.Equal(t, []isa.Opcode{
		isa.JUMP_IF_NOT, isa.LOAD_INTEGER, isa.JUMP, isa.LOAD_NIL, isa.RETURN,
	}, opsOf(inner.Code))
}

// a constant-true cond short-circuits entirely: the else branch compiles
// (to type-check it) but leaves no opcode behind, and no JUMP_IF_NOT is
// emitted at all -- the then branch's own value flows straight to RETURN.
func TestCompileIfConstantTrueFoldsAwayElseBranch(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "if"), value.BoolValue(true), value.IntValue(1), value.IntValue(2)))

	require.Equal(t, []isa.Opcode{isa.LOAD_INTEGER, isa.RETURN}, opsOf(def.Code))
}

// the mirror image: a constant-false cond keeps only the else branch, and
// the then branch (1 here) never contributes any opcode.
func TestCompileIfConstantFalseFoldsAwayThenBranch(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "if"), value.BoolValue(false), value.IntValue(1), value.IntValue(2)))

	require.Equal(t, []isa.Opcode{isa.LOAD_INTEGER, isa.RETURN}, opsOf(def.Code))
	// the surviving LOAD_INTEGER must load 2 (the else arm), not 1.
	_, imm := isa.DecodeSI(def.Code[0])
	require.EqualValues(t, 2, imm)
}

// a constant-false cond with no else yields nil directly, with no
// JUMP_IF_NOT and no trace of the then branch's bytecode.
func TestCompileIfConstantFalseNoElseYieldsNil(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "if"), value.BoolValue(false), value.IntValue(1)))

	require.Equal(t, []isa.Opcode{isa.RETURN_NIL}, opsOf(def.Code))
}

// the unreachable arm of a constant-folded if must still be well-formed:
// an unresolved symbol there is a compile error even though its bytecode
// would have been rolled back.
func TestCompileIfConstantFoldedDeadBranchStillTypeChecked(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	c := compiler.New(h, g)
	_, err := c.Compile([]value.Value{
		tuple(h, sym(h, "if"), value.BoolValue(true), value.IntValue(1), sym(h, "nope")),
	}, nil)
	require.ErrorContains(t, err, "unresolved symbol: nope")
}

// a runtime cond still emits the full JUMP_IF_NOT/back-edge machinery.
func TestCompileWhileLoopsBack(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	g.Declare("f", value.BoolValue(true)) // stand-in callee, invoked for its side effect

	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "c")),
			tuple(h, sym(h, "while"), sym(h, "c"), tuple(h, sym(h, "f")))))

	inner := def.Defs[0]
	require.Equal(t, []isa.Opcode{
		isa.JUMP_IF_NOT, isa.LOAD_TRUE, isa.CALL, isa.JUMP, isa.RETURN_NIL,
	}, opsOf(inner.Code))

	require.Equal(t, isa.JUMP, inner.Code[3].Op())
	require.EqualValues(t, -3, isa.DecodeL(inner.Code[3])) // back to index 0

	_, off := isa.DecodeSL(inner.Code[0])
	require.EqualValues(t, 4, off) // past the back-jump, to RETURN_NIL
}

// a constant-true cond drops the per-iteration check: only the body and
// its unconditional back-edge remain.
func TestCompileWhileConstantTrueDropsCondCheck(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	g.Declare("f", value.BoolValue(true))

	def := compileOne(t, h, g,
		tuple(h, sym(h, "while"), value.BoolValue(true), tuple(h, sym(h, "f"))))

	require.Equal(t, []isa.Opcode{
		isa.LOAD_TRUE, isa.CALL, isa.JUMP, isa.RETURN_NIL,
	}, opsOf(def.Code))
	require.EqualValues(t, -2, isa.DecodeL(def.Code[2])) // back to index 0
}

// a constant-false cond never runs the body at all: the form folds
// straight to nil with zero opcodes for the loop.
func TestCompileWhileConstantFalseNeverRuns(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	g.Declare("f", value.BoolValue(true))

	def := compileOne(t, h, g,
		tuple(h, sym(h, "while"), value.BoolValue(false), tuple(h, sym(h, "f"))))

	require.Equal(t, []isa.Opcode{isa.RETURN_NIL}, opsOf(def.Code))
}

// the never-run body of a constant-false while still has to be
// well-formed.
func TestCompileWhileConstantFalseDeadBodyStillTypeChecked(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	c := compiler.New(h, g)
	_, err := c.Compile([]value.Value{
		tuple(h, sym(h, "while"), value.BoolValue(false), sym(h, "nope")),
	}, nil)
	require.ErrorContains(t, err, "unresolved symbol: nope")
}

func TestCompileAnonymousFnClosure(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "n")), sym(h, "n")))

	require.Len(t, def.Defs, 1)
	inner := def.Defs[0]
	require.Equal(t, 1, inner.Params)
	require.Equal(t, []isa.Opcode{isa.RETURN}, opsOf(inner.Code))

	require.Equal(t, isa.CLOSURE, def.Code[0].Op())
}

func TestCompileVariadicFnParamsExcludesRest(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	// (fn [a b & rest] rest) -- rest collects into register index Params (2)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "a"), sym(h, "b"), sym(h, "&"), sym(h, "rest")),
			sym(h, "rest")))

	require.Len(t, def.Defs, 1)
	inner := def.Defs[0]
	require.True(t, inner.Variadic)
	require.Equal(t, 2, inner.Params) // a, b are fixed; rest is not counted
	require.Len(t, inner.Locals, 3)
	require.Equal(t, []isa.Opcode{isa.RETURN}, opsOf(inner.Code))
}

func TestCompileNamedFnSelfRecursion(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), sym(h, "loop"), arr(h, sym(h, "n")),
			tuple(h, sym(h, "loop"), sym(h, "n"))))

	require.Len(t, def.Defs, 1)
	inner := def.Defs[0]
	require.Equal(t, "loop", inner.Name)

	var ops []isa.Opcode
	for _, w := range inner.Code {
		ops = append(ops, w.Op())
	}
	require.Contains(t, ops, isa.LOAD_SELF)
	require.Contains(t, ops, isa.TAILCALL)
	require.NotContains(t, ops, isa.RETURN)
	require.NotContains(t, ops, isa.RETURN_NIL)
}

func TestCompileUpvalueCapture(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	// (fn [n] (fn [] n))  -- inner fn captures outer's parameter n
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "n")),
			tuple(h, sym(h, "fn"), arr(h), sym(h, "n"))))

	outer := def.Defs[0]
	require.Len(t, outer.Defs, 1)
	inner := outer.Defs[0]

	require.Len(t, inner.Upvals, 1)
	require.True(t, inner.Upvals[0].FromParent)
	require.Equal(t, 0, inner.Upvals[0].Index) // n is register 0
	require.True(t, outer.NeedsEnv)

	var innerOps []isa.Opcode
	for _, w := range inner.Code {
		innerOps = append(innerOps, w.Op())
	}
	require.Contains(t, innerOps, isa.LOAD_UPVALUE)
}

func TestCompileMultiLevelUpvaluePropagation(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	// (fn [n] (fn [] (fn [] n)))
	def := compileOne(t, h, g,
		tuple(h, sym(h, "fn"), arr(h, sym(h, "n")),
			tuple(h, sym(h, "fn"), arr(h),
				tuple(h, sym(h, "fn"), arr(h), sym(h, "n")))))

	level1 := def.Defs[0]
	level2 := level1.Defs[0]
	level3 := level2.Defs[0]

	require.Len(t, level2.Upvals, 1)
	require.True(t, level2.Upvals[0].FromParent)
	require.Equal(t, 0, level2.Upvals[0].Index)

	require.Len(t, level3.Upvals, 1)
	require.False(t, level3.Upvals[0].FromParent)
	require.Equal(t, 0, level3.Upvals[0].Index) // indexes level2's own Upvals[0]
}

func TestCompileQuoteReturnsDataUnevaluated(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	quoted := tuple(h, sym(h, "nope-not-a-real-call"), value.IntValue(1))
	def := compileOne(t, h, g, tuple(h, sym(h, "quote"), quoted))
	require.NotEmpty(t, def.Code)
	require.Equal(t, isa.LOAD_CONSTANT, def.Code[0].Op())
}

func TestCompileTransferOneArg(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	def := compileOne(t, h, g, tuple(h, sym(h, "transfer"), value.IntValue(9)))

	var ops []isa.Opcode
	for _, w := range def.Code {
		ops = append(ops, w.Op())
	}
	require.Contains(t, ops, isa.TRANSFER)
}

func TestCompileArrayLiteralCallsHostCtor(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	g.Declare("array", value.BoolValue(true))

	def := compileOne(t, h, g, arr(h, value.IntValue(1), value.IntValue(2)))
	var ops []isa.Opcode
	for _, w := range def.Code {
		ops = append(ops, w.Op())
	}
	require.Contains(t, ops, isa.CALL)
}

func TestCompileArrayLiteralMissingCtorErrors(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	g := compiler.NewTableGlobals(h)
	c := compiler.New(h, g)
	_, err := c.Compile([]value.Value{arr(h, value.IntValue(1))}, nil)
	require.ErrorContains(t, err, `host constructor "array" is not registered`)
}

func opsOf(code []isa.Word) []isa.Opcode {
	ops := make([]isa.Opcode, len(code))
	for i, w := range code {
		ops[i] = w.Op()
	}
	return ops
}
