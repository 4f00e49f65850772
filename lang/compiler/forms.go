package compiler

import (
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/token"
	"github.com/mna/corevm/lang/value"
)

// compileSpecialForm dispatches the nine forms spec.md §4.5 requires the
// compiler to special-case; args is the tuple's tail (everything after
// the form name itself).
func (c *Compiler) compileSpecialForm(ls *lexScope, name string, args []value.Value, positions Positions, pos token.Pos, tail, drop bool) (slot, error) {
	switch name {
	case "quote":
		return c.compileQuote(args, pos)
	case "def":
		return c.compileDef(ls, args, positions, pos)
	case "var":
		return c.compileVar(ls, args, positions, pos)
	case "varset!":
		return c.compileVarset(ls, args, positions, pos)
	case "do":
		return c.compileDoForm(ls, args, positions, tail, drop)
	case "if":
		return c.compileIf(ls, args, positions, pos, tail, drop)
	case "while":
		return c.compileWhile(ls, args, positions, pos)
	case "fn":
		return c.compileFn(ls, args, positions, pos)
	case "transfer":
		return c.compileTransfer(ls, args, positions, pos)
	default:
		return slot{}, c.errorf(pos, "unimplemented special form: %s", name)
	}
}

// quote returns its single argument as data, unevaluated.
func (c *Compiler) compileQuote(args []value.Value, pos token.Pos) (slot, error) {
	if len(args) != 1 {
		return slot{}, c.errorf(pos, "quote: want exactly 1 argument, got %d", len(args))
	}
	return slot{kind: slotConstant, constVal: args[0]}, nil
}

// def at top level registers name in the host environment as a REF cell
// (see DESIGN.md for why this package implements def identically to var
// rather than spec.md's literal "host make-table helper plus PUT"
// sketch: both ultimately need a way for the host to see a global
// binding, and the REF-via-one-element-array mechanism spec.md's own
// Open Question resolution already settles on for var serves def's case
// just as well, differing only in the mutable flag varset! consults).
// Elsewhere, def binds name directly to the value's own slot.
func (c *Compiler) compileDef(ls *lexScope, args []value.Value, positions Positions, pos token.Pos) (slot, error) {
	if len(args) != 2 {
		return slot{}, c.errorf(pos, "def: want exactly 2 arguments, got %d", len(args))
	}
	name, err := symbolName(args[0])
	if err != nil {
		return slot{}, c.errorf(pos, "def: %s", err)
	}
	return c.compileNamedBinding(ls, name, args[1], positions, pos, false)
}

// var is def's mutable counterpart: at top level it installs a REF cell
// varset! is allowed to rewrite; elsewhere it binds a fresh MUTABLE
// local.
func (c *Compiler) compileVar(ls *lexScope, args []value.Value, positions Positions, pos token.Pos) (slot, error) {
	if len(args) != 2 {
		return slot{}, c.errorf(pos, "var: want exactly 2 arguments, got %d", len(args))
	}
	name, err := symbolName(args[0])
	if err != nil {
		return slot{}, c.errorf(pos, "var: %s", err)
	}
	return c.compileNamedBinding(ls, name, args[1], positions, pos, true)
}

func (c *Compiler) compileNamedBinding(ls *lexScope, name string, valueForm value.Value, positions Positions, pos token.Pos, mutable bool) (slot, error) {
	fn := ls.fn
	valSlot, err := c.compileForm(ls, valueForm, positions, false, false)
	if err != nil {
		return slot{}, err
	}

	if ls.top {
		arr := value.NewArray(c.h, []value.Value{value.NilValue})
		valReg, valTemp, err := c.materialize(fn, valSlot, pos)
		if err != nil {
			return slot{}, err
		}
		arrReg := fn.allocTemp()
		c.emitLoadConstant(fn, arrReg, arr, pos)
		fn.emit(isa.MakeSSU(isa.PUT_INDEX, uint8(arrReg), uint8(valReg), 0), pos)
		fn.freeTemp(arrReg)
		postread(fn, valReg, valTemp)
		c.globals.DeclareRef(name, arr)
		ls.bind(name, slot{kind: slotRef, ref: arr, mutable: mutable})
		return slot{kind: slotRef, ref: arr, mutable: mutable}, nil
	}

	reg := fn.allocTemp()
	if err := c.materializeInto(fn, reg, valSlot, pos); err != nil {
		return slot{}, err
	}
	fn.def.Locals = append(fn.def.Locals, value.Local{Name: name})
	ls.bind(name, slot{kind: slotRegister, reg: reg, mutable: mutable})
	return slot{kind: slotRegister, reg: reg, mutable: mutable}, nil
}

// varset! requires a MUTABLE slot (a var, not a def or a let-bound
// parameter) and copies the new value into it.
func (c *Compiler) compileVarset(ls *lexScope, args []value.Value, positions Positions, pos token.Pos) (slot, error) {
	if len(args) != 2 {
		return slot{}, c.errorf(pos, "varset!: want exactly 2 arguments, got %d", len(args))
	}
	name, err := symbolName(args[0])
	if err != nil {
		return slot{}, c.errorf(pos, "varset!: %s", err)
	}
	target, ok := c.resolve(ls, name)
	if !ok {
		return slot{}, c.errorf(pos, "varset!: unresolved symbol: %s", name)
	}
	if !target.mutable {
		return slot{}, c.errorf(pos, "varset!: %s is not mutable", name)
	}

	fn := ls.fn
	valSlot, err := c.compileForm(ls, args[1], positions, false, false)
	if err != nil {
		return slot{}, err
	}

	switch target.kind {
	case slotRegister:
		if err := c.copy(fn, target.reg, valSlot, pos); err != nil {
			return slot{}, err
		}
		return target, nil
	case slotUpvalue:
		valReg, valTemp, err := c.materialize(fn, valSlot, pos)
		if err != nil {
			return slot{}, err
		}
		fn.emit(isa.MakeSES(isa.SET_UPVALUE, uint8(valReg), uint8(target.envIndex), uint8(target.slotIdx)), pos)
		postread(fn, valReg, valTemp)
		return target, nil
	case slotRef:
		valReg, valTemp, err := c.materialize(fn, valSlot, pos)
		if err != nil {
			return slot{}, err
		}
		arrReg := fn.allocTemp()
		c.emitLoadConstant(fn, arrReg, target.ref, pos)
		fn.emit(isa.MakeSSU(isa.PUT_INDEX, uint8(arrReg), uint8(valReg), 0), pos)
		fn.freeTemp(arrReg)
		postread(fn, valReg, valTemp)
		return target, nil
	default:
		return slot{}, c.errorf(pos, "varset!: %s is not assignable", name)
	}
}

// do introduces a lexical scope and compiles each form in sequence; only
// the last form's result is kept (propagated per tail/drop), matching
// spec.md's "do (scope-introducing block with TAIL/DROP result-
// propagation options)".
func (c *Compiler) compileDoForm(ls *lexScope, forms []value.Value, positions Positions, tail, drop bool) (slot, error) {
	child := c.enterScope(ls, false)
	s, err := c.compileDo(child, forms, positions, tail, drop)
	c.exitScope(child)
	return s, err
}

// compileDo compiles forms within an already-entered scope (used both by
// the `do` special form and by Compile's implicit top-level do).
func (c *Compiler) compileDo(ls *lexScope, forms []value.Value, positions Positions, tail, drop bool) (slot, error) {
	if len(forms) == 0 {
		return slot{kind: slotConstant, constVal: value.NilValue}, nil
	}
	for _, f := range forms[:len(forms)-1] {
		// every form is fully compiled (and so fully evaluated) regardless
		// of drop; only its resulting slot, never read, is discarded.
		if _, err := c.compileForm(ls, f, positions, false, true); err != nil {
			return slot{}, err
		}
	}
	last := forms[len(forms)-1]
	return c.compileForm(ls, last, positions, tail, drop)
}

// compileDeadBranch compiles form for type-checking only: it must be
// well-formed, but form is unreachable and must leave no trace in the
// enclosing function. Entering the scope as unused makes exitScope roll
// back every instruction, source-map entry and named local form added,
// on top of the ordinary register reclamation every scope exit does.
func (c *Compiler) compileDeadBranch(ls *lexScope, form value.Value, positions Positions) error {
	deadScope := c.enterScope(ls, true)
	_, err := c.compileForm(deadScope, form, positions, false, true)
	c.exitScope(deadScope)
	return err
}

// if evaluates cond, branches to else when falsy, and converges both
// branches' result into one register. A missing else branch yields nil.
// A constant cond short-circuits entirely: no runtime branch is
// emitted, the unreachable arm is compiled via compileDeadBranch (so it
// still must be well-formed) and its bytecode rolled back, and the live
// arm's own slot is returned directly instead of being copied into a
// fresh convergence register.
func (c *Compiler) compileIf(ls *lexScope, args []value.Value, positions Positions, pos token.Pos, tail, drop bool) (slot, error) {
	if len(args) != 2 && len(args) != 3 {
		return slot{}, c.errorf(pos, "if: want 2 or 3 arguments, got %d", len(args))
	}
	fn := ls.fn
	condSlot, err := c.compileForm(ls, args[0], positions, false, false)
	if err != nil {
		return slot{}, err
	}

	if condSlot.kind == slotConstant {
		hasElse := len(args) == 3
		var elseForm value.Value
		if hasElse {
			elseForm = args[2]
		}

		var liveForm, deadForm value.Value
		var hasLive, hasDead bool
		if condSlot.constVal.Truth() {
			liveForm, hasLive = args[1], true
			if hasElse {
				deadForm, hasDead = elseForm, true
			}
		} else {
			if hasElse {
				liveForm, hasLive = elseForm, true
			}
			deadForm, hasDead = args[1], true
		}

		if hasDead {
			if err := c.compileDeadBranch(ls, deadForm, positions); err != nil {
				return slot{}, err
			}
		}
		if !hasLive {
			return slot{kind: slotConstant, constVal: value.NilValue}, nil
		}
		liveScope := c.enterScope(ls, false)
		liveSlot, err := c.compileForm(liveScope, liveForm, positions, tail, drop)
		c.exitScope(liveScope)
		return liveSlot, err
	}

	condReg, condTemp, err := c.materialize(fn, condSlot, pos)
	if err != nil {
		return slot{}, err
	}
	jumpIfNotIdx := len(fn.def.Code)
	fn.emit(isa.MakeSL(isa.JUMP_IF_NOT, uint8(condReg), 0), pos)
	postread(fn, condReg, condTemp)

	result := fn.allocTemp()

	// branches never inherit tail position: converging both arms into one
	// result register only works if a branch that ends in a call actually
	// leaves its result there rather than tail-returning out of the
	// enclosing function. A caller in tail position still gets the usual
	// RETURN emitted after the if as a whole by finishBody.
	thenScope := c.enterScope(ls, false)
	thenSlot, err := c.compileForm(thenScope, args[1], positions, false, drop)
	c.exitScope(thenScope)
	if err != nil {
		return slot{}, err
	}
	if err := c.materializeInto(fn, result, thenSlot, pos); err != nil {
		return slot{}, err
	}
	jumpEndIdx := len(fn.def.Code)
	fn.emit(isa.MakeL(isa.JUMP, 0), pos)

	elseIdx := len(fn.def.Code)
	patchSL(fn, jumpIfNotIdx, elseIdx-jumpIfNotIdx)

	if len(args) == 3 {
		elseScope := c.enterScope(ls, false)
		elseSlot, err := c.compileForm(elseScope, args[2], positions, false, drop)
		c.exitScope(elseScope)
		if err != nil {
			return slot{}, err
		}
		if err := c.materializeInto(fn, result, elseSlot, pos); err != nil {
			return slot{}, err
		}
	} else {
		c.emitLoadConstant(fn, result, value.NilValue, pos)
	}

	endIdx := len(fn.def.Code)
	patchL(fn, jumpEndIdx, endIdx-jumpEndIdx)

	return slot{kind: slotRegister, reg: result}, nil
}

// while loops while cond is truthy, dropping the body's result each
// iteration; the form itself always evaluates to nil. A constant-false
// cond short-circuits to nil without ever running the loop (the body is
// still compiled via compileDeadBranch to type-check it, then rolled
// back); a constant-true cond drops the per-iteration runtime check
// entirely, leaving only the body and its unconditional back-edge.
func (c *Compiler) compileWhile(ls *lexScope, args []value.Value, positions Positions, pos token.Pos) (slot, error) {
	if len(args) != 2 {
		return slot{}, c.errorf(pos, "while: want exactly 2 arguments, got %d", len(args))
	}
	fn := ls.fn
	topIdx := len(fn.def.Code)

	condSlot, err := c.compileForm(ls, args[0], positions, false, false)
	if err != nil {
		return slot{}, err
	}

	if condSlot.kind == slotConstant {
		if !condSlot.constVal.Truth() {
			if err := c.compileDeadBranch(ls, args[1], positions); err != nil {
				return slot{}, err
			}
			return slot{kind: slotConstant, constVal: value.NilValue}, nil
		}

		bodyScope := c.enterScope(ls, false)
		_, err := c.compileForm(bodyScope, args[1], positions, false, true)
		c.exitScope(bodyScope)
		if err != nil {
			return slot{}, err
		}
		backIdx := len(fn.def.Code)
		fn.emit(isa.MakeL(isa.JUMP, int32(topIdx-backIdx)), pos)
		return slot{kind: slotConstant, constVal: value.NilValue}, nil
	}

	condReg, condTemp, err := c.materialize(fn, condSlot, pos)
	if err != nil {
		return slot{}, err
	}
	jumpEndIdx := len(fn.def.Code)
	fn.emit(isa.MakeSL(isa.JUMP_IF_NOT, uint8(condReg), 0), pos)
	postread(fn, condReg, condTemp)

	bodyScope := c.enterScope(ls, false)
	_, err = c.compileForm(bodyScope, args[1], positions, false, true)
	c.exitScope(bodyScope)
	if err != nil {
		return slot{}, err
	}

	backIdx := len(fn.def.Code)
	fn.emit(isa.MakeL(isa.JUMP, int32(topIdx-backIdx)), pos)

	endIdx := len(fn.def.Code)
	patchSL(fn, jumpEndIdx, endIdx-jumpEndIdx)

	return slot{kind: slotConstant, constVal: value.NilValue}, nil
}

// fn compiles a function literal: `(fn [params...] body...)` (anonymous)
// or `(fn name [params...] body...)` (named, self-referencing inside its
// own body via LOAD_SELF rather than an upvalue capture). & before the
// last parameter marks the function variadic.
func (c *Compiler) compileFn(ls *lexScope, args []value.Value, positions Positions, pos token.Pos) (slot, error) {
	if len(args) < 1 {
		return slot{}, c.errorf(pos, "fn: missing parameter list")
	}
	rest := args
	name := ""
	if n, err := symbolName(args[0]); err == nil {
		name = n
		rest = args[1:]
	}
	if len(rest) < 1 || rest[0].Tag() != value.Array {
		return slot{}, c.errorf(pos, "fn: expected a parameter array")
	}
	paramForms := value.ArrayElems(rest[0])
	body := rest[1:]

	params := make([]string, 0, len(paramForms))
	variadic := false
	for i, p := range paramForms {
		pname, err := symbolName(p)
		if err != nil {
			return slot{}, c.errorf(pos, "fn: %s", err)
		}
		if pname == "&" {
			if i != len(paramForms)-2 {
				return slot{}, c.errorf(pos, "fn: & must mark exactly the last parameter")
			}
			variadic = true
			continue
		}
		params = append(params, pname)
	}

	// Params counts only the FIXED parameters; when variadic, the extra
	// trailing name in params is the register fiber.FuncFrame collects the
	// rest-tuple into (register index Params itself), not a fixed param.
	numFixed := len(params)
	if variadic {
		numFixed--
	}

	parentFn := ls.fn
	def := &value.FuncDef{Name: name, Pos: pos, Params: numFixed, Variadic: variadic}
	fn := &fnState{def: def, parent: parentFn}
	fn.nextSlot = len(params)
	fn.maxSlot = len(params)

	childLs := &lexScope{parent: ls, fn: fn}
	if name != "" {
		childLs.bind(name, slot{kind: slotSelf})
	}
	for _, p := range params {
		fn.def.Locals = append(fn.def.Locals, value.Local{Name: p})
		childLs.bind(p, slot{kind: slotRegister, reg: len(childLs.fn.def.Locals) - 1})
	}

	s, err := c.compileDo(childLs, body, positions, true, false)
	if err != nil {
		return slot{}, err
	}
	if err := c.finishBody(fn, s, pos); err != nil {
		return slot{}, err
	}
	def.NumSlots = fn.maxSlot
	def.NeedsEnv = fn.needsEnv

	defIdx := len(parentFn.def.Defs)
	parentFn.def.Defs = append(parentFn.def.Defs, def)
	dest := parentFn.allocTemp()
	parentFn.emit(isa.MakeSD(isa.CLOSURE, uint8(dest), uint16(defIdx)), pos)

	result := slot{kind: slotRegister, reg: dest}
	if name != "" {
		ls.bind(name, result)
	}
	return result, nil
}

// transfer evaluates to either (transfer value), yielding to the current
// fiber's parent, or (transfer target value), switching execution to
// another fiber. Its own result is the value a later transfer back into
// this point delivers.
func (c *Compiler) compileTransfer(ls *lexScope, args []value.Value, positions Positions, pos token.Pos) (slot, error) {
	if len(args) != 1 && len(args) != 2 {
		return slot{}, c.errorf(pos, "transfer: want 1 or 2 arguments, got %d", len(args))
	}
	fn := ls.fn
	var targetForm, valForm value.Value
	if len(args) == 1 {
		targetForm = value.NilValue
		valForm = args[0]
	} else {
		targetForm = args[0]
		valForm = args[1]
	}

	targetSlot, err := c.compileForm(ls, targetForm, positions, false, false)
	if err != nil {
		return slot{}, err
	}
	targetReg, targetTemp, err := c.materialize(fn, targetSlot, pos)
	if err != nil {
		return slot{}, err
	}
	valSlot, err := c.compileForm(ls, valForm, positions, false, false)
	if err != nil {
		return slot{}, err
	}
	valReg, valTemp, err := c.materialize(fn, valSlot, pos)
	if err != nil {
		return slot{}, err
	}

	dest := fn.allocTemp()
	fn.emit(isa.MakeSSS(isa.TRANSFER, uint8(dest), uint8(targetReg), uint8(valReg)), pos)
	postread(fn, valReg, valTemp)
	postread(fn, targetReg, targetTemp)
	return slot{kind: slotRegister, reg: dest}, nil
}

func symbolName(v value.Value) (string, error) {
	if v.Tag() != value.Symbol {
		return "", errNotASymbol
	}
	return value.SymbolName(v), nil
}

var errNotASymbol = errString("expected a symbol")

type errString string

func (e errString) Error() string { return string(e) }

func patchSL(fn *fnState, idx, offset int) {
	w := fn.def.Code[idx]
	reg, _ := isa.DecodeSL(w)
	fn.def.Code[idx] = isa.MakeSL(w.Op(), reg, int16(offset))
}

func patchL(fn *fnState, idx, offset int) {
	w := fn.def.Code[idx]
	fn.def.Code[idx] = isa.MakeL(w.Op(), int32(offset))
}
