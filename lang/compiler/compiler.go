// Package compiler implements spec.md §4.5's compiler: it walks the
// value.Value trees internal/reader produces (symbols, tuples, array/
// struct/table literals) and emits lang/isa bytecode directly into a
// value.FuncDef tree, with no intermediate CFG -- a form compiles straight
// to its instructions, in source order, the way the teacher's
// lang/compiler/asm.go text assembler emits straight-line code rather than
// the teacher's own lang/compiler/compiler.go (a Starlark-derived,
// block-linked/jump-threaded CFG compiler for a stack machine; see
// DESIGN.md for why that machinery doesn't carry over to a register
// machine whose instruction index already equals its address, the same
// simplification lang/asm relies on).
//
// The resolver's vocabulary here is grounded on the teacher's
// lang/resolver/binding.go: its five-way Scope (Local/Cell/Free/
// Predeclared/Universal) becomes this package's five-way slot kind
// (register/upvalue/constant/ref/self), and its "Locals, parameters first"
// register discipline becomes fnState's register allocator below.
package compiler

import (
	"fmt"

	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/token"
	"github.com/mna/corevm/lang/value"
)

// Positions maps a form (by Value identity -- heap-backed forms compare
// by pointer, so this works for Tuple/Array/Struct/Symbol nodes) to the
// source position internal/reader recorded for it. A zero Pos is used
// for forms absent from the map (e.g. ones synthesized by the compiler
// itself, such as a fn's implicit return-nil).
type Positions map[value.Value]token.Pos

// CompileError is the sticky error a Compiler freezes on: spec.md §4.5
// requires the first error to make every subsequent Compile call on the
// same Compiler a no-op that returns this same error, rather than using
// a non-local exit.
type CompileError struct {
	Pos token.Pos
	Msg string
}

func (e *CompileError) Error() string {
	if e.Pos == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%d: %s", e.Pos, e.Msg)
}

// Compiler holds the state shared by every top-level form compiled
// against one Globals: the sticky error, and (via Globals) the running
// set of def/var bindings earlier forms installed, so later forms can
// see them.
type Compiler struct {
	h       *gc.Heap
	globals Globals
	err     *CompileError
}

// New returns a Compiler that installs def/var bindings into globals and
// resolves unbound symbols from it.
func New(h *gc.Heap, globals Globals) *Compiler {
	return &Compiler{h: h, globals: globals}
}

// Err returns the sticky error that froze c, or nil if c has not failed.
func (c *Compiler) Err() error {
	if c.err == nil {
		return nil
	}
	return c.err
}

// Compile compiles forms as one implicit top-level `do` (result is the
// last form's value, every def/var form installs into c's Globals) into a
// fresh *value.FuncDef. If c has already failed, Compile is a no-op that
// returns the same error every previous failed call returned.
func (c *Compiler) Compile(forms []value.Value, positions Positions) (*value.FuncDef, error) {
	if c.err != nil {
		return nil, c.err
	}

	def := &value.FuncDef{Name: "toplevel"}
	fn := &fnState{def: def, top: true}
	ls := &lexScope{fn: fn, top: true}

	s, err := c.compileDo(ls, forms, positions, true, false)
	if err != nil {
		c.err = c.asCompileError(err)
		return nil, c.err
	}
	if err := c.finishBody(fn, s, 0); err != nil {
		c.err = c.asCompileError(err)
		return nil, c.err
	}
	def.NumSlots = fn.maxSlot
	def.NeedsEnv = fn.needsEnv
	return def, nil
}

// finishBody closes out a function's (or the toplevel's) code: a tail
// call already returns on its own, so it is left alone; otherwise the
// body's result slot is realized into a register and returned
// explicitly, RETURN_NIL only when that result is the nil constant.
func (c *Compiler) finishBody(fn *fnState, s slot, pos token.Pos) error {
	if n := len(fn.def.Code); n > 0 && fn.def.Code[n-1].Op() == isa.TAILCALL {
		return nil
	}
	if s.kind == slotConstant && s.constVal.Tag() == value.Nil {
		fn.emit(isa.Make(isa.RETURN_NIL), pos)
		return nil
	}
	reg, isTemp, err := c.materialize(fn, s, pos)
	if err != nil {
		return err
	}
	fn.emit(isa.MakeS(isa.RETURN, uint32(reg)), pos)
	postread(fn, reg, isTemp)
	return nil
}

func (c *Compiler) asCompileError(err error) *CompileError {
	if ce, ok := err.(*CompileError); ok {
		return ce
	}
	return &CompileError{Msg: err.Error()}
}

func (c *Compiler) errorf(pos token.Pos, format string, args ...interface{}) error {
	return &CompileError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// slotKind distinguishes the five ways spec.md §4.5 says a resolved name
// (or a self-evaluating literal) can be realized into a register.
type slotKind uint8

const (
	slotRegister slotKind = iota // a register in the current function's own frame
	slotUpvalue                  // SES-addressed: envIndex into fr.Closure.Envs, slotIndex within it
	slotConstant                 // a compile-time known value.Value, not yet in any register
	slotRef                      // a shared one-element value.Array (var's global cell)
	slotSelf                     // the function's own closure (LOAD_SELF), for unqualified recursion
)

// slot describes where a name's value is found, and how to read it into
// a register on demand (preread, in spec.md's terminology).
type slot struct {
	kind     slotKind
	reg      int // slotRegister: register index in owning fn's frame
	envIndex int // slotUpvalue: index into the current fn's own Upvals/Envs
	slotIdx  int // slotUpvalue: index within the captured frame's window
	constVal value.Value
	ref      value.Value // slotRef: the shared one-element array
	mutable  bool        // whether varset!/copy-back is permitted
}

// upvalKey dedups upvalue chains: the same ancestor-frame register should
// only ever occupy one Upvals entry per descending function.
type upvalKey struct {
	declFn *fnState
	reg    int
}

// fnState is one FUNCTION-scope boundary: spec.md §4.5's per-function
// register file, constants, nested defs and upvalue table.
type fnState struct {
	def        *value.FuncDef
	parent     *fnState
	nextSlot   int
	maxSlot    int
	needsEnv   bool
	top        bool
	constIdx   map[value.Value]int
	upvalCache map[upvalKey]int
	lastPos    token.Pos
}

func (fn *fnState) emit(w isa.Word, pos token.Pos) {
	fn.def.Code = append(fn.def.Code, w)
	if pos != 0 && pos != fn.lastPos {
		fn.def.SourceMap = append(fn.def.SourceMap, value.SourceMapEntry{PC: len(fn.def.Code) - 1, Pos: pos})
		fn.lastPos = pos
	}
}

func (fn *fnState) allocTemp() int {
	r := fn.nextSlot
	fn.nextSlot++
	if fn.nextSlot > fn.maxSlot {
		fn.maxSlot = fn.nextSlot
	}
	return r
}

// freeTemp releases r if it is the most recently allocated register
// (LIFO discipline); any other register stays reserved until the
// enclosing scope's exitScope resets nextSlot.
func (fn *fnState) freeTemp(r int) {
	if r == fn.nextSlot-1 {
		fn.nextSlot--
	}
}

func (fn *fnState) constIndex(v value.Value) int {
	if fn.constIdx == nil {
		fn.constIdx = map[value.Value]int{}
	}
	if i, ok := fn.constIdx[v]; ok {
		return i
	}
	i := len(fn.def.Constants)
	fn.def.Constants = append(fn.def.Constants, v)
	fn.constIdx[v] = i
	return i
}

// lexScope is one lexical block within a single fnState: the toplevel
// do, a fn's body, an if/while/do's body. Named bindings are a flat list
// per spec.md §4.5 ("named bindings as a linear list"); a scope's
// registers are reclaimed by restoring fn.nextSlot on exit.
type lexScope struct {
	parent    *lexScope
	fn        *fnState
	bindings  []binding
	savedNext int
	top       bool

	// unused marks a scope compiled only so its contents get type-checked
	// but whose bytecode must never actually run: the unreachable arm of
	// an if/while with a constant condition (spec.md §4.5's "UNUSED scope
	// trick"). savedCode/savedSM/savedLocals/savedLastPos snapshot the
	// enclosing fnState just before entering it, so exitScope can roll
	// every instruction, source-map entry and named local it emitted back
	// out once it's done.
	unused       bool
	savedCode    int
	savedSM      int
	savedLocals  int
	savedLastPos token.Pos
}

type binding struct {
	name string
	slot slot
}

func (c *Compiler) enterScope(parent *lexScope, unused bool) *lexScope {
	fn := parent.fn
	return &lexScope{
		parent: parent, fn: fn, savedNext: fn.nextSlot, top: false, unused: unused,
		savedCode: len(fn.def.Code), savedSM: len(fn.def.SourceMap),
		savedLocals: len(fn.def.Locals), savedLastPos: fn.lastPos,
	}
}

func (c *Compiler) exitScope(ls *lexScope) {
	ls.fn.nextSlot = ls.savedNext
	if ls.unused {
		fn := ls.fn
		fn.def.Code = fn.def.Code[:ls.savedCode]
		fn.def.SourceMap = fn.def.SourceMap[:ls.savedSM]
		fn.def.Locals = fn.def.Locals[:ls.savedLocals]
		fn.lastPos = ls.savedLastPos
	}
}

func (ls *lexScope) bind(name string, s slot) {
	ls.bindings = append(ls.bindings, binding{name: name, slot: s})
}

// resolve implements spec.md §4.5's scope-stack walk: innermost to
// outermost, building an upvalue chain the moment a hit crosses a
// function boundary, falling back to Globals on a total miss.
func (c *Compiler) resolve(ls *lexScope, name string) (slot, bool) {
	curFn := ls.fn
	for s := ls; s != nil; s = s.parent {
		for i := len(s.bindings) - 1; i >= 0; i-- {
			b := s.bindings[i]
			if b.name != name {
				continue
			}
			if s.fn == curFn {
				return b.slot, true
			}
			if b.slot.kind == slotSelf {
				// a nested closure reaching for an *enclosing* named fn's own
				// name: LOAD_SELF has no fixed register to capture as an
				// upvalue, so this binding is invisible past its own function
				// boundary. Keep searching outer scopes/globals instead of
				// resolving to it.
				continue
			}
			envIdx := c.ensureUpval(curFn, s.fn, b.slot.reg)
			return slot{kind: slotUpvalue, envIndex: envIdx, slotIdx: b.slot.reg, mutable: b.slot.mutable}, true
		}
	}
	if v, ok := c.globals.Get(name); ok {
		return slot{kind: slotConstant, constVal: v}, true
	}
	if ref, ok := c.globals.Ref(name); ok {
		return slot{kind: slotRef, ref: ref, mutable: true}, true
	}
	return slot{}, false
}

// ensureUpval returns the index into fn.def.Upvals that lets fn's own
// code reach register reg of declFn's frame (an ancestor of fn, possibly
// several FUNCTION-scopes removed), adding one UpvalDesc per intervening
// function and marking declFn.needsEnv, per spec.md §4.5's upvalue
// propagation algorithm.
func (c *Compiler) ensureUpval(fn, declFn *fnState, reg int) int {
	key := upvalKey{declFn, reg}
	if fn.upvalCache != nil {
		if idx, ok := fn.upvalCache[key]; ok {
			return idx
		}
	}
	var desc value.UpvalDesc
	if fn.parent == declFn {
		desc = value.UpvalDesc{FromParent: true, Index: reg}
		declFn.needsEnv = true
	} else {
		parentIdx := c.ensureUpval(fn.parent, declFn, reg)
		desc = value.UpvalDesc{FromParent: false, Index: parentIdx}
	}
	idx := len(fn.def.Upvals)
	fn.def.Upvals = append(fn.def.Upvals, desc)
	if fn.upvalCache == nil {
		fn.upvalCache = map[upvalKey]int{}
	}
	fn.upvalCache[key] = idx
	return idx
}

// materialize realizes s into a register of fn's own frame, allocating a
// fresh temp when s is not already one (spec.md §4.5's preread). isTemp
// reports whether the returned register was freshly allocated; only then
// may the caller release it with fn.freeTemp once done -- a slotRegister
// hit returns a named local's own register unchanged, and freeing that
// would let a later allocTemp clobber a binding still in scope (see
// postread in spec.md: freeing is conditional on preread having
// allocated a scratch register at all).
func (c *Compiler) materialize(fn *fnState, s slot, pos token.Pos) (reg int, isTemp bool, err error) {
	switch s.kind {
	case slotRegister:
		return s.reg, false, nil
	case slotSelf:
		r := fn.allocTemp()
		fn.emit(isa.MakeS(isa.LOAD_SELF, uint32(r)), pos)
		return r, true, nil
	case slotUpvalue:
		r := fn.allocTemp()
		fn.emit(isa.MakeSES(isa.LOAD_UPVALUE, uint8(r), uint8(s.envIndex), uint8(s.slotIdx)), pos)
		return r, true, nil
	case slotConstant:
		r := fn.allocTemp()
		c.emitLoadConstant(fn, r, s.constVal, pos)
		return r, true, nil
	case slotRef:
		r := fn.allocTemp()
		arrReg := fn.allocTemp()
		c.emitLoadConstant(fn, arrReg, s.ref, pos)
		fn.emit(isa.MakeSSU(isa.GET_INDEX, uint8(r), uint8(arrReg), 0), pos)
		fn.freeTemp(arrReg)
		return r, true, nil
	default:
		return 0, false, fmt.Errorf("compiler: unhandled slot kind %d", s.kind)
	}
}

// postread releases reg if materialize allocated it fresh, per spec.md's
// preread/postread pairing.
func postread(fn *fnState, reg int, isTemp bool) {
	if isTemp {
		fn.freeTemp(reg)
	}
}

// materializeInto realizes s straight into register target (used at
// convergence points like if/do where both branches must leave their
// result in the same place).
func (c *Compiler) materializeInto(fn *fnState, target int, s slot, pos token.Pos) error {
	switch s.kind {
	case slotRegister:
		if s.reg == target {
			return nil
		}
		fn.emit(isa.MakeSSS(isa.MOVE_NEAR, uint8(target), uint8(s.reg), 0), pos)
		return nil
	case slotSelf:
		fn.emit(isa.MakeS(isa.LOAD_SELF, uint32(target)), pos)
		return nil
	case slotUpvalue:
		fn.emit(isa.MakeSES(isa.LOAD_UPVALUE, uint8(target), uint8(s.envIndex), uint8(s.slotIdx)), pos)
		return nil
	case slotConstant:
		c.emitLoadConstant(fn, target, s.constVal, pos)
		return nil
	case slotRef:
		arrReg := fn.allocTemp()
		c.emitLoadConstant(fn, arrReg, s.ref, pos)
		fn.emit(isa.MakeSSU(isa.GET_INDEX, uint8(target), uint8(arrReg), 0), pos)
		fn.freeTemp(arrReg)
		return nil
	default:
		return fmt.Errorf("compiler: unhandled slot kind %d", s.kind)
	}
}

func (c *Compiler) emitLoadConstant(fn *fnState, reg int, v value.Value, pos token.Pos) {
	switch v.Tag() {
	case value.Nil:
		fn.emit(isa.MakeS(isa.LOAD_NIL, uint32(reg)), pos)
	case value.Bool:
		op := isa.LOAD_FALSE
		if v.AsBool() {
			op = isa.LOAD_TRUE
		}
		fn.emit(isa.MakeS(op, uint32(reg)), pos)
	case value.Int:
		if i := v.AsInt(); i >= -32768 && i <= 32767 {
			fn.emit(isa.MakeSI(isa.LOAD_INTEGER, uint8(reg), int16(i)), pos)
			return
		}
		idx := fn.constIndex(v)
		fn.emit(isa.MakeSC(isa.LOAD_CONSTANT, uint8(reg), uint16(idx)), pos)
	default:
		idx := fn.constIndex(v)
		fn.emit(isa.MakeSC(isa.LOAD_CONSTANT, uint8(reg), uint16(idx)), pos)
	}
}

// copy implements spec.md §4.5's copy(dest, src) slot-to-slot helper,
// used by varset! and by named-binding initialization.
func (c *Compiler) copy(fn *fnState, dest int, src slot, pos token.Pos) error {
	return c.materializeInto(fn, dest, src, pos)
}

// compileForm compiles one form to a slot holding its result. tail is
// true only when form is in tail position of the enclosing function body
// (enables TAILCALL); drop is true when the result will never be read
// (the form is still fully evaluated for side effects).
func (c *Compiler) compileForm(ls *lexScope, form value.Value, positions Positions, tail, drop bool) (slot, error) {
	pos := positions[form]
	switch form.Tag() {
	case value.Nil, value.Bool, value.Int, value.Real, value.Keyword, value.String, value.Buffer:
		return slot{kind: slotConstant, constVal: form}, nil
	case value.Symbol:
		name := value.SymbolName(form)
		s, ok := c.resolve(ls, name)
		if !ok {
			return slot{}, c.errorf(pos, "unresolved symbol: %s", name)
		}
		return s, nil
	case value.Tuple:
		return c.compileTuple(ls, form, positions, pos, tail, drop)
	case value.Array:
		return c.compileArrayLiteral(ls, form, positions, pos)
	case value.Struct:
		return c.compileStructLiteral(ls, form, positions, pos)
	case value.Table:
		return c.compileTableLiteral(ls, form, positions, pos)
	default:
		return slot{}, c.errorf(pos, "cannot compile a form of type %s", form.Type())
	}
}

var specialForms = map[string]bool{
	"quote": true, "def": true, "var": true, "varset!": true,
	"do": true, "if": true, "while": true, "fn": true, "transfer": true,
}

func (c *Compiler) compileTuple(ls *lexScope, form value.Value, positions Positions, pos token.Pos, tail, drop bool) (slot, error) {
	n := value.TupleLen(form)
	if n == 0 {
		return slot{}, c.errorf(pos, "empty form")
	}
	elems := value.TupleElems(form)
	if head := elems[0]; head.Tag() == value.Symbol {
		name := value.SymbolName(head)
		if specialForms[name] {
			return c.compileSpecialForm(ls, name, elems[1:], positions, pos, tail, drop)
		}
	}
	return c.compileCall(ls, elems, positions, pos, tail)
}

// compileCall implements ordinary Tuple application: compile head, then
// each argument, pushed in groups of 3/2/1 (PUSH_3/PUSH_2/PUSH), then
// CALL or TAILCALL.
func (c *Compiler) compileCall(ls *lexScope, elems []value.Value, positions Positions, pos token.Pos, tail bool) (slot, error) {
	fn := ls.fn
	headSlot, err := c.compileForm(ls, elems[0], positions, false, false)
	if err != nil {
		return slot{}, err
	}
	headReg, headTemp, err := c.materialize(fn, headSlot, pos)
	if err != nil {
		return slot{}, err
	}

	argRegs := make([]int, 0, len(elems)-1)
	argTemp := make([]bool, 0, len(elems)-1)
	for _, a := range elems[1:] {
		as, err := c.compileForm(ls, a, positions, false, false)
		if err != nil {
			return slot{}, err
		}
		r, isTemp, err := c.materialize(fn, as, pos)
		if err != nil {
			return slot{}, err
		}
		argRegs = append(argRegs, r)
		argTemp = append(argTemp, isTemp)
	}
	c.pushArgs(fn, argRegs, pos)
	for i := len(argRegs) - 1; i >= 0; i-- {
		postread(fn, argRegs[i], argTemp[i])
	}
	postread(fn, headReg, headTemp)

	if tail {
		fn.emit(isa.MakeS(isa.TAILCALL, uint32(headReg)), pos)
		return slot{kind: slotRegister, reg: 0}, nil
	}
	dest := fn.allocTemp()
	fn.emit(isa.MakeSS(isa.CALL, uint8(dest), uint16(headReg)), pos)
	return slot{kind: slotRegister, reg: dest}, nil
}

func (c *Compiler) pushArgs(fn *fnState, regs []int, pos token.Pos) {
	i := 0
	for len(regs)-i >= 3 {
		fn.emit(isa.MakeSSS(isa.PUSH_3, uint8(regs[i]), uint8(regs[i+1]), uint8(regs[i+2])), pos)
		i += 3
	}
	switch len(regs) - i {
	case 2:
		fn.emit(isa.MakeSSS(isa.PUSH_2, uint8(regs[i]), uint8(regs[i+1]), 0), pos)
	case 1:
		fn.emit(isa.MakeS(isa.PUSH, uint32(regs[i])), pos)
	}
}

// compileArrayLiteral, compileTableLiteral and compileStructLiteral
// implement spec.md §4.5's "Array/Table/struct literals = host make-*
// calls with pushed elements": the reader hands the literal to the
// compiler as a value.Array/value.Table/value.Struct whose element
// Values are themselves unevaluated forms, and compiling one emits a
// call to the host constructor bound to "array"/"table"/"struct" in
// Globals, pushing each compiled element.
func (c *Compiler) compileArrayLiteral(ls *lexScope, form value.Value, positions Positions, pos token.Pos) (slot, error) {
	elems := value.ArrayElems(form)
	return c.compileHostCtor(ls, "array", elems, positions, pos)
}

func (c *Compiler) compileTableLiteral(ls *lexScope, form value.Value, positions Positions, pos token.Pos) (slot, error) {
	var elems []value.Value
	value.TableIterate(form, func(k, v value.Value) bool {
		elems = append(elems, k, v)
		return true
	})
	return c.compileHostCtor(ls, "table", elems, positions, pos)
}

func (c *Compiler) compileStructLiteral(ls *lexScope, form value.Value, positions Positions, pos token.Pos) (slot, error) {
	var elems []value.Value
	for _, name := range value.StructFieldNames(form) {
		v, _ := value.StructGet(form, name)
		elems = append(elems, value.NewKeyword(c.h, name), v)
	}
	return c.compileHostCtor(ls, "struct", elems, positions, pos)
}

// compileHostCtor compiles elems (literal data for keys, forms needing
// compilation for values, already flattened by the caller) and calls the
// Globals-resolved constructor name with them pushed as arguments.
func (c *Compiler) compileHostCtor(ls *lexScope, name string, elems []value.Value, positions Positions, pos token.Pos) (slot, error) {
	headSlot, ok := c.resolve(ls, name)
	if !ok {
		return slot{}, c.errorf(pos, "host constructor %q is not registered", name)
	}
	fn := ls.fn
	headReg, headTemp, err := c.materialize(fn, headSlot, pos)
	if err != nil {
		return slot{}, err
	}
	argRegs := make([]int, 0, len(elems))
	argTemp := make([]bool, 0, len(elems))
	for _, e := range elems {
		es, err := c.compileForm(ls, e, positions, false, false)
		if err != nil {
			return slot{}, err
		}
		r, isTemp, err := c.materialize(fn, es, pos)
		if err != nil {
			return slot{}, err
		}
		argRegs = append(argRegs, r)
		argTemp = append(argTemp, isTemp)
	}
	c.pushArgs(fn, argRegs, pos)
	for i := len(argRegs) - 1; i >= 0; i-- {
		postread(fn, argRegs[i], argTemp[i])
	}
	postread(fn, headReg, headTemp)
	dest := fn.allocTemp()
	fn.emit(isa.MakeSS(isa.CALL, uint8(dest), uint16(headReg)), pos)
	return slot{kind: slotRegister, reg: dest}, nil
}
