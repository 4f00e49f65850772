package value

import (
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/token"
)

// Local describes one slot of a FuncDef's register file, for
// disassembly/tracing purposes only; the VM itself addresses slots by
// index.
type Local struct {
	Name    string
	IsUpval bool // captured by at least one nested closure
}

// UpvalDesc tells a closure, at CLOSURE-instruction time, where to find
// the FuncEnv slot a nested FuncDef's upvalue N should be bound to: either
// a slot of the enclosing function's own register file (FromParent=true)
// or one of the enclosing function's own upvalues (FromParent=false),
// propagated transitively (spec.md §4.5's upvalue propagation algorithm).
type UpvalDesc struct {
	FromParent bool
	Index      int
}

// SourceMapEntry associates a run of bytecode starting at PC with a source
// position, per spec.md §4.5's source-map propagation requirement.
type SourceMapEntry struct {
	PC  int
	Pos token.Pos
}

// FuncDef is the static, immutable record produced by the compiler for
// one function body: its code, constants, nested function defs and
// register-file layout (spec.md §3.2). It is the unit the assembler
// serializes and disassembles (spec.md §4.4, §6.2).
type FuncDef struct {
	Name      string
	Pos       token.Pos
	Params    int // number of fixed parameters, always the first Params locals
	Variadic  bool
	NumSlots  int // size of the register file a Function built from this def needs
	NeedsEnv  bool
	Code      []isa.Word
	Constants []Value         // CONSTANT-opcode operands index into this
	Defs      []*FuncDef      // CLOSURE operand is a def index into this (never overloaded through Constants, see DESIGN.md)
	Upvals    []UpvalDesc     // one per entry of the closure's Envs, in order: Upvals[i] says where CLOSURE finds Envs[i] (see lang/vm's CLOSURE handler)
	Locals    []Local         // debug/disassembly info, one entry per named local (parameters first)
	SourceMap []SourceMapEntry
}

// MarkConstants marks fd's own Constants and, recursively, every nested
// FuncDef's Constants reachable through fd.Defs. A nested def's constants
// are only ever instantiated into a heap Value at its own CLOSURE
// instruction, which can run long after the enclosing function's
// FunctionObj was marked, so a Mark that stopped at fd.Constants would
// leave those nested constants invisible to the collector between the
// outer closure's creation and the inner one's (spec.md §8.1's
// intern-canonicality property depends on this walk reaching them).
func (fd *FuncDef) MarkConstants(h *gc.Heap) {
	for _, c := range fd.Constants {
		markChild(h, c)
	}
	for _, child := range fd.Defs {
		child.MarkConstants(h)
	}
}

// PosAt returns the source position of the instruction at pc, or the zero
// Pos if none is recorded (e.g. past the end of SourceMap).
func (fd *FuncDef) PosAt(pc int) token.Pos {
	best := token.Pos(0)
	for _, e := range fd.SourceMap {
		if e.PC > pc {
			break
		}
		best = e.Pos
	}
	return best
}
