package compiler

import (
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/value"
)

// Globals abstracts the host environment a top-level def/var installs
// into and every unresolved symbol falls back to, per spec.md §4.5's
// symbol-resolution algorithm ("on total miss, consult a host-provided
// global environment yielding either a CONSTANT or REF slot").
//
// Ref/DeclareRef handle top-level def and var alike: a name bound to a
// one-element value.Array shared by every reference to it, read and
// written through GET_INDEX/PUT_INDEX at index 0 rather than a dedicated
// opcode (see forms.go); only a var's binding accepts varset!. Get/Declare
// hold values bound before compilation, such as the constructors that
// literal forms compile to.
type Globals interface {
	Get(name string) (value.Value, bool)
	Declare(name string, v value.Value)
	Ref(name string) (value.Value, bool)
	DeclareRef(name string, arr value.Value)
}

// TableGlobals is the default Globals implementation: a host environment
// backed by one value.Table for Get/Declare and a plain Go map of the
// one-element value.Array cells var creates, one per name. A real host
// embedding this runtime (SPEC_FULL.md §3) would supply its own Globals
// wired to whatever builtins it exposes; cmd/corevm uses TableGlobals,
// pre-populated with the array/table/struct constructors literal
// array/table/struct forms compile down to (see forms.go,
// internal/maincmd/globals.go).
type TableGlobals struct {
	h     *gc.Heap
	table value.Value
	refs  map[string]value.Value
}

// NewTableGlobals returns a Globals backed by a fresh value.Table.
func NewTableGlobals(h *gc.Heap) *TableGlobals {
	return &TableGlobals{h: h, table: value.NewTable(h, 32), refs: map[string]value.Value{}}
}

func (g *TableGlobals) Get(name string) (value.Value, bool) {
	return value.TableGet(g.table, value.NewString(g.h, name))
}

func (g *TableGlobals) Declare(name string, v value.Value) {
	value.TablePut(g.table, value.NewString(g.h, name), v)
}

func (g *TableGlobals) Ref(name string) (value.Value, bool) {
	v, ok := g.refs[name]
	return v, ok
}

func (g *TableGlobals) DeclareRef(name string, arr value.Value) {
	g.refs[name] = arr
}
