package maincmd

import (
	"fmt"

	"github.com/mna/corevm/lang/compiler"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/value"
)

// newGlobals returns the Globals a corevm source file compiles against:
// a TableGlobals pre-populated with the array/table/struct host
// constructors literal forms compile down to (lang/compiler.
// compileHostCtor), per SPEC_FULL.md §11.
func newGlobals(h *gc.Heap) *compiler.TableGlobals {
	g := compiler.NewTableGlobals(h)
	g.Declare("array", value.CFunctionValue(&value.CFunctionObj{Name: "array", Fn: ctorArray}))
	g.Declare("table", value.CFunctionValue(&value.CFunctionObj{Name: "table", Fn: ctorTable}))
	g.Declare("struct", value.CFunctionValue(&value.CFunctionObj{Name: "struct", Fn: ctorStruct}))
	return g
}

func ctorArray(h *gc.Heap, args []value.Value) (value.Value, error) {
	return value.NewArray(h, append([]value.Value(nil), args...)), nil
}

func ctorTable(h *gc.Heap, args []value.Value) (value.Value, error) {
	if len(args)%2 != 0 {
		return value.Value{}, fmt.Errorf("table: expected an even number of key/value arguments, got %d", len(args))
	}
	t := value.NewTable(h, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		value.TablePut(t, args[i], args[i+1])
	}
	return t, nil
}

func ctorStruct(h *gc.Heap, args []value.Value) (value.Value, error) {
	if len(args)%2 != 0 {
		return value.Value{}, fmt.Errorf("struct: expected an even number of field name/value arguments, got %d", len(args))
	}
	fields := make(map[string]value.Value, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if args[i].Tag() != value.Keyword {
			return value.Value{}, fmt.Errorf("struct: field name at argument %d must be a keyword", i)
		}
		fields[value.SymbolName(args[i])] = args[i+1]
	}
	return value.NewStruct(h, fields), nil
}
