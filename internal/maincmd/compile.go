package maincmd

import (
	"fmt"
	"os"

	"github.com/mna/corevm/internal/reader"
	"github.com/mna/corevm/lang/compiler"
	"github.com/mna/corevm/lang/fiber"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/value"
	"github.com/mna/corevm/lang/vm"
)

// compileFile reads and compiles a single source file on h, using the
// same front end (internal/reader + lang/compiler) for both run and
// dasm: dasm is not a round-trip of an asm listing, it shows exactly
// what the compiler produced for that source.
func compileFile(h *gc.Heap, path string) (*value.FuncDef, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	forms, positions, err := reader.Read(h, src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c := compiler.New(h, newGlobals(h))
	def, err := c.Compile(forms, positions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// runDef allocates a fresh fiber targeting def's toplevel closure (no
// upvalues: a toplevel function never closes over anything) and drives
// it to completion, threading cfg's GC/step tunables and an optional
// trace sink the way every entry point that executes code needs to.
func runDef(h *gc.Heap, def *value.FuncDef, cfg Config, trace func(string)) (value.Value, error) {
	callee := value.NewFunction(h, def, nil)
	fv, err := fiber.New(h, callee, def.NumSlots)
	if err != nil {
		return value.Value{}, err
	}
	opts := vm.Options{Trace: trace, MaxSteps: cfg.MaxSteps}
	return vm.Resume(h, fv, value.Value{}, opts)
}
