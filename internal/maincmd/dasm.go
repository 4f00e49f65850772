package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/corevm/lang/asm"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/mainer"
)

// Dasm reads and compiles a source file exactly as Run does, but prints
// the resulting toplevel FuncDef's disassembly instead of executing it:
// unlike Asm, this is not a round-trip of hand-written assembler text,
// it shows what the compiler itself produced for that source.
func (c *Cmd) Dasm(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, DasmFile(ctx, stdio, args[0]))
}

func DasmFile(ctx context.Context, stdio mainer.Stdio, path string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h := gc.NewHeap(cfg.GCThreshold)
	def, err := compileFile(h, path)
	if err != nil {
		return err
	}

	text, err := asm.Dasm(def)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	_, err = stdio.Stdout.Write(text)
	return err
}
