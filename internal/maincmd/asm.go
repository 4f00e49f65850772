package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mna/corevm/lang/asm"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/mainer"
)

// Asm reads a text-format assembler listing (lang/asm's grammar) and
// executes the resulting toplevel function, printing its result.
func (c *Cmd) Asm(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, AsmFile(ctx, stdio, args[0], c.Trace))
}

func AsmFile(ctx context.Context, stdio mainer.Stdio, path string, withTrace bool) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	h := gc.NewHeap(cfg.GCThreshold)
	def, err := asm.Asm(h, src)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var trace func(string)
	if withTrace {
		trace = func(line string) { fmt.Fprintln(stdio.Stderr, line) }
	}

	res, err := runDef(h, def, cfg, trace)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintln(stdio.Stdout, res.String())
	return nil
}
