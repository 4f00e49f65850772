package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/corevm/lang/gc"
	"github.com/mna/mainer"
)

// Run reads a source file, compiles it with this runtime's front end
// (internal/reader + lang/compiler) and executes the resulting toplevel
// function on a fresh fiber, printing its result to stdout.
func (c *Cmd) Run(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return printError(stdio, RunFile(ctx, stdio, args[0], c.Trace))
}

func RunFile(ctx context.Context, stdio mainer.Stdio, path string, withTrace bool) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h := gc.NewHeap(cfg.GCThreshold)
	def, err := compileFile(h, path)
	if err != nil {
		return err
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
