package asm

import (
	"bytes"
	"fmt"

	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/value"
)

// Dasm renders top (and every FuncDef transitively reachable through its
// Defs tree) to the text format Asm parses. Each distinct *value.FuncDef
// is emitted exactly once, in a flat list with top placed first, and
// defs: sections reference that flat list by index -- the inverse of
// Asm's resolution pass.
func Dasm(top *value.FuncDef) ([]byte, error) {
	d := &dasm{buf: new(bytes.Buffer), index: map[*value.FuncDef]int{}}
	d.flatten(top)
	for i, fn := range d.order {
		if i > 0 {
			d.write("\n")
		}
		d.function(fn)
		if d.err != nil {
			return nil, d.err
		}
	}
	return d.buf.Bytes(), nil
}

type dasm struct {
	buf   *bytes.Buffer
	order []*value.FuncDef
	index map[*value.FuncDef]int
	err   error
}

// flatten assigns flat-list indices in pre-order, the same order Asm
// assigns them as it reads function: blocks top to bottom.
func (d *dasm) flatten(fn *value.FuncDef) int {
	if i, ok := d.index[fn]; ok {
		return i
	}
	i := len(d.order)
	d.index[fn] = i
	d.order = append(d.order, fn)
	for _, nested := range fn.Defs {
		d.flatten(nested)
	}
	return i
}

func (d *dasm) function(fn *value.FuncDef) {
	d.writef("function: %s %d %d", fn.Name, fn.Params, fn.NumSlots)
	if fn.Variadic {
		d.write(" +variadic")
	}
	if fn.NeedsEnv {
		d.write(" +needsenv")
	}
	d.write("\n")

	if len(fn.Locals) > 0 {
		d.write("\tlocals:\n")
		for i, l := range fn.Locals {
			suffix := ""
			if l.IsUpval {
				suffix = " upval"
			}
			d.writef("\t\t%s%s\t# %03d\n", l.Name, suffix, i)
		}
	}

	if len(fn.Upvals) > 0 {
		d.write("\tupvals:\n")
		for i, u := range fn.Upvals {
			kind := "outer"
			if u.FromParent {
				kind = "parent"
			}
			d.writef("\t\t%s %d\t# %03d\n", kind, u.Index, i)
		}
	}

	if len(fn.Constants) > 0 {
		d.write("\tconstants:\n")
		for i, c := range fn.Constants {
			if err := d.constant(c); err != nil {
				d.err = err
				return
			}
			d.writef("\t# %03d\n", i)
		}
	}

	if len(fn.Defs) > 0 {
		d.write("\tdefs:\n")
		for i, nested := range fn.Defs {
			d.writef("\t\t%d\t# %03d\n", d.index[nested], i)
		}
	}

	if len(fn.SourceMap) > 0 {
		d.write("\tsourcemap:\n")
		for _, e := range fn.SourceMap {
			d.writef("\t\t%d %d\n", e.PC, e.Pos)
		}
	}

	if len(fn.Code) > 0 {
		d.write("\tcode:\n")
		for i, w := range fn.Code {
			if err := d.instr(i, w); err != nil {
				d.err = err
				return
			}
		}
	}
}

func (d *dasm) constant(c value.Value) error {
	switch c.Tag() {
	case value.Nil:
		d.write("\t\tnil\t")
	case value.Bool:
		if c.AsBool() {
			d.write("\t\ttrue\t")
		} else {
			d.write("\t\tfalse\t")
		}
	case value.Int:
		d.writef("\t\tint %d\t", c.AsInt())
	case value.Real:
		d.writef("\t\tfloat %g\t", c.AsReal())
	case value.String:
		d.writef("\t\tstring %q\t", value.StringData(c))
	case value.Symbol:
		d.writef("\t\tsymbol %s\t", value.SymbolName(c))
	case value.Keyword:
		d.writef("\t\tkeyword %s\t", value.SymbolName(c))
	default:
		return fmt.Errorf("unsupported constant type: %s", c.Type())
	}
	return nil
}

func (d *dasm) instr(i int, w isa.Word) error {
	op := w.Op()
	operands, err := decodeOperands(op, w)
	if err != nil {
		return fmt.Errorf("instruction %d: %w", i, err)
	}
	if len(operands) == 0 {
		d.writef("\t\t%s\t# %03d\n", op, i)
		return nil
	}
	d.writef("\t\t%s %s\t# %03d\n", op, joinOperands(operands), i)
	return nil
}

func joinOperands(operands []string) string {
	s := operands[0]
	for _, o := range operands[1:] {
		s += " " + o
	}
	return s
}

// decodeOperands renders w's operands as the numeric tokens Asm expects.
// Jump targets have no label names to recover from an address alone, so
// they render as a literal signed relative offset (e.g. "+3"); Asm's
// jumpOffset accepts this form directly as well as a label name.
func decodeOperands(op isa.Opcode, w isa.Word) ([]string, error) {
	switch op.Shape() {
	case isa.ShapeNone:
		return nil, nil
	case isa.ShapeS:
		return []string{fmt.Sprint(isa.DecodeS(w))}, nil
	case isa.ShapeL:
		off := isa.DecodeL(w)
		return []string{fmt.Sprintf("%+d", off)}, nil
	case isa.ShapeSS:
		a, b := isa.DecodeSS(w)
		return []string{fmt.Sprint(a), fmt.Sprint(b)}, nil
	case isa.ShapeSL:
		a, off := isa.DecodeSL(w)
		return []string{fmt.Sprint(a), fmt.Sprintf("%+d", off)}, nil
	case isa.ShapeST:
		a, ts := isa.DecodeST(w)
		return []string{fmt.Sprint(a), fmt.Sprint(ts)}, nil
	case isa.ShapeSI:
		a, imm := isa.DecodeSI(w)
		return []string{fmt.Sprint(a), fmt.Sprint(imm)}, nil
	case isa.ShapeSU:
		a, imm := isa.DecodeSU(w)
		return []string{fmt.Sprint(a), fmt.Sprint(imm)}, nil
	case isa.ShapeSC:
		a, idx := isa.DecodeSC(w)
		return []string{fmt.Sprint(a), fmt.Sprint(idx)}, nil
	case isa.ShapeSD:
		a, idx := isa.DecodeSD(w)
		return []string{fmt.Sprint(a), fmt.Sprint(idx)}, nil
	case isa.ShapeSSS:
		a, b, c := isa.DecodeSSS(w)
		return []string{fmt.Sprint(a), fmt.Sprint(b), fmt.Sprint(c)}, nil
	case isa.ShapeSSI:
		a, b, imm := isa.DecodeSSI(w)
		return []string{fmt.Sprint(a), fmt.Sprint(b), fmt.Sprint(imm)}, nil
	case isa.ShapeSSU:
		a, b, imm := isa.DecodeSSU(w)
		return []string{fmt.Sprint(a), fmt.Sprint(b), fmt.Sprint(imm)}, nil
	case isa.ShapeSES:
		a, env, slot := isa.DecodeSES(w)
		return []string{fmt.Sprint(a), fmt.Sprint(env), fmt.Sprint(slot)}, nil
	default:
		return nil, fmt.Errorf("unsupported shape %d for opcode %s", op.Shape(), op)
	}
}

func (d *dasm) writef(format string, args ...any) {
	d.write(fmt.Sprintf(format, args...))
}

func (d *dasm) write(s string) {
	if d.err != nil {
		return
	}
	_, d.err = d.buf.WriteString(s)
}
