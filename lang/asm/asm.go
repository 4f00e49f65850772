// Package asm implements spec.md §4.4's human-readable assembler and
// disassembler for compiled FuncDefs. It is the direct generalization of
// the teacher's lang/compiler/asm.go text format -- same two-pass label
// resolution, same lexicographic-mnemonic-table philosophy, same
// "arguments are just numbers" encoding -- carried over to this runtime's
// register bytecode instead of the teacher's stack bytecode. Because every
// isa.Word is a fixed 4 bytes, instruction index and instruction address
// coincide here, which is simpler than the teacher's varint-encoded
// variable-length instructions: no indexToAddr translation table is
// needed, only the label-to-index map.
//
// Text format (indentation is cosmetic; section order within a function
// is not):
//
//	function: name params numslots [+variadic] [+needsenv]
//		locals:
//			n                  # name, declared in slot order
//		upvals:
//			parent 0           # FromParent=true,  Index 0
//			outer 2            # FromParent=false, Index 2
//		constants:
//			nil
//			true
//			false
//			int 42
//			float 3.5
//			string "hi"
//			symbol foo
//			keyword bar
//		defs:
//			1 2                # indices into the flat function list below,
//		                       # in CLOSURE-operand order for this function
//		sourcemap:
//			0 17               # pc, byte offset
//		code:
//			loop:              # label, bound to the next instruction's index
//			load-integer r0 1
//			jump loop
//			return r0
//
// A program may list more than one function: block; the first one is the
// toplevel FuncDef returned by Asm, the rest are only reachable as nested
// defs via some function's defs: section (resolved by flat-list index,
// exactly mirroring how CLOSURE's own operand resolves by local-defs-list
// index within one function).
package asm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/token"
	"github.com/mna/corevm/lang/value"
)

var sections = map[string]bool{
	"function:":   true,
	"locals:":     true,
	"upvals:":     true,
	"constants:":  true,
	"defs:":       true,
	"sourcemap:":  true,
	"code:":       true,
}

// Asm parses b and returns the toplevel FuncDef it declares (the first
// function: block), with every nested defs: reference resolved into the
// FuncDef.Defs tree. Constants that require heap allocation (string,
// symbol, keyword) are allocated on h.
func Asm(h *gc.Heap, b []byte) (*value.FuncDef, error) {
	a := &asm{h: h, s: bufio.NewScanner(bytes.NewReader(b))}

	fields := a.next()
	var defRefs [][]int // defRefs[i] holds the flat indices fns[i].Defs resolves to
	for a.err == nil && len(fields) > 0 && strings.EqualFold(fields[0], "function:") {
		fn, refs, rest := a.function(fields)
		if a.err != nil {
			break
		}
		a.fns = append(a.fns, fn)
		defRefs = append(defRefs, refs)
		fields = rest
	}

	if a.err == nil && len(fields) > 0 {
		a.err = fmt.Errorf("unexpected section: %s", fields[0])
	}
	if a.err == nil && len(a.fns) == 0 {
		a.err = errors.New("missing toplevel function")
	}
	if a.err != nil {
		return nil, a.err
	}

	for i, fn := range a.fns {
		for _, idx := range defRefs[i] {
			if idx < 0 || idx >= len(a.fns) {
				return nil, fmt.Errorf("function %q: def index %d out of range", fn.Name, idx)
			}
			fn.Defs = append(fn.Defs, a.fns[idx])
		}
	}
	return a.fns[0], nil
}

type asm struct {
	s       *bufio.Scanner
	rawLine string
	h       *gc.Heap
	fns     []*value.FuncDef
	err     error
}

func (a *asm) function(fields []string) (*value.FuncDef, []int, []string) {
	if len(fields) < 3 {
		a.err = fmt.Errorf("invalid function: want at least 3 fields: 'function: name params numslots', got %d", len(fields))
		return nil, nil, a.next()
	}
	fn := &value.FuncDef{
		Name:     fields[1],
		Params:   int(a.int(fields[2], 32)),
		NumSlots: int(a.intField(fields, 3, 32)),
		Variadic: a.option(fields, "variadic"),
		NeedsEnv: a.option(fields, "needsenv"),
	}

	fields = a.next()
	fields = a.locals(fn, fields)
	fields = a.upvals(fn, fields)
	fields = a.constants(fn, fields)
	var defRefs []int
	fields, defRefs = a.defs(fields)
	fields = a.sourcemap(fn, fields)
	fields = a.code(fn, fields)
	return fn, defRefs, fields
}

func (a *asm) intField(fields []string, i, bits int) int64 {
	if i >= len(fields) {
		a.err = fmt.Errorf("missing field %d in %q", i, strings.Join(fields, " "))
		return 0
	}
	return a.int(fields[i], bits)
}

func (a *asm) option(fields []string, name string) bool {
	for _, f := range fields {
		if f == "+"+name {
			return true
		}
	}
	return false
}

func (a *asm) locals(fn *value.FuncDef, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "locals:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[strings.ToLower(fields[0])]; fields = a.next() {
		l := value.Local{Name: fields[0]}
		if len(fields) > 1 && fields[1] == "upval" {
			l.IsUpval = true
		}
		fn.Locals = append(fn.Locals, l)
	}
	return fields
}

func (a *asm) upvals(fn *value.FuncDef, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "upvals:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[strings.ToLower(fields[0])]; fields = a.next() {
		if len(fields) != 2 {
			a.err = fmt.Errorf("invalid upval: expected kind and index, got %d fields", len(fields))
			return fields
		}
		var d value.UpvalDesc
		switch fields[0] {
		case "parent":
			d.FromParent = true
		case "outer":
			d.FromParent = false
		default:
			a.err = fmt.Errorf("invalid upval kind: %s (want parent or outer)", fields[0])
			return fields
		}
		d.Index = int(a.int(fields[1], 32))
		fn.Upvals = append(fn.Upvals, d)
	}
	return fields
}

func (a *asm) constants(fn *value.FuncDef, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "constants:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[strings.ToLower(fields[0])]; fields = a.next() {
		switch fields[0] {
		case "nil":
			fn.Constants = append(fn.Constants, value.NilValue)
		case "true":
			fn.Constants = append(fn.Constants, value.BoolValue(true))
		case "false":
			fn.Constants = append(fn.Constants, value.BoolValue(false))
		case "int":
			fn.Constants = append(fn.Constants, value.IntValue(int32(a.int(field1(fields), 32))))
		case "float":
			f, err := strconv.ParseFloat(field1(fields), 64)
			if err != nil {
				a.err = fmt.Errorf("invalid float constant: %w", err)
				return fields
			}
			fn.Constants = append(fn.Constants, value.RealValue(f))
		case "string":
			s, err := unquoteRest(a.rawLine)
			if err != nil {
				a.err = err
				return fields
			}
			fn.Constants = append(fn.Constants, value.NewString(a.h, s))
		case "symbol":
			fn.Constants = append(fn.Constants, value.NewSymbol(a.h, field1(fields)))
		case "keyword":
			fn.Constants = append(fn.Constants, value.NewKeyword(a.h, field1(fields)))
		default:
			a.err = fmt.Errorf("invalid constant type: %s", fields[0])
			return fields
		}
	}
	return fields
}

func field1(fields []string) string {
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// unquoteRest extracts and unquotes the Go-style string literal following
// the "string" keyword in rawLine, so the literal may itself contain
// whitespace (strings.Fields would otherwise split it).
func unquoteRest(rawLine string) (string, error) {
	trimmed := strings.TrimSpace(rawLine)
	const prefix = "string"
	i := strings.Index(trimmed, prefix)
	if i < 0 {
		return "", fmt.Errorf("invalid string constant line: %s", rawLine)
	}
	rest := strings.TrimSpace(trimmed[i+len(prefix):])
	qs, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return "", fmt.Errorf("invalid string constant: %q: %w", rest, err)
	}
	s, err := strconv.Unquote(qs)
	if err != nil {
		return "", fmt.Errorf("invalid string constant: %q: %w", qs, err)
	}
	return s, nil
}

func (a *asm) defs(fields []string) ([]string, []int) {
	var refs []int
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "defs:") {
		return fields, refs
	}
	for fields = a.next(); len(fields) > 0 && !sections[strings.ToLower(fields[0])]; fields = a.next() {
		for _, f := range fields {
			refs = append(refs, int(a.int(f, 32)))
		}
	}
	return fields, refs
}

func (a *asm) sourcemap(fn *value.FuncDef, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "sourcemap:") {
		return fields
	}
	for fields = a.next(); len(fields) > 0 && !sections[strings.ToLower(fields[0])]; fields = a.next() {
		if len(fields) != 2 {
			a.err = fmt.Errorf("invalid sourcemap entry: expected pc and offset, got %d fields", len(fields))
			return fields
		}
		fn.SourceMap = append(fn.SourceMap, value.SourceMapEntry{
			PC:  int(a.int(fields[0], 32)),
			Pos: token.Pos(a.uint(fields[1], 32)),
		})
	}
	return fields
}

// codeLine is one parsed code: body line: either a label definition (name
// non-empty, op zero value) or an instruction.
type codeLine struct {
	label    string
	op       isa.Opcode
	operands []string
}

func (a *asm) code(fn *value.FuncDef, fields []string) []string {
	if a.err != nil || len(fields) == 0 || !strings.EqualFold(fields[0], "code:") {
		return fields
	}

	var lines []codeLine
	labels := map[string]int{}
	idx := 0
	for fields = a.next(); len(fields) > 0 && !sections[strings.ToLower(fields[0])]; fields = a.next() {
		if len(fields) == 1 && strings.HasSuffix(fields[0], ":") {
			name := strings.TrimSuffix(fields[0], ":")
			if _, dup := labels[name]; dup {
				a.err = fmt.Errorf("duplicate label: %s", name)
				return fields
			}
			labels[name] = idx
			lines = append(lines, codeLine{label: name})
			continue
		}
		op, ok := isa.Lookup(strings.ToLower(fields[0]))
		if !ok {
			a.err = fmt.Errorf("invalid opcode: %s", fields[0])
			return fields
		}
		lines = append(lines, codeLine{op: op, operands: fields[1:]})
		idx++
	}

	idx = 0
	for _, ln := range lines {
		if ln.label != "" {
			continue
		}
		w, err := encodeInstr(ln.op, ln.operands, idx, labels)
		if err != nil {
			a.err = fmt.Errorf("function %q, instruction %d: %w", fn.Name, idx, err)
			return fields
		}
		fn.Code = append(fn.Code, w)
		idx++
	}
	return fields
}

func encodeInstr(op isa.Opcode, operands []string, ownIdx int, labels map[string]int) (isa.Word, error) {
	shape := op.Shape()
	want := operandCount(shape)
	if len(operands) != want {
		return 0, fmt.Errorf("%s: want %d operand(s), got %d", op, want, len(operands))
	}

	switch shape {
	case isa.ShapeNone:
		return isa.Make(op), nil
	case isa.ShapeS:
		r, err := reg(operands[0])
		return isa.MakeS(op, r), err
	case isa.ShapeL:
		off, err := jumpOffset(operands[0], ownIdx, labels, 24)
		return isa.MakeL(op, int32(off)), err
	case isa.ShapeSS:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		r1, err := reg16(operands[1])
		return isa.MakeSS(op, r0, r1), err
	case isa.ShapeSL:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		off, err := jumpOffset(operands[1], ownIdx, labels, 16)
		return isa.MakeSL(op, r0, int16(off)), err
	case isa.ShapeST:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		ts, err := parseUint(operands[1], 16)
		return isa.MakeST(op, r0, uint16(ts)), err
	case isa.ShapeSI:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		imm, err := parseInt(operands[1], 16)
		return isa.MakeSI(op, r0, int16(imm)), err
	case isa.ShapeSU:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		imm, err := parseUint(operands[1], 16)
		return isa.MakeSU(op, r0, uint16(imm)), err
	case isa.ShapeSC:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		idx, err := parseUint(operands[1], 16)
		return isa.MakeSC(op, r0, uint16(idx)), err
	case isa.ShapeSD:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		idx, err := parseUint(operands[1], 16)
		return isa.MakeSD(op, r0, uint16(idx)), err
	case isa.ShapeSSS:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		r1, err := reg8(operands[1])
		if err != nil {
			return 0, err
		}
		r2, err := reg8(operands[2])
		return isa.MakeSSS(op, r0, r1, r2), err
	case isa.ShapeSSI:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		r1, err := reg8(operands[1])
		if err != nil {
			return 0, err
		}
		imm, err := parseInt(operands[2], 8)
		return isa.MakeSSI(op, r0, r1, int8(imm)), err
	case isa.ShapeSSU:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		r1, err := reg8(operands[1])
		if err != nil {
			return 0, err
		}
		imm, err := parseUint(operands[2], 8)
		return isa.MakeSSU(op, r0, r1, uint8(imm)), err
	case isa.ShapeSES:
		r0, err := reg8(operands[0])
		if err != nil {
			return 0, err
		}
		env, err := reg8(operands[1])
		if err != nil {
			return 0, err
		}
		slot, err := reg8(operands[2])
		return isa.MakeSES(op, r0, env, slot), err
	default:
		return 0, fmt.Errorf("%s: unsupported shape %d", op, shape)
	}
}

func operandCount(s isa.Shape) int {
	switch s {
	case isa.ShapeNone:
		return 0
	case isa.ShapeS, isa.ShapeL:
		return 1
	case isa.ShapeSS, isa.ShapeSL, isa.ShapeST, isa.ShapeSI, isa.ShapeSU, isa.ShapeSC, isa.ShapeSD:
		return 2
	case isa.ShapeSSS, isa.ShapeSSI, isa.ShapeSSU, isa.ShapeSES:
		return 3
	default:
		return 0
	}
}

// jumpOffset resolves a jump operand token to a PC-relative offset. Two
// forms are accepted: a label name bound earlier in this function's code:
// section, or a literal signed offset (the form Dasm emits, since it has
// no label names to recover from addresses alone).
func jumpOffset(tok string, ownIdx int, labels map[string]int, bits int) (int, error) {
	var off int
	if lit, err := strconv.ParseInt(tok, 10, 32); err == nil {
		off = int(lit)
	} else {
		target, ok := labels[tok]
		if !ok {
			return 0, fmt.Errorf("undefined label: %s", tok)
		}
		off = target - ownIdx
	}
	lim := int64(1) << (bits - 1)
	if int64(off) < -lim || int64(off) >= lim {
		return 0, fmt.Errorf("jump offset %d to %s out of range for %d-bit field", off, tok, bits)
	}
	return off, nil
}

// reg strips an optional leading r/R and parses the remainder as an
// unsigned register index of at most 24 bits (the width of ShapeS's
// field, the widest register field).
func reg(tok string) (uint32, error) {
	v, err := parseUint(tok, 24)
	return uint32(v), err
}

func reg8(tok string) (uint8, error) {
	v, err := parseUint(tok, 8)
	return uint8(v), err
}

func reg16(tok string) (uint16, error) {
	v, err := parseUint(tok, 16)
	return uint16(v), err
}

func stripRegPrefix(tok string) string {
	if len(tok) > 1 && (tok[0] == 'r' || tok[0] == 'R') {
		if _, err := strconv.ParseUint(tok[1:], 0, 64); err == nil {
			return tok[1:]
		}
	}
	return tok
}

func parseUint(tok string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(stripRegPrefix(tok), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid operand %q: %w", tok, err)
	}
	return v, nil
}

func parseInt(tok string, bits int) (int64, error) {
	v, err := strconv.ParseInt(stripRegPrefix(tok), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid operand %q: %w", tok, err)
	}
	return v, nil
}

func (a *asm) int(s string, bits int) int64 {
	i, err := strconv.ParseInt(s, 10, bits)
	if err != nil {
		a.err = fmt.Errorf("invalid integer: %s: %w", s, err)
	}
	return i
}

func (a *asm) uint(s string, bits int) uint64 {
	u, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		a.err = fmt.Errorf("invalid unsigned integer: %s: %w", s, err)
	}
	return u
}

// next returns the fields of the next non-empty, non-comment line, so
// fields[0] identifies a section when present. rawLine keeps the
// unsplit line around for string constants, which may contain spaces.
func (a *asm) next() []string {
	a.rawLine = ""
	if a.err != nil {
		return nil
	}
	for a.s.Scan() {
		line := a.s.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		for i, f := range fields {
			if strings.HasPrefix(f, "#") {
				fields = fields[:i]
				break
			}
		}
		if len(fields) == 0 {
			continue
		}
		a.rawLine = line
		return fields
	}
	a.err = a.s.Err()
	return nil
}
