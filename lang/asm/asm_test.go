package asm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/corevm/lang/asm"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/isa"
	"github.com/mna/corevm/lang/value"
)

func newHeap() *gc.Heap { return gc.NewHeap(1 << 30) }

func TestAsmErrors(t *testing.T) {
	cases := []struct {
		desc string
		in   string
		err  string
	}{
		{"empty", ``, "missing toplevel function"},
		{"not a function", `locals:`, "unexpected section: locals:"},
		{"missing header fields", `function: f`, "invalid function: want at least 3 fields"},
		{"missing numslots field", `function: f 0`, "missing field 3"},
		{"missing code section is fine (no code)", "function: f 0 1\n", ""},
		{"invalid opcode", "function: f 0 0\n\tcode:\n\t\tfoobar\n", "invalid opcode: foobar"},
		{"wrong operand count", "function: f 0 1\n\tcode:\n\t\tadd r0 r1\n", "want 3 operand(s), got 2"},
		{"undefined label", "function: f 0 1\n\tcode:\n\t\tjump nowhere\n", "undefined label: nowhere"},
		{"def index out of range", "function: f 0 0\n\tdefs:\n\t\t3\n\tcode:\n", "def index 3 out of range"},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			h := newHeap()
			_, err := asm.Asm(h, []byte(c.in))
			if c.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, c.err)
		})
	}
}

func TestAsmBuildsArithmeticFunction(t *testing.T) {
	h := newHeap()
	src := `
function: add 2 3
	code:
		add r2 r0 r1
		return r2
`
	fn, err := asm.Asm(h, []byte(src))
	require.NoError(t, err)
	require.Equal(t, "add", fn.Name)
	require.Equal(t, 2, fn.Params)
	require.Equal(t, 3, fn.NumSlots)
	require.Equal(t, []isa.Word{
		isa.MakeSSS(isa.ADD, 2, 0, 1),
		isa.MakeS(isa.RETURN, 2),
	}, fn.Code)
}

func TestAsmResolvesLabelsToRelativeOffsets(t *testing.T) {
	h := newHeap()
	src := `
function: loop 1 4
	code:
		top:
		load-integer r1 0
		equals r2 r0 r1
		jump-if r2 done
		jump top
		done:
		return r0
`
	fn, err := asm.Asm(h, []byte(src))
	require.NoError(t, err)
	require.Len(t, fn.Code, 5)
	// jump-if r2 done: done is at index 4, jump-if is at index 2 -> +2
	_, off := isa.DecodeSL(fn.Code[2])
	require.EqualValues(t, 2, off)
	// jump top: top is at index 0, jump is at index 3 -> -3
	require.EqualValues(t, -3, isa.DecodeL(fn.Code[3]))
}

func TestAsmConstantsAndDefs(t *testing.T) {
	h := newHeap()
	src := `
function: outer 0 2
	constants:
		int 42
		string "hi"
		symbol foo
	defs:
		1
	code:
		load-constant r0 0
		closure r1 0
		return r1

function: inner 0 1
	code:
		return-nil
`
	fn, err := asm.Asm(h, []byte(src))
	require.NoError(t, err)
	require.Len(t, fn.Constants, 3)
	require.Equal(t, int32(42), fn.Constants[0].AsInt())
	require.Equal(t, "hi", value.StringData(fn.Constants[1]))
	require.Equal(t, "foo", value.SymbolName(fn.Constants[2]))
	require.Len(t, fn.Defs, 1)
	require.Equal(t, "inner", fn.Defs[0].Name)
}

func TestAsmUpvals(t *testing.T) {
	h := newHeap()
	src := `
function: bump 0 1
	upvals:
		parent 0
		outer 2
	code:
		return-nil
`
	fn, err := asm.Asm(h, []byte(src))
	require.NoError(t, err)
	require.Equal(t, []value.UpvalDesc{
		{FromParent: true, Index: 0},
		{FromParent: false, Index: 2},
	}, fn.Upvals)
}

// TestDasmAsmRoundTrip exercises spec.md §8.1's assemble/disassemble
// invariant: disassembling a FuncDef and re-assembling the result
// reproduces the same bytecode, constants and nested defs.
func TestDasmAsmRoundTrip(t *testing.T) {
	h := newHeap()
	inner := &value.FuncDef{
		Name:     "bump",
		Params:   0,
		NumSlots: 2,
		Upvals:   []value.UpvalDesc{{FromParent: true, Index: 0}},
		Code: []isa.Word{
			isa.MakeSES(isa.LOAD_UPVALUE, 0, 0, 0),
			isa.MakeSSI(isa.ADD_IMMEDIATE, 0, 0, 1),
			isa.MakeSES(isa.SET_UPVALUE, 0, 0, 0),
			isa.MakeS(isa.RETURN, 0),
		},
	}
	outer := &value.FuncDef{
		Name:      "make-counter",
		Params:    0,
		NumSlots:  2,
		Constants: []value.Value{value.IntValue(7), value.NewString(h, "seed")},
		Defs:      []*value.FuncDef{inner},
		Code: []isa.Word{
			isa.MakeSC(isa.LOAD_CONSTANT, 0, 0),
			isa.MakeSD(isa.CLOSURE, 1, 0),
			isa.MakeS(isa.RETURN, 1),
		},
	}

	text, err := asm.Dasm(outer)
	require.NoError(t, err)

	got, err := asm.Asm(h, text)
	require.NoError(t, err)
	require.Equal(t, outer.Code, got.Code)
	require.Equal(t, outer.NumSlots, got.NumSlots)
	require.Len(t, got.Defs, 1)
	require.Equal(t, inner.Code, got.Defs[0].Code)
	require.Equal(t, inner.Upvals, got.Defs[0].Upvals)
	require.True(t, value.Equal(outer.Constants[0], got.Constants[0]))
	require.True(t, value.Equal(outer.Constants[1], got.Constants[1]))
}

func TestDasmJumpRoundTrip(t *testing.T) {
	h := newHeap()
	fn := &value.FuncDef{
		Name:     "loop",
		NumSlots: 3,
		Code: []isa.Word{
			isa.MakeSI(isa.LOAD_INTEGER, 1, 0),
			isa.MakeSSS(isa.EQUALS, 2, 0, 1),
			isa.MakeSL(isa.JUMP_IF, 2, 2),
			isa.MakeL(isa.JUMP, -3),
			isa.MakeS(isa.RETURN, 0),
		},
	}
	text, err := asm.Dasm(fn)
	require.NoError(t, err)
	got, err := asm.Asm(h, text)
	require.NoError(t, err)
	require.Equal(t, fn.Code, got.Code)
}
