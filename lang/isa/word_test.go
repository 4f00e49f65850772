package isa_test

import (
	"testing"

	"github.com/mna/corevm/lang/isa"
	"github.com/stretchr/testify/require"
)

func TestWordRoundTrip(t *testing.T) {
	w := isa.MakeS(isa.RETURN, 0xabcdef)
	require.Equal(t, isa.RETURN, w.Op())
	require.Equal(t, uint32(0xabcdef), isa.DecodeS(w))

	w = isa.MakeL(isa.JUMP, -100)
	require.Equal(t, int32(-100), isa.DecodeL(w))
	w = isa.MakeL(isa.JUMP, 8388607) // max 24-bit signed
	require.Equal(t, int32(8388607), isa.DecodeL(w))

	w = isa.MakeSS(isa.CALL, 12, 5000)
	a, b := isa.DecodeSS(w)
	require.Equal(t, uint8(12), a)
	require.Equal(t, uint16(5000), b)

	w = isa.MakeSL(isa.JUMP_IF, 3, -1234)
	sa, off := isa.DecodeSL(w)
	require.Equal(t, uint8(3), sa)
	require.Equal(t, int16(-1234), off)

	w = isa.MakeSI(isa.LOAD_INTEGER, 1, -30000)
	ia, imm := isa.DecodeSI(w)
	require.Equal(t, uint8(1), ia)
	require.Equal(t, int16(-30000), imm)

	w = isa.MakeSSS(isa.ADD, 1, 2, 3)
	x, y, z := isa.DecodeSSS(w)
	require.Equal(t, [3]uint8{1, 2, 3}, [3]uint8{x, y, z})

	w = isa.MakeSSI(isa.ADD_IMMEDIATE, 1, 2, -5)
	x2, y2, imm2 := isa.DecodeSSI(w)
	require.Equal(t, uint8(1), x2)
	require.Equal(t, uint8(2), y2)
	require.Equal(t, int8(-5), imm2)

	w = isa.MakeSES(isa.LOAD_UPVALUE, 9, 1, 2)
	sesA, env, slot := isa.DecodeSES(w)
	require.Equal(t, uint8(9), sesA)
	require.Equal(t, uint8(1), env)
	require.Equal(t, uint8(2), slot)
}

func TestMnemonicLookupRoundTrip(t *testing.T) {
	for op := isa.Opcode(0); int(op) < isa.Count; op++ {
		if !op.Valid() {
			continue
		}
		got, ok := isa.Lookup(op.String())
		require.True(t, ok, "mnemonic %q must resolve", op.String())
		require.Equal(t, op, got)
	}
	_, ok := isa.Lookup("not-a-real-mnemonic")
	require.False(t, ok)
}

func TestShapeAssignment(t *testing.T) {
	require.Equal(t, isa.ShapeNone, isa.NOP.Shape())
	require.Equal(t, isa.ShapeSSS, isa.ADD.Shape())
	require.Equal(t, isa.ShapeSES, isa.LOAD_UPVALUE.Shape())
}
