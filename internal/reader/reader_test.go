package reader_test

import (
	"testing"

	"github.com/mna/corevm/internal/reader"
	"github.com/mna/corevm/lang/gc"
	"github.com/mna/corevm/lang/value"
	"github.com/stretchr/testify/require"
)

func TestReadLiterals(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, _, err := reader.Read(h, []byte(`42 -7 3.5 "hi" :done nil true false`))
	require.NoError(t, err)
	require.Len(t, forms, 8)

	require.Equal(t, value.Int, forms[0].Tag())
	require.EqualValues(t, 42, forms[0].AsInt())
	require.Equal(t, value.Int, forms[1].Tag())
	require.EqualValues(t, -7, forms[1].AsInt())
	require.Equal(t, value.Real, forms[2].Tag())
	require.InDelta(t, 3.5, forms[2].AsReal(), 0.0001)
	require.Equal(t, value.String, forms[3].Tag())
	require.Equal(t, value.Keyword, forms[4].Tag())
	require.Equal(t, "done", value.SymbolName(forms[4]))
	require.Equal(t, value.NilValue, forms[5])
	require.Equal(t, value.BoolValue(true), forms[6])
	require.Equal(t, value.BoolValue(false), forms[7])
}

func TestReadSymbol(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, positions, err := reader.Read(h, []byte(`varset!`))
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, value.Symbol, forms[0].Tag())
	require.Equal(t, "varset!", value.SymbolName(forms[0]))
	require.Contains(t, positions, forms[0])
}

func TestReadTupleNested(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, positions, err := reader.Read(h, []byte(`(fn f [n] (if (= n 0) :done (f (- n 1))))`))
	require.NoError(t, err)
	require.Len(t, forms, 1)

	top := forms[0]
	require.Equal(t, value.Tuple, top.Tag())
	elems := value.TupleElems(top)
	require.Len(t, elems, 4)
	require.Equal(t, "fn", value.SymbolName(elems[0]))
	require.Equal(t, "f", value.SymbolName(elems[1]))
	require.Equal(t, value.Array, elems[2].Tag())
	require.Len(t, value.ArrayElems(elems[2]), 1)
	require.Contains(t, positions, top)
}

func TestReadQuoteSugar(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, _, err := reader.Read(h, []byte(`'foo`))
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, value.Tuple, forms[0].Tag())
	elems := value.TupleElems(forms[0])
	require.Len(t, elems, 2)
	require.Equal(t, "quote", value.SymbolName(elems[0]))
	require.Equal(t, "foo", value.SymbolName(elems[1]))
}

func TestReadArrayLiteral(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, _, err := reader.Read(h, []byte(`[1 2 3]`))
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, value.Array, forms[0].Tag())
	elems := value.ArrayElems(forms[0])
	require.Len(t, elems, 3)
	require.EqualValues(t, 2, elems[1].AsInt())
}

func TestReadStructLiteral(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, _, err := reader.Read(h, []byte(`{:a 1 :b 2}`))
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, value.Struct, forms[0].Tag())

	v, ok := value.StructGet(forms[0], "a")
	require.True(t, ok)
	require.EqualValues(t, 1, v.AsInt())
	v, ok = value.StructGet(forms[0], "b")
	require.True(t, ok)
	require.EqualValues(t, 2, v.AsInt())
}

func TestReadStructLiteralRejectsNonKeywordField(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	_, _, err := reader.Read(h, []byte(`{a 1}`))
	require.ErrorContains(t, err, "must be a keyword")
}

func TestReadTableLiteral(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, _, err := reader.Read(h, []byte(`#{:a 1 :b 2}`))
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, value.Table, forms[0].Tag())
	require.Equal(t, 2, value.TableLen(forms[0]))

	v, ok := value.TableGet(forms[0], value.NewKeyword(h, "a"))
	require.True(t, ok)
	require.EqualValues(t, 1, v.AsInt())
}

func TestReadTableLiteralOddFormsErrors(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	_, _, err := reader.Read(h, []byte(`#{:a 1 :b}`))
	require.ErrorContains(t, err, "odd number of forms")
}

func TestReadUnterminatedTupleErrors(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	_, _, err := reader.Read(h, []byte(`(fn [n] n`))
	require.ErrorContains(t, err, "unterminated tuple")
}

func TestReadCommentsAreIgnored(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	forms, _, err := reader.Read(h, []byte("; a comment\n42 ; trailing\n"))
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.EqualValues(t, 42, forms[0].AsInt())
}

func TestReadUnexpectedClosingDelimiterErrors(t *testing.T) {
	h := gc.NewHeap(1 << 20)
	_, _, err := reader.Read(h, []byte(`)`))
	require.Error(t, err)
}
