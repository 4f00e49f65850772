package token_test

import (
	"testing"

	"github.com/mna/corevm/lang/token"
	"github.com/stretchr/testify/require"
)

func TestRangeContains(t *testing.T) {
	outer := token.Range{Start: 0, End: 10}
	require.True(t, outer.Contains(token.Range{Start: 2, End: 8}))
	require.True(t, outer.Contains(outer))
	require.False(t, outer.Contains(token.Range{Start: 0, End: 11}))
	require.False(t, outer.Contains(token.Range{Start: 11, End: 12}))
}

func TestUnion(t *testing.T) {
	a := token.Range{Start: 2, End: 5}
	b := token.Range{Start: 4, End: 9}
	require.Equal(t, token.Range{Start: 2, End: 9}, token.Union(a, b))
	require.Equal(t, a, token.Union(a, token.Range{}))
	require.Equal(t, b, token.Union(token.Range{}, b))
}
