package ot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Invert law: applying an operation and then its inverse restores the
// pre-state exactly.
func TestInvertLaw(t *testing.T) {
	tests := []struct {
		name string
		pre  string
		op   Operation
	}{
		{"insert in middle", "Hello World", NewInsert(5, ", cruel")},
		{"insert at start", "World", NewInsert(0, "Hello ")},
		{"insert at end", "Hello", NewInsert(5, "!")},
		{"delete in middle", "Hello World", NewDelete(5, 6)},
		{"delete entire content", "Hello", NewDelete(0, 5)},
		{"delete clamped at end", "Hello", NewDelete(3, 99)},
		{"replacement", "foo bar baz", NewReplace(4, 3, "BAR")},
		{"replacement clamped", "foo bar", NewReplace(4, 50, "x")},
		{"retain", "Hello", NewRetain(2, 3)},
		{"multibyte content", "héllo wörld", NewReplace(6, 5, "mönde")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post, err := Apply(tt.pre, tt.op)
			require.NoError(t, err)

			inv, err := Invert(tt.op, tt.pre)
			require.NoError(t, err)

			restored, err := Apply(post, inv)
			require.NoError(t, err)
			require.Equal(t, tt.pre, restored)
		})
	}
}

func TestInvertShapes(t *testing.T) {
	inv, err := Invert(NewInsert(3, "abc"), "xyzxyz")
	require.NoError(t, err)
	require.Equal(t, Delete, inv.Kind)
	require.Equal(t, 3, inv.Length)
	require.Equal(t, 3, inv.Position)

	inv, err = Invert(NewDelete(1, 2), "abcd")
	require.NoError(t, err)
	require.Equal(t, Insert, inv.Kind)
	require.Equal(t, "bc", inv.Content)
	require.False(t, inv.IsReplacement())

	inv, err = Invert(NewReplace(4, 3, "BAR"), "foo bar baz")
	require.NoError(t, err)
	require.True(t, inv.IsReplacement())
	require.Equal(t, "bar", inv.Content)
	require.Equal(t, 3, inv.Length)

	inv, err = Invert(NewRetain(0, 4), "abcd")
	require.NoError(t, err)
	require.Equal(t, Retain, inv.Kind)

	_, err = Invert(Operation{Kind: Kind("swap")}, "abcd")
	require.Error(t, err)
}
