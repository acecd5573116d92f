package ot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeInsertInsert(t *testing.T) {
	a := NewInsert(3, "ab")
	b := NewInsert(5, "cd")

	composed, ok := Compose(a, b)
	require.True(t, ok)
	require.Equal(t, Insert, composed.Kind)
	require.Equal(t, 3, composed.Position)
	require.Equal(t, "abcd", composed.Content)

	_, ok = Compose(NewInsert(3, "ab"), NewInsert(9, "cd"))
	require.False(t, ok, "non-contiguous inserts do not compose")
}

func TestComposeInsertDelete(t *testing.T) {
	composed, ok := Compose(NewInsert(2, "abcd"), NewDelete(2, 2))
	require.True(t, ok)
	require.Equal(t, Insert, composed.Kind)
	require.Equal(t, "cd", composed.Content)

	composed, ok = Compose(NewInsert(2, "ab"), NewDelete(2, 2))
	require.True(t, ok)
	require.Equal(t, Retain, composed.Kind)
	require.Equal(t, 0, composed.Length)

	_, ok = Compose(NewInsert(2, "ab"), NewDelete(2, 5))
	require.False(t, ok, "delete exceeding the insert does not compose")

	_, ok = Compose(NewInsert(2, "ab"), NewDelete(0, 1))
	require.False(t, ok, "different positions do not compose")
}

func TestComposeDeleteDelete(t *testing.T) {
	composed, ok := Compose(NewDelete(4, 2), NewDelete(4, 3))
	require.True(t, ok)
	require.Equal(t, Delete, composed.Kind)
	require.Equal(t, 5, composed.Length)

	_, ok = Compose(NewDelete(4, 2), NewDelete(6, 3))
	require.False(t, ok)
}

func TestComposeIncompatiblePairs(t *testing.T) {
	pairs := [][2]Operation{
		{NewDelete(0, 2), NewInsert(0, "x")},
		{NewRetain(0, 2), NewInsert(0, "x")},
		{NewInsert(0, "x"), NewRetain(0, 2)},
		{NewRetain(0, 2), NewRetain(2, 2)},
	}
	for _, pair := range pairs {
		_, ok := Compose(pair[0], pair[1])
		require.False(t, ok)
	}
}

// Composition preserves apply semantics: applying the composed operation
// matches applying the original pair in order.
func TestComposeEquivalence(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		a, b Operation
	}{
		{"typing run", "Hello", NewInsert(5, " wor"), NewInsert(9, "ld")},
		{"insert then partial backspace", "Hello", NewInsert(5, " world"), NewDelete(5, 3)},
		{"repeated forward delete", "abcdefgh", NewDelete(2, 2), NewDelete(2, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			composed, ok := Compose(tt.a, tt.b)
			require.True(t, ok)

			stepwise, err := Apply(tt.doc, tt.a)
			require.NoError(t, err)
			stepwise, err = Apply(stepwise, tt.b)
			require.NoError(t, err)

			direct, err := Apply(tt.doc, composed)
			require.NoError(t, err)
			require.Equal(t, stepwise, direct)
		})
	}
}
