package ot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func opAt(kind Kind, userID string, ts time.Time) Operation {
	return Operation{Kind: kind, UserID: userID, Timestamp: ts}
}

func TestHasPriority(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	earlier := opAt(Insert, "bob", base)
	later := opAt(Insert, "alice", base.Add(time.Millisecond))
	require.True(t, HasPriority(earlier, later), "earlier timestamp wins")
	require.False(t, HasPriority(later, earlier))

	tiedA := opAt(Insert, "alice", base)
	tiedB := opAt(Insert, "bob", base)
	require.True(t, HasPriority(tiedA, tiedB), "equal timestamps fall back to user id")
	require.False(t, HasPriority(tiedB, tiedA))
}

func TestTransformDeleteDelete(t *testing.T) {
	tests := []struct {
		name   string
		l1, l2 int
		wantL1 int
		wantL2 int
	}{
		{"second longer", 2, 3, 0, 1},
		{"first longer", 5, 2, 3, 0},
		{"equal lengths cancel", 4, 4, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := Transform(NewDelete(3, tt.l1), NewDelete(3, tt.l2), true)
			require.Equal(t, tt.wantL1, a.Length)
			require.Equal(t, tt.wantL2, b.Length)
			require.Equal(t, Delete, a.Kind)
			require.Equal(t, Delete, b.Kind)
		})
	}
}

func TestTransformLeavesOtherPairsUnchanged(t *testing.T) {
	pairs := []struct {
		name string
		a, b Operation
	}{
		{"insert insert", NewInsert(5, "!"), NewInsert(5, "?")},
		{"insert delete", NewInsert(2, "x"), NewDelete(4, 2)},
		{"delete insert", NewDelete(4, 2), NewInsert(2, "x")},
		{"insert retain", NewInsert(0, "x"), NewRetain(0, 3)},
		{"retain delete", NewRetain(0, 3), NewDelete(1, 1)},
	}
	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			a, b := Transform(tt.a, tt.b, false)
			require.Equal(t, tt.a, a)
			require.Equal(t, tt.b, b)
		})
	}
}

// Applying a then transform(b,a) must meet applying b then transform(a,b)
// for the pairs the engine rewrites.
func TestTransformConvergence(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		a, b Operation
	}{
		{"overlapping deletes, second longer", "abcdef", NewDelete(0, 2), NewDelete(0, 3)},
		{"overlapping deletes, first longer", "abcdef", NewDelete(1, 4), NewDelete(1, 2)},
		{"identical deletes", "abcdef", NewDelete(2, 3), NewDelete(2, 3)},
		{"retain against delete", "abcdef", NewRetain(0, 6), NewDelete(1, 2)},
		{"retain against insert", "abcdef", NewRetain(2, 2), NewInsert(3, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aPrime, _ := Transform(tt.a, tt.b, true)
			bPrime, _ := Transform(tt.b, tt.a, false)

			viaA, err := Apply(tt.doc, tt.a)
			require.NoError(t, err)
			viaA, err = Apply(viaA, bPrime)
			require.NoError(t, err)

			viaB, err := Apply(tt.doc, tt.b)
			require.NoError(t, err)
			viaB, err = Apply(viaB, aPrime)
			require.NoError(t, err)

			require.Equal(t, viaA, viaB)
		})
	}
}

func TestTransformAgainstHistory(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	op := NewDelete(0, 5)
	op.Timestamp = base

	h1 := NewDelete(0, 2)
	h1.Timestamp = base.Add(-time.Second)
	h2 := NewDelete(0, 2)
	h2.Timestamp = base.Add(-time.Millisecond)

	got := TransformAgainstHistory(op, []Operation{h1, h2})
	require.Equal(t, 1, got.Length, "shrinks by each prior overlapping delete")

	unchanged := TransformAgainstHistory(NewInsert(3, "x"), []Operation{h1, h2})
	require.Equal(t, NewInsert(3, "x"), unchanged)

	require.Equal(t, op, TransformAgainstHistory(op, nil))
}
