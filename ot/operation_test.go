package ot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyInsert(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
	}{
		{"at start", "Hello", NewInsert(0, ">> "), ">> Hello"},
		{"in middle", "Hello World", NewInsert(5, ","), "Hello, World"},
		{"at end", "Hello", NewInsert(5, "!"), "Hello!"},
		{"beyond end clamps", "Hello", NewInsert(99, "!"), "Hello!"},
		{"into empty document", "", NewInsert(0, "first"), "first"},
		{"multibyte rune offsets", "héllo wörld", NewInsert(6, "née "), "héllo née wörld"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.content, tt.op)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestApplyDelete(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
	}{
		{"in middle", "Hello World", NewDelete(5, 6), "Hello"},
		{"entire content", "Hello", NewDelete(0, 5), ""},
		{"overlong clamps at end", "Hello", NewDelete(3, 99), "Hel"},
		{"zero length is a no-op", "Hello", NewDelete(2, 0), "Hello"},
		{"position beyond end", "Hello", NewDelete(99, 3), "Hello"},
		{"multibyte rune offsets", "héllo", NewDelete(1, 1), "hllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.content, tt.op)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestApplyReplacement(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Operation
		want    string
	}{
		{"selected range", "foo bar baz", NewReplace(4, 3, "BAR"), "foo BAR baz"},
		{"range longer than remainder clamps", "foo bar", NewReplace(4, 50, "x"), "foo x"},
		{"at end behaves as insert", "foo", NewReplace(3, 2, "!"), "foo!"},
		{"whole document", "old text", NewReplace(0, 8, "new"), "new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.content, tt.op)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestApplyRetain(t *testing.T) {
	got, err := Apply("unchanged", NewRetain(0, 9))
	require.NoError(t, err)
	require.Equal(t, "unchanged", got)
}

func TestApplyErrors(t *testing.T) {
	_, err := Apply("doc", Operation{Kind: Kind("merge"), Position: 0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown operation type")

	_, err = Apply("doc", Operation{Kind: Insert, Position: -1, Content: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "negative")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr string
	}{
		{"valid insert", NewInsert(0, "hi"), ""},
		{"valid replacement", NewReplace(2, 3, "hi"), ""},
		{"valid delete", NewDelete(0, 1), ""},
		{"valid retain", NewRetain(0, 4), ""},
		{"negative position", NewInsert(-1, "hi"), "negative"},
		{"insert without content", Operation{Kind: Insert, Position: 0}, "requires content"},
		{"insert negative length", Operation{Kind: Insert, Position: 0, Content: "x", Length: -2}, "negative"},
		{"delete without length", Operation{Kind: Delete, Position: 0}, "positive length"},
		{"delete negative length", NewDelete(0, -1), "positive length"},
		{"retain negative length", NewRetain(0, -1), "negative"},
		{"unknown kind", Operation{Kind: Kind("swap"), Position: 0}, "unknown operation type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLengthsAndDelta(t *testing.T) {
	ins := NewInsert(2, "héllo")
	require.Equal(t, 5, ins.InsertedLength())
	require.Equal(t, 0, ins.DeletedLength(10))
	require.Equal(t, 5, ins.Delta(10))

	del := NewDelete(8, 5)
	require.Equal(t, 0, del.InsertedLength())
	require.Equal(t, 2, del.DeletedLength(10), "clamped at document end")
	require.Equal(t, -2, del.Delta(10))

	rep := NewReplace(4, 3, "BAR")
	require.True(t, rep.IsReplacement())
	require.Equal(t, 3, rep.InsertedLength())
	require.Equal(t, 3, rep.DeletedLength(11))
	require.Equal(t, 0, rep.Delta(11))

	ret := NewRetain(0, 7)
	require.Equal(t, 0, ret.Delta(10))
}

func TestShiftOffset(t *testing.T) {
	tests := []struct {
		name     string
		offset   int
		position int
		delta    int
		want     int
	}{
		{"before edit untouched", 3, 5, 4, 3},
		{"at edit position shifts", 5, 5, 4, 9},
		{"after edit shifts", 8, 5, 4, 12},
		{"negative delta", 8, 5, -2, 6},
		{"floored at zero", 5, 5, -9, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ShiftOffset(tt.offset, tt.position, tt.delta))
		})
	}
}
