package document

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/cache"
	"github.com/deepnoodle-ai/weave/ot"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{WelcomeContent: "Welcome!"})

	doc, err := store.Create(ctx, "doc-1", "", "alice")
	require.NoError(t, err)
	require.Equal(t, "doc-1", doc.ID)
	require.Equal(t, "Welcome!", doc.Content)
	require.Equal(t, int64(0), doc.Version)

	// Creating the same id again returns the existing document.
	again, err := store.Create(ctx, "doc-1", "other", "bob")
	require.NoError(t, err)
	require.Equal(t, "Welcome!", again.Content)

	require.Nil(t, store.Get(ctx, "missing"))

	generated, err := store.Create(ctx, "", "seeded", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, generated.ID)
	require.Equal(t, "seeded", generated.Content)
}

func TestApplyOperation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		initial string
		op      ot.Operation
		want    string
	}{
		{"insert at start", "World", ot.NewInsert(0, "Hello "), "Hello World"},
		{"insert at end", "Hello", ot.NewInsert(5, " World"), "Hello World"},
		{"insert past end clamps", "Hi", ot.NewInsert(99, "!"), "Hi!"},
		{"delete range", "Hello World", ot.NewDelete(5, 6), "Hello"},
		{"delete entire content", "Hello", ot.NewDelete(0, 5), ""},
		{"delete overlong clamps", "Hello", ot.NewDelete(3, 99), "Hel"},
		{"replacement", "foo bar baz", ot.NewReplace(4, 3, "BAR"), "foo BAR baz"},
		{"replacement overlong clamps", "foo bar", ot.NewReplace(4, 99, "X"), "foo X"},
		{"retain", "Hello", ot.NewRetain(0, 5), "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(StoreOptions{})
			_, err := store.Create(ctx, "d", tt.initial, "alice")
			require.NoError(t, err)

			tt.op.UserID = "alice"
			doc, err := store.ApplyOperation(ctx, "d", tt.op)
			require.NoError(t, err)
			require.Equal(t, tt.want, doc.Content)
			require.Equal(t, int64(1), doc.Version)
			require.Len(t, doc.History, 1)
		})
	}
}

func TestApplyOperationErrors(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, err := store.Create(ctx, "d", "Hello", "alice")
	require.NoError(t, err)

	// Missing document returns nil, nil.
	doc, err := store.ApplyOperation(ctx, "missing", ot.NewInsert(0, "x"))
	require.NoError(t, err)
	require.Nil(t, doc)

	// Invalid operations are rejected and the document is untouched.
	_, err = store.ApplyOperation(ctx, "d", ot.Operation{Kind: "scramble", Position: 0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown operation type")

	_, err = store.ApplyOperation(ctx, "d", ot.Operation{Kind: ot.Insert, Position: -1, Content: "x"})
	require.Error(t, err)

	require.Equal(t, "Hello", store.Get(ctx, "d").Content)
	require.Equal(t, int64(0), store.Get(ctx, "d").Version)
}

// Content must always equal the replay of the history over the initial
// content.
func TestHistoryReplayInvariant(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	initial := "The quick brown fox"
	_, err := store.Create(ctx, "d", initial, "alice")
	require.NoError(t, err)

	ops := []ot.Operation{
		ot.NewInsert(4, "very "),
		ot.NewDelete(0, 4),
		ot.NewReplace(0, 4, "A"),
		ot.NewInsert(99, "!"),
		ot.NewRetain(0, 3),
	}
	for _, op := range ops {
		op.UserID = "alice"
		_, err := store.ApplyOperation(ctx, "d", op)
		require.NoError(t, err)
	}

	doc := store.Get(ctx, "d")
	require.Equal(t, int64(len(ops)), doc.Version)

	replayed := initial
	for _, op := range doc.History {
		replayed, err = ot.Apply(replayed, op)
		require.NoError(t, err)
	}
	require.Equal(t, doc.Content, replayed)
}

func TestHistoryTrimming(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{MaxHistory: 5})
	_, err := store.Create(ctx, "d", "", "alice")
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		op := ot.NewInsert(0, "x")
		op.UserID = "alice"
		op.Version = int64(i + 1)
		_, err := store.ApplyOperation(ctx, "d", op)
		require.NoError(t, err)
	}

	doc := store.Get(ctx, "d")
	require.Equal(t, int64(8), doc.Version)
	require.Len(t, doc.History, 5)
	// Oldest dropped first.
	require.Equal(t, int64(4), doc.History[0].Version)
}

func TestCollaboratorShift(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		op         ot.Operation
		cursor     int
		wantCursor int
	}{
		{"cursor before insert untouched", ot.NewInsert(5, "abc"), 3, 3},
		{"cursor at insert shifts", ot.NewInsert(5, "abc"), 5, 8},
		{"cursor after insert shifts", ot.NewInsert(5, "abc"), 7, 10},
		{"cursor after delete shifts back", ot.NewDelete(2, 3), 6, 3},
		{"cursor floored at zero", ot.NewDelete(0, 5), 2, 0},
		{"replacement net delta", ot.NewReplace(0, 3, "a"), 5, 3},
		{"retain does not shift", ot.NewRetain(0, 5), 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(StoreOptions{})
			_, err := store.Create(ctx, "d", "0123456789", "alice")
			require.NoError(t, err)

			require.NoError(t, store.AddCollaborator(ctx, "d", &weave.Collaborator{
				ID: "bob", Name: "Bob", Cursor: tt.cursor,
				Selection: &weave.Selection{Start: tt.cursor, End: tt.cursor},
			}))
			require.NoError(t, store.AddCollaborator(ctx, "d", &weave.Collaborator{
				ID: "alice", Name: "Alice", Cursor: tt.cursor,
			}))

			tt.op.UserID = "alice"
			doc, err := store.ApplyOperation(ctx, "d", tt.op)
			require.NoError(t, err)

			bob := doc.Collaborator("bob")
			require.Equal(t, tt.wantCursor, bob.Cursor)
			require.Equal(t, tt.wantCursor, bob.Selection.Start)
			require.Equal(t, tt.wantCursor, bob.Selection.End)

			// The actor's own presence is never adjusted.
			require.Equal(t, tt.cursor, doc.Collaborator("alice").Cursor)
		})
	}
}

func TestCollaboratorLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, err := store.Create(ctx, "d", "Hello", "alice")
	require.NoError(t, err)

	require.NoError(t, store.AddCollaborator(ctx, "d", &weave.Collaborator{ID: "alice", Name: "Alice"}))
	require.NoError(t, store.AddCollaborator(ctx, "d", &weave.Collaborator{ID: "bob", Name: "Bob"}))

	// Re-adding refreshes rather than duplicating.
	require.NoError(t, store.AddCollaborator(ctx, "d", &weave.Collaborator{ID: "alice", Name: "Alice A."}))
	doc := store.Get(ctx, "d")
	require.Len(t, doc.Collaborators, 2)
	require.Equal(t, "Alice A.", doc.Collaborator("alice").Name)

	require.NoError(t, store.UpdateCollaboratorPresence(ctx, "d", "bob", 3, &weave.Selection{Start: 1, End: 3}))
	bob := store.Get(ctx, "d").Collaborator("bob")
	require.Equal(t, 3, bob.Cursor)
	require.Equal(t, 1, bob.Selection.Start)

	require.Error(t, store.UpdateCollaboratorPresence(ctx, "d", "nobody", 0, nil))

	require.NoError(t, store.RemoveCollaborator(ctx, "d", "alice"))
	require.Nil(t, store.Get(ctx, "d").Collaborator("alice"))
	require.Len(t, store.Get(ctx, "d").Collaborators, 1)
}

func TestOperationHistoryFromVersion(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, err := store.Create(ctx, "d", "", "alice")
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		op := ot.NewInsert(0, strings.Repeat("x", i))
		op.UserID = "alice"
		op.Version = int64(i)
		_, err := store.ApplyOperation(ctx, "d", op)
		require.NoError(t, err)
	}

	require.Len(t, store.OperationHistory(ctx, "d", 0), 4)
	require.Len(t, store.OperationHistory(ctx, "d", 2), 2)
	require.Empty(t, store.OperationHistory(ctx, "d", 9))
	require.Nil(t, store.OperationHistory(ctx, "missing", 0))
}

func TestWriteThroughCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory[*weave.Document]()
	defer mem.Close()

	store := NewStore(StoreOptions{Cache: mem, CacheTTL: time.Minute})
	_, err := store.Create(ctx, "d", "Hello", "alice")
	require.NoError(t, err)

	cached, err := mem.Get(ctx, "document:d")
	require.NoError(t, err)
	require.Equal(t, "Hello", cached.Content)

	op := ot.NewInsert(5, "!")
	op.UserID = "alice"
	_, err = store.ApplyOperation(ctx, "d", op)
	require.NoError(t, err)

	cached, err = mem.Get(ctx, "document:d")
	require.NoError(t, err)
	require.Equal(t, "Hello!", cached.Content)
	require.Equal(t, int64(1), cached.Version)

	// Eviction drops only the in-memory copy; the next Get warms the
	// document back from the cache.
	store.Remove(ctx, "d")
	require.Equal(t, 0, store.Len())
	restored := store.Get(ctx, "d")
	require.NotNil(t, restored)
	require.Equal(t, "Hello!", restored.Content)
	require.Equal(t, int64(1), restored.Version)
}

func TestRemoveWithoutCache(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, err := store.Create(ctx, "d", "Hello", "alice")
	require.NoError(t, err)

	store.Remove(ctx, "d")
	require.Nil(t, store.Get(ctx, "d"))
}
