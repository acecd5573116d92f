package ot

// Compose coalesces two sequential operations into one when a compact
// equivalent exists, for history compaction. The second operation must have
// been authored against the state the first produced.
//
// Composable shapes:
//   - insert then insert continuing at the end of the first: contents
//     concatenate.
//   - insert then delete consuming a prefix of the inserted text at the
//     same position: the insert shrinks, or cancels to a zero retain when
//     the lengths match exactly. A delete longer than the inserted text is
//     not composable.
//   - delete then delete at the same position: lengths sum.
//
// All other pairs are left uncomposed and ok is false.
func Compose(a, b Operation) (composed Operation, ok bool) {
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		if b.Position != a.Position+a.InsertedLength() {
			return Operation{}, false
		}
		out := a
		out.Content = a.Content + b.Content
		return out, true

	case a.Kind == Insert && b.Kind == Delete:
		if b.Position != a.Position {
			return Operation{}, false
		}
		content := []rune(a.Content)
		switch {
		case b.Length < len(content):
			out := a
			out.Content = string(content[b.Length:])
			return out, true
		case b.Length == len(content):
			out := NewRetain(a.Position, 0)
			out.UserID = a.UserID
			out.Timestamp = a.Timestamp
			out.Version = a.Version
			return out, true
		default:
			return Operation{}, false
		}

	case a.Kind == Delete && b.Kind == Delete:
		if b.Position != a.Position {
			return Operation{}, false
		}
		out := a
		out.Length = a.Length + b.Length
		return out, true
	}
	return Operation{}, false
}
