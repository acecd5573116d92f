package ot

// HasPriority reports whether a wins the tie-break against b: the earlier
// timestamp wins, and equal timestamps fall back to the lexicographically
// smaller user id.
func HasPriority(a, b Operation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.UserID < b.UserID
}

// Transform rewrites the concurrent pair (a, b) so that applying a then b'
// and applying b then a' converge on the same document. aHasPriority
// selects which insertion appears first when both insert at the same point.
//
// Contracts per variant pair:
//   - insert/insert: both returned unchanged; ordering is decided by
//     priority at composition time.
//   - insert/delete and delete/insert: both unchanged, positional
//     remapping is the caller's concern.
//   - delete/delete: the overlap is removed once; each side keeps only its
//     excess over the other, so a zero-length result marks a delete fully
//     covered by its counterpart.
//   - any pair involving retain: both unchanged.
func Transform(a, b Operation, aHasPriority bool) (Operation, Operation) {
	if a.Kind == Delete && b.Kind == Delete {
		l1, l2 := a.Length, b.Length
		a.Length = max(0, l1-l2)
		b.Length = max(0, l2-l1)
		return a, b
	}
	return a, b
}

// TransformAgainstHistory folds op through each history entry in order,
// keeping the first element of every pairwise transform. Priority for each
// step is op's timestamp preceding the history entry's.
func TransformAgainstHistory(op Operation, history []Operation) Operation {
	for _, h := range history {
		op, _ = Transform(op, h, op.Timestamp.Before(h.Timestamp))
	}
	return op
}
