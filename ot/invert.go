package ot

import "fmt"

// Invert returns the operation that undoes op when applied to the state op
// produced. preState is the document content before op was applied; it is
// needed to recover deleted text.
//
// An insert inverts to a delete of the inserted length, a delete inverts to
// an insert of the removed substring, a replacement inverts to the opposite
// replacement, and a retain is its own inverse.
func Invert(op Operation, preState string) (Operation, error) {
	runes := []rune(preState)
	pos := clamp(op.Position, 0, len(runes))

	switch op.Kind {
	case Insert:
		if op.IsReplacement() {
			end := pos + op.Length
			if end > len(runes) {
				end = len(runes)
			}
			inv := NewReplace(op.Position, op.InsertedLength(), string(runes[pos:end]))
			inv.UserID = op.UserID
			return inv, nil
		}
		inv := NewDelete(op.Position, op.InsertedLength())
		inv.UserID = op.UserID
		return inv, nil
	case Delete:
		end := pos + op.Length
		if end > len(runes) {
			end = len(runes)
		}
		inv := NewInsert(op.Position, string(runes[pos:end]))
		inv.UserID = op.UserID
		return inv, nil
	case Retain:
		return op, nil
	default:
		return Operation{}, fmt.Errorf("unknown operation type: %q", op.Kind)
	}
}
