// Package ot implements the operational transformation model used by the
// collaboration engine: positional insert, delete, and retain operations
// together with the transform, apply, invert, and compose functions that
// keep concurrent edits convergent.
//
// Operations are pure values. Positions and lengths are rune offsets so
// multi-byte content cannot be split mid-character.
package ot

import (
	"fmt"
	"time"
)

// Kind identifies the operation variant.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Retain Kind = "retain"
)

// Operation is a positional edit authored against a document version.
// An insert with Length > 0 is a replacement: the range
// [Position, Position+Length) is removed and Content is inserted in its
// place. Timestamp participates only in transform tie-breaking.
type Operation struct {
	Kind      Kind      `json:"type"`
	Position  int       `json:"position"`
	Content   string    `json:"content,omitempty"`
	Length    int       `json:"length,omitempty"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Version   int64     `json:"version"`
}

// NewInsert creates an insertion of content at position.
func NewInsert(position int, content string) Operation {
	return Operation{Kind: Insert, Position: position, Content: content}
}

// NewReplace creates a replacement insert: delete length runes at position,
// then insert content there. This is the shape of AI-generated edits.
func NewReplace(position, length int, content string) Operation {
	return Operation{Kind: Insert, Position: position, Content: content, Length: length}
}

// NewDelete creates a deletion of length runes at position.
func NewDelete(position, length int) Operation {
	return Operation{Kind: Delete, Position: position, Length: length}
}

// NewRetain creates a retain of length runes at position.
func NewRetain(position, length int) Operation {
	return Operation{Kind: Retain, Position: position, Length: length}
}

// IsReplacement reports whether op is an insert that first removes a range.
func (op Operation) IsReplacement() bool {
	return op.Kind == Insert && op.Length > 0
}

// Validate checks the structural invariants of the operation. It does not
// consider document state; position clamping happens at apply time.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("operation position must not be negative, got %d", op.Position)
	}
	switch op.Kind {
	case Insert:
		if op.Content == "" {
			return fmt.Errorf("insert operation requires content")
		}
		if op.Length < 0 {
			return fmt.Errorf("insert operation length must not be negative, got %d", op.Length)
		}
	case Delete:
		if op.Length <= 0 {
			return fmt.Errorf("delete operation requires a positive length, got %d", op.Length)
		}
	case Retain:
		if op.Length < 0 {
			return fmt.Errorf("retain operation length must not be negative, got %d", op.Length)
		}
	default:
		return fmt.Errorf("unknown operation type: %q", op.Kind)
	}
	return nil
}

// InsertedLength returns the number of runes the operation adds.
func (op Operation) InsertedLength() int {
	if op.Kind != Insert {
		return 0
	}
	return len([]rune(op.Content))
}

// DeletedLength returns the number of runes the operation removes from a
// document of contentLen runes, after clamping to the document bounds.
func (op Operation) DeletedLength(contentLen int) int {
	if op.Kind != Delete && !op.IsReplacement() {
		return 0
	}
	pos := clamp(op.Position, 0, contentLen)
	n := op.Length
	if pos+n > contentLen {
		n = contentLen - pos
	}
	if n < 0 {
		return 0
	}
	return n
}

// Delta returns the net change in document length (in runes) produced by
// applying the operation to a document of contentLen runes.
func (op Operation) Delta(contentLen int) int {
	return op.InsertedLength() - op.DeletedLength(contentLen)
}

// Apply rewrites content according to the operation and returns the result.
// Positions are clamped into [0, len(content)] and over-long deletions are
// truncated at the end of the document. Unknown operation kinds are an
// error; a zero-length delete or retain leaves content unchanged.
func Apply(content string, op Operation) (string, error) {
	if op.Position < 0 {
		return "", fmt.Errorf("operation position must not be negative, got %d", op.Position)
	}
	runes := []rune(content)
	pos := clamp(op.Position, 0, len(runes))

	switch op.Kind {
	case Insert:
		end := pos
		if op.Length > 0 {
			end = pos + op.Length
			if end > len(runes) {
				end = len(runes)
			}
		}
		return splice(runes, pos, end, op.Content), nil
	case Delete:
		end := pos + op.Length
		if end > len(runes) {
			end = len(runes)
		}
		return splice(runes, pos, end, ""), nil
	case Retain:
		return content, nil
	default:
		return "", fmt.Errorf("unknown operation type: %q", op.Kind)
	}
}

// ShiftOffset applies the collaborator shift rule to a single cursor or
// selection offset: offsets at or after the edit position move by the net
// delta, floored at zero; offsets before it are untouched.
func ShiftOffset(offset, position, delta int) int {
	if offset < position {
		return offset
	}
	shifted := offset + delta
	if shifted < 0 {
		return 0
	}
	return shifted
}

func splice(runes []rune, start, end int, insert string) string {
	ins := []rune(insert)
	out := make([]rune, 0, len(runes)-(end-start)+len(ins))
	out = append(out, runes[:start]...)
	out = append(out, ins...)
	out = append(out, runes[end:]...)
	return string(out)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
