package weave

import (
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/weave/ot"
)

// Bounds on AI rewrite inputs. Requests outside these limits are rejected
// at validation, before they reach the queue or a provider.
const (
	MaxSelectedTextLength = 10000
	MaxPromptLength       = 1000
)

// RequestStatus is the lifecycle state of an AI request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Selection is a half-open range [Start, End) of rune offsets.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Collaborator is a user's presence inside a document: cursor, selection,
// and activity. Presence is broadcast but never recorded in the operation
// history.
type Collaborator struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Avatar    string     `json:"avatar,omitempty"`
	Cursor    int        `json:"cursor"`
	Selection *Selection `json:"selection,omitempty"`
	Active    bool       `json:"active"`
	LastSeen  time.Time  `json:"lastSeen"`
}

// Clone returns a deep copy of the collaborator.
func (c *Collaborator) Clone() *Collaborator {
	out := *c
	if c.Selection != nil {
		sel := *c.Selection
		out.Selection = &sel
	}
	return &out
}

// Document is a shared plain-text document. Version counts the operations
// ever applied; History holds the most recent operations, bounded by the
// store's history cap; Content always equals the fold of the full
// operation sequence over the initial content.
type Document struct {
	ID            string          `json:"id"`
	Content       string          `json:"content"`
	Version       int64           `json:"version"`
	History       []ot.Operation  `json:"opHistory"`
	Collaborators []*Collaborator `json:"collaborators"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of the document, so callers can hand snapshots
// across goroutine boundaries without racing the store.
func (d *Document) Clone() *Document {
	out := *d
	out.History = make([]ot.Operation, len(d.History))
	copy(out.History, d.History)
	out.Collaborators = make([]*Collaborator, len(d.Collaborators))
	for i, c := range d.Collaborators {
		out.Collaborators[i] = c.Clone()
	}
	return &out
}

// Collaborator returns the collaborator with the given user id, or nil.
func (d *Document) Collaborator(userID string) *Collaborator {
	for _, c := range d.Collaborators {
		if c.ID == userID {
			return c
		}
	}
	return nil
}

// AIRequest asks for the selected range of a document to be rewritten
// according to the prompt. The selection is a half-open rune range
// [SelectionStart, SelectionEnd) and SelectedText is the client's snapshot
// of that range at authoring time.
type AIRequest struct {
	ID             string        `json:"id"`
	DocumentID     string        `json:"documentId"`
	UserID         string        `json:"userId"`
	SelectedText   string        `json:"selectedText"`
	Prompt         string        `json:"prompt"`
	SelectionStart int           `json:"selectionStart"`
	SelectionEnd   int           `json:"selectionEnd"`
	Status         RequestStatus `json:"status,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Result         string        `json:"result,omitempty"`
}

// Validate checks the request's structural constraints.
func (r AIRequest) Validate() error {
	if strings.TrimSpace(r.SelectedText) == "" {
		return fmt.Errorf("selected text is required")
	}
	if len(r.SelectedText) > MaxSelectedTextLength {
		return fmt.Errorf("selected text exceeds %d characters", MaxSelectedTextLength)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(r.Prompt) > MaxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters", MaxPromptLength)
	}
	if r.SelectionStart < 0 {
		return fmt.Errorf("selection start must not be negative, got %d", r.SelectionStart)
	}
	if r.SelectionEnd <= r.SelectionStart {
		return fmt.Errorf("selection end must be greater than selection start (%d..%d)", r.SelectionStart, r.SelectionEnd)
	}
	return nil
}

// AIResult is the terminal record of an AI request, stored keyed by
// request id.
type AIResult struct {
	Request     AIRequest     `json:"request"`
	Status      RequestStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completedAt"`
}
