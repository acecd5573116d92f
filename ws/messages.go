package ws

import (
	"encoding/json"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/ot"
)

// Inbound message types.
const (
	MsgJoinDocument  = "join_document"
	MsgLeaveDocument = "leave_document"
	MsgOperation     = "operation"
	MsgPresence      = "presence"
	MsgAIRequest     = "ai_request"
	MsgAICancel      = "ai_cancel"
)

// Outbound message types not covered by the broadcast event constants.
const (
	MsgDocumentState = "document_state"
)

// Message is the wire envelope in both directions. Inbound payloads stay
// raw until the type is known.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type outMessage struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type joinPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	Avatar     string `json:"avatar,omitempty"`
}

type operationPayload struct {
	DocumentID string       `json:"documentId"`
	Operation  ot.Operation `json:"operation"`
}

type presencePayload struct {
	DocumentID string           `json:"documentId"`
	UserID     string           `json:"userId"`
	Cursor     int              `json:"cursor"`
	Selection  *weave.Selection `json:"selection,omitempty"`
}

type aiRequestPayload struct {
	DocumentID     string `json:"documentId"`
	UserID         string `json:"userId"`
	SelectedText   string `json:"selectedText"`
	Prompt         string `json:"prompt"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

type aiCancelPayload struct {
	RequestID string `json:"requestId"`
}

// DocumentStatePayload answers a successful join with the full document
// and the current collaborator list.
type DocumentStatePayload struct {
	Document      *weave.Document       `json:"document"`
	Collaborators []*weave.Collaborator `json:"collaborators"`
}

// AIRequestAckPayload confirms an accepted AI request.
type AIRequestAckPayload struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}
