package broadcast

import (
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/ot"
)

// Event types delivered to subscribers. The ws layer maps these onto wire
// messages one to one.
const (
	EventOperation            = "operation"
	EventOperationAck         = "operation_ack"
	EventPresence             = "presence"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventCollaboratorsUpdated = "collaborators_updated"
	EventNotification         = "notification"
	EventAIResponse           = "ai_response"
	EventError                = "error"
)

// Event is a server-originated message addressed to subscribers of a
// document.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sink receives events for a single connection. Implementations must not
// block: the hub backs its sinks with buffered channels and disconnects
// slow consumers.
type Sink interface {
	Deliver(event Event)
}

// OperationEvent carries a canonical applied operation.
type OperationEvent struct {
	DocumentID string       `json:"documentId"`
	Operation  ot.Operation `json:"operation"`
}

// AckEvent confirms an applied operation to its originating connection.
type AckEvent struct {
	OperationVersion int64     `json:"operationVersion"`
	Timestamp        time.Time `json:"timestamp"`
}

// PresenceEvent carries a collaborator's cursor and selection.
type PresenceEvent struct {
	DocumentID   string              `json:"documentId"`
	Collaborator *weave.Collaborator `json:"collaborator"`
}

// UserEvent announces a join or leave.
type UserEvent struct {
	DocumentID string              `json:"documentId"`
	User       *weave.Collaborator `json:"user"`
}

// CollaboratorsEvent carries the authoritative collaborator list.
type CollaboratorsEvent struct {
	DocumentID    string                `json:"documentId"`
	Collaborators []*weave.Collaborator `json:"collaborators"`
}

// ErrorEvent reports a failure to the originating connection.
type ErrorEvent struct {
	Message string `json:"message"`
}
