// Package ws is the websocket edge of the collaboration server. The hub
// upgrades connections, enforces an origin allowlist, routes inbound wire
// messages to the document, session, broadcast, and assist layers, and
// registers each connection as a broadcast sink for its document.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/assist"
	"github.com/deepnoodle-ai/weave/broadcast"
	"github.com/deepnoodle-ai/weave/document"
	"github.com/deepnoodle-ai/weave/metrics"
	"github.com/deepnoodle-ai/weave/session"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const DefaultSendBuffer = 64

// Options configures a Hub. Documents, Sessions, and Broadcaster are
// required; Integrator may be nil when AI assistance is disabled.
type Options struct {
	Documents   *document.Store
	Sessions    *session.Store
	Broadcaster *broadcast.Broadcaster
	Integrator  *assist.Integrator
	Logger      slogger.Logger
	Metrics     *metrics.Collector

	// AllowedOrigins is a list of glob patterns matched against the Origin
	// header. Empty means allow all.
	AllowedOrigins []string

	// SendBuffer is the per-connection outbound queue size. Defaults to
	// DefaultSendBuffer.
	SendBuffer int
}

// Hub owns all live websocket connections.
type Hub struct {
	documents   *document.Store
	sessions    *session.Store
	broadcaster *broadcast.Broadcaster
	integrator  *assist.Integrator
	logger      slogger.Logger
	metrics     *metrics.Collector

	upgrader   websocket.Upgrader
	sendBuffer int

	mu    sync.Mutex
	conns map[string]*Connection
}

// New creates a hub. Invalid origin patterns are rejected.
func New(opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}

	var origins []glob.Glob
	for _, pattern := range opts.AllowedOrigins {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		origins = append(origins, g)
	}

	h := &Hub{
		documents:   opts.Documents,
		sessions:    opts.Sessions,
		broadcaster: opts.Broadcaster,
		integrator:  opts.Integrator,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		sendBuffer:  opts.SendBuffer,
		conns:       make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			for _, g := range origins {
				if g.Match(origin) {
					return true
				}
			}
			return false
		},
	}
	return h, nil
}

// ServeHTTP upgrades the request into a hub connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Connection{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan outMessage, h.sendBuffer),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.logger.Info("websocket connected", "connection_id", c.id)

	go c.writePump()
	go c.readPump()
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.disconnect(c)
	}
}

// publishGauges refreshes the store-size gauges after membership changes.
func (h *Hub) publishGauges() {
	h.metrics.SetActiveDocuments(h.documents.Len())
	h.metrics.SetActiveSessions(h.sessions.Len())
}

func (h *Hub) connByID(id string) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[id]
}

// handleMessage dispatches one inbound wire message. Runs on the
// connection's read pump, so per-connection handling is serial.
func (h *Hub) handleMessage(c *Connection, msg Message) {
	ctx := context.Background()

	if sess := h.sessions.GetByConnectionID(c.id); sess != nil {
		h.sessions.UpdateActivity(ctx, sess.ID)
	}

	switch msg.Type {
	case MsgJoinDocument:
		h.handleJoin(ctx, c, msg.Payload)
	case MsgLeaveDocument:
		h.handleLeave(ctx, c)
	case MsgOperation:
		h.handleOperation(ctx, c, msg.Payload)
	case MsgPresence:
		h.handlePresence(ctx, c, msg.Payload)
	case MsgAIRequest:
		h.handleAIRequest(ctx, c, msg.Payload)
	case MsgAICancel:
		h.handleAICancel(ctx, c, msg.Payload)
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Connection, payload json.RawMessage) {
	var join joinPayload
	if err := json.Unmarshal(payload, &join); err != nil {
		c.sendError("Invalid join payload")
		return
	}
	if !h.sessions.ValidateUser(join.UserID, join.UserName) {
		c.sendError("Invalid user")
		return
	}
	if join.DocumentID == "" {
		c.sendError("Document id is required")
		return
	}

	// Rejoining from the same connection: leave the old document first.
	if _, _, current := c.state(); current != "" {
		h.leave(ctx, c)
	}

	sess, displaced := h.sessions.Create(ctx, join.UserID, join.UserName, join.DocumentID, c.id, join.Avatar)
	if displaced != nil {
		if old := h.connByID(displaced.ConnectionID); old != nil {
			old.sendError("Connected from another location")
			h.disconnect(old)
		}
	}

	doc, err := h.documents.Create(ctx, join.DocumentID, "", join.UserID)
	if err != nil {
		c.sendError("Failed to open document")
		h.sessions.Remove(ctx, sess.ID)
		return
	}
	collaborator := sess.ToCollaborator()
	if err := h.documents.AddCollaborator(ctx, doc.ID, collaborator); err != nil {
		c.sendError("Failed to join document")
		h.sessions.Remove(ctx, sess.ID)
		return
	}

	c.setState(join.UserID, join.UserName, join.DocumentID)
	h.broadcaster.Subscribe(join.DocumentID, c.id, c)

	doc = h.documents.Get(ctx, join.DocumentID)
	c.enqueue(MsgDocumentState, DocumentStatePayload{
		Document:      doc,
		Collaborators: doc.Collaborators,
	})
	h.broadcaster.Broadcast(join.DocumentID, broadcast.EventUserJoined, broadcast.UserEvent{
		DocumentID: join.DocumentID,
		User:       collaborator,
	}, c.id)
	h.broadcaster.Broadcast(join.DocumentID, broadcast.EventCollaboratorsUpdated, broadcast.CollaboratorsEvent{
		DocumentID:    join.DocumentID,
		Collaborators: doc.Collaborators,
	}, c.id)
	h.publishGauges()
	h.logger.Info("user joined document",
		"user_id", join.UserID, "document_id", join.DocumentID, "connection_id", c.id)
}

func (h *Hub) handleLeave(ctx context.Context, c *Connection) {
	h.leave(ctx, c)
}

// leave tears down the connection's document membership and notifies the
// remaining collaborators.
func (h *Hub) leave(ctx context.Context, c *Connection) {
	userID, userName, documentID := c.state()
	if documentID == "" {
		return
	}
	c.setState("", "", "")

	h.broadcaster.Unsubscribe(documentID, c.id)
	h.sessions.RemoveByConnectionID(ctx, c.id)
	defer h.publishGauges()

	// When the user was displaced by a newer connection on the same
	// document, the collaborator entry now belongs to that connection.
	stillPresent := false
	for _, sess := range h.sessions.DocumentSessions(documentID) {
		if sess.UserID == userID {
			stillPresent = true
			break
		}
	}
	if stillPresent {
		return
	}
	if err := h.documents.RemoveCollaborator(ctx, documentID, userID); err != nil {
		h.logger.Warn("failed to remove collaborator",
			"user_id", userID, "document_id", documentID, "error", err)
	}

	var collaborators []*weave.Collaborator
	if doc := h.documents.Get(ctx, documentID); doc != nil {
		collaborators = doc.Collaborators
	}
	h.broadcaster.Broadcast(documentID, broadcast.EventUserLeft, broadcast.UserEvent{
		DocumentID: documentID,
		User:       &weave.Collaborator{ID: userID, Name: userName},
	}, c.id)
	h.broadcaster.Broadcast(documentID, broadcast.EventCollaboratorsUpdated, broadcast.CollaboratorsEvent{
		DocumentID:    documentID,
		Collaborators: collaborators,
	}, c.id)

	// Last one out: the document leaves memory and survives in the cache
	// until its TTL lapses.
	if len(h.sessions.DocumentSessions(documentID)) == 0 {
		h.documents.Remove(ctx, documentID)
		h.logger.Info("document evicted", "document_id", documentID)
	}
	h.logger.Info("user left document",
		"user_id", userID, "document_id", documentID, "connection_id", c.id)
}

func (h *Hub) handleOperation(ctx context.Context, c *Connection, payload json.RawMessage) {
	var op operationPayload
	if err := json.Unmarshal(payload, &op); err != nil {
		c.sendError("Invalid operation payload")
		return
	}
	userID, _, documentID := c.state()
	if documentID == "" || op.DocumentID != documentID || op.Operation.UserID != userID {
		c.sendError("Not authorized for this operation")
		return
	}
	if op.Operation.Timestamp.IsZero() {
		op.Operation.Timestamp = time.Now()
	}
	if err := h.broadcaster.Submit(ctx, documentID, op.Operation, c.id); err != nil {
		c.sendError(err.Error())
	}
}

func (h *Hub) handlePresence(ctx context.Context, c *Connection, payload json.RawMessage) {
	var presence presencePayload
	if err := json.Unmarshal(payload, &presence); err != nil {
		c.sendError("Invalid presence payload")
		return
	}
	userID, _, documentID := c.state()
	if documentID == "" || presence.DocumentID != documentID || presence.UserID != userID {
		c.sendError("Not authorized for this presence update")
		return
	}
	if err := h.documents.UpdateCollaboratorPresence(ctx, documentID, userID, presence.Cursor, presence.Selection); err != nil {
		h.logger.Warn("failed to update presence",
			"user_id", userID, "document_id", documentID, "error", err)
		return
	}
	doc := h.documents.Get(ctx, documentID)
	if doc == nil {
		return
	}
	h.broadcaster.Broadcast(documentID, broadcast.EventPresence, broadcast.PresenceEvent{
		DocumentID:   documentID,
		Collaborator: doc.Collaborator(userID),
	}, c.id)
}

func (h *Hub) handleAIRequest(ctx context.Context, c *Connection, payload json.RawMessage) {
	if h.integrator == nil {
		c.sendError("AI assistance is not enabled")
		return
	}
	var ai aiRequestPayload
	if err := json.Unmarshal(payload, &ai); err != nil {
		c.sendError("Invalid AI request payload")
		return
	}
	userID, _, documentID := c.state()
	if documentID == "" || ai.DocumentID != documentID || ai.UserID != userID {
		c.sendError("Not authorized for this AI request")
		return
	}

	req := &weave.AIRequest{
		DocumentID:     ai.DocumentID,
		UserID:         ai.UserID,
		SelectedText:   ai.SelectedText,
		Prompt:         ai.Prompt,
		SelectionStart: ai.SelectionStart,
		SelectionEnd:   ai.SelectionEnd,
	}
	requestID, err := h.integrator.ProcessRequest(ctx, req)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.enqueue(broadcast.EventNotification, AIRequestAckPayload{
		RequestID: requestID,
		Message:   "AI request accepted",
	})
}

func (h *Hub) handleAICancel(ctx context.Context, c *Connection, payload json.RawMessage) {
	if h.integrator == nil {
		c.sendError("AI assistance is not enabled")
		return
	}
	var cancel aiCancelPayload
	if err := json.Unmarshal(payload, &cancel); err != nil {
		c.sendError("Invalid AI cancel payload")
		return
	}
	userID, _, _ := c.state()
	if userID == "" {
		c.sendError("Not authorized")
		return
	}
	if err := h.integrator.Cancel(ctx, cancel.RequestID, userID); err != nil {
		c.sendError(err.Error())
	}
}

// handleDisconnect runs when the read pump exits.
func (h *Hub) handleDisconnect(c *Connection) {
	h.leave(context.Background(), c)

	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if present {
		h.metrics.ConnectionClosed()
		h.logger.Info("websocket disconnected", "connection_id", c.id)
	}

	c.close()
	c.conn.Close()
}

// disconnect force-closes a connection; the read pump then runs the full
// teardown.
func (h *Hub) disconnect(c *Connection) {
	c.conn.Close()
}
