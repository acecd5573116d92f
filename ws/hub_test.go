package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/aiqueue"
	"github.com/deepnoodle-ai/weave/assist"
	"github.com/deepnoodle-ai/weave/broadcast"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/document"
	"github.com/deepnoodle-ai/weave/ot"
	"github.com/deepnoodle-ai/weave/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	result string
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
	return &completer.Response{Result: s.result}, nil
}

type fixture struct {
	hub       *Hub
	server    *httptest.Server
	documents *document.Store
}

func newFixture(t *testing.T, withAI bool, origins []string) *fixture {
	t.Helper()

	documents := document.NewStore(document.StoreOptions{})
	sessions := session.NewStore(session.StoreOptions{})
	broadcaster := broadcast.New(broadcast.Options{Documents: documents})
	t.Cleanup(broadcaster.Stop)

	var integrator *assist.Integrator
	if withAI {
		queue := aiqueue.New(aiqueue.Options{
			Store:     aiqueue.NewMemoryStore(),
			Completer: &stubCompleter{result: "Go"},
		})
		t.Cleanup(queue.Stop)
		integrator = assist.New(assist.Options{
			Documents:    documents,
			Broadcaster:  broadcaster,
			Queue:        queue,
			PollInterval: 20 * time.Millisecond,
		})
		require.NoError(t, integrator.Start(context.Background()))
		t.Cleanup(integrator.Stop)
	}

	hub, err := New(Options{
		Documents:      documents,
		Sessions:       sessions,
		Broadcaster:    broadcaster,
		Integrator:     integrator,
		AllowedOrigins: origins,
	})
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &fixture{hub: hub, server: server, documents: documents}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(msgType string, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now(),
	}))
}

// expect reads messages until one of the wanted type arrives.
func (c *client) expect(msgType string) Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func (c *client) join(documentID, userID, userName string) DocumentStatePayload {
	c.t.Helper()
	c.send(MsgJoinDocument, joinPayload{
		DocumentID: documentID,
		UserID:     userID,
		UserName:   userName,
	})
	msg := c.expect(MsgDocumentState)
	var state DocumentStatePayload
	require.NoError(c.t, json.Unmarshal(msg.Payload, &state))
	return state
}

func TestJoinReceivesDocumentState(t *testing.T) {
	f := newFixture(t, false, nil)
	c := f.dial(t)

	state := c.join("d", "alice", "Alice")
	require.NotNil(t, state.Document)
	require.Equal(t, "d", state.Document.ID)
	require.NotEmpty(t, state.Document.Content)
	require.Len(t, state.Collaborators, 1)
	require.Equal(t, "alice", state.Collaborators[0].ID)
}

func TestJoinRequiresValidUser(t *testing.T) {
	f := newFixture(t, false, nil)
	c := f.dial(t)

	c.send(MsgJoinDocument, joinPayload{DocumentID: "d", UserID: "  ", UserName: "Alice"})
	msg := c.expect(broadcast.EventError)
	var errEvent broadcast.ErrorEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &errEvent))
	require.Equal(t, "Invalid user", errEvent.Message)
}

func TestSecondJoinNotifiesOthers(t *testing.T) {
	f := newFixture(t, false, nil)
	first := f.dial(t)
	first.join("d", "alice", "Alice")

	second := f.dial(t)
	state := second.join("d", "bob", "Bob")
	require.Len(t, state.Collaborators, 2)

	joined := first.expect(broadcast.EventUserJoined)
	var user struct {
		User *weave.Collaborator `json:"user"`
	}
	require.NoError(t, json.Unmarshal(joined.Payload, &user))
	require.Equal(t, "bob", user.User.ID)

	first.expect(broadcast.EventCollaboratorsUpdated)
}

func TestOperationFanOutAndAck(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.documents.Create(context.Background(), "d", "Hello", "alice")
	require.NoError(t, err)

	alice := f.dial(t)
	alice.join("d", "alice", "Alice")
	bob := f.dial(t)
	bob.join("d", "bob", "Bob")

	op := ot.NewInsert(5, " World")
	op.UserID = "bob"
	op.Timestamp = time.Now()
	op.Version = 1
	bob.send(MsgOperation, operationPayload{DocumentID: "d", Operation: op})

	ack := bob.expect(broadcast.EventOperationAck)
	var ackPayload broadcast.AckEvent
	require.NoError(t, json.Unmarshal(ack.Payload, &ackPayload))
	require.Equal(t, int64(1), ackPayload.OperationVersion)

	received := alice.expect(broadcast.EventOperation)
	var opEvent broadcast.OperationEvent
	require.NoError(t, json.Unmarshal(received.Payload, &opEvent))
	require.Equal(t, " World", opEvent.Operation.Content)

	require.Eventually(t, func() bool {
		doc := f.documents.Get(context.Background(), "d")
		return doc != nil && doc.Content == "Hello World"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOperationRequiresAuthorization(t *testing.T) {
	f := newFixture(t, false, nil)
	c := f.dial(t)
	c.join("d", "alice", "Alice")

	op := ot.NewInsert(0, "x")
	op.UserID = "bob"
	op.Version = 1
	c.send(MsgOperation, operationPayload{DocumentID: "d", Operation: op})

	msg := c.expect(broadcast.EventError)
	var errEvent broadcast.ErrorEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &errEvent))
	require.Equal(t, "Not authorized for this operation", errEvent.Message)
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, false, nil)
	c := f.dial(t)

	c.send("bogus", struct{}{})
	msg := c.expect(broadcast.EventError)
	var errEvent broadcast.ErrorEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &errEvent))
	require.Equal(t, "Unknown message type: bogus", errEvent.Message)
}

func TestLeaveNotifiesOthers(t *testing.T) {
	f := newFixture(t, false, nil)
	alice := f.dial(t)
	alice.join("d", "alice", "Alice")
	bob := f.dial(t)
	bob.join("d", "bob", "Bob")
	alice.expect(broadcast.EventUserJoined)

	bob.send(MsgLeaveDocument, struct{}{})

	left := alice.expect(broadcast.EventUserLeft)
	var user struct {
		User *weave.Collaborator `json:"user"`
	}
	require.NoError(t, json.Unmarshal(left.Payload, &user))
	require.Equal(t, "bob", user.User.ID)
}

func TestLastLeaveEvictsDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	alice := f.dial(t)
	alice.join("d", "alice", "Alice")
	bob := f.dial(t)
	bob.join("d", "bob", "Bob")
	alice.expect(broadcast.EventUserJoined)

	// Bob still holds a session, so the document stays resident.
	bob.send(MsgLeaveDocument, struct{}{})
	alice.expect(broadcast.EventUserLeft)
	require.NotNil(t, f.documents.Get(ctx, "d"))

	alice.send(MsgLeaveDocument, struct{}{})
	require.Eventually(t, func() bool {
		snapshot := f.hub.metrics.Snapshot()
		return f.documents.Get(ctx, "d") == nil &&
			snapshot.Connections.ActiveDocuments == 0 &&
			snapshot.Connections.ActiveSessions == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPresenceFanOut(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.documents.Create(context.Background(), "d", "Hello World", "alice")
	require.NoError(t, err)

	alice := f.dial(t)
	alice.join("d", "alice", "Alice")
	bob := f.dial(t)
	bob.join("d", "bob", "Bob")

	bob.send(MsgPresence, presencePayload{
		DocumentID: "d",
		UserID:     "bob",
		Cursor:     5,
		Selection:  &weave.Selection{Start: 0, End: 5},
	})

	msg := alice.expect(broadcast.EventPresence)
	var presence broadcast.PresenceEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &presence))
	require.Equal(t, "bob", presence.Collaborator.ID)
	require.Equal(t, 5, presence.Collaborator.Cursor)
	require.NotNil(t, presence.Collaborator.Selection)
}

func TestDisplacedConnectionEvicted(t *testing.T) {
	f := newFixture(t, false, nil)
	first := f.dial(t)
	first.join("d", "alice", "Alice")

	second := f.dial(t)
	second.join("d", "alice", "Alice")

	// The older connection is dropped; its read loop terminates.
	first.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var closed bool
	for !closed {
		var msg Message
		if err := first.conn.ReadJSON(&msg); err != nil {
			closed = true
		}
	}
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestOriginAllowlist(t *testing.T) {
	f := newFixture(t, false, []string{"https://app.example.com"})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	headers := http.Header{"Origin": {"https://evil.example.com"}}
	_, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.Error(t, err)

	headers = http.Header{"Origin": {"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	conn.Close()
}

func TestAIRequestFlow(t *testing.T) {
	f := newFixture(t, true, nil)
	_, err := f.documents.Create(context.Background(), "d", "Hello World", "alice")
	require.NoError(t, err)

	c := f.dial(t)
	c.join("d", "alice", "Alice")

	c.send(MsgAIRequest, aiRequestPayload{
		DocumentID:     "d",
		UserID:         "alice",
		SelectedText:   "World",
		Prompt:         "translate to Go",
		SelectionStart: 6,
		SelectionEnd:   11,
	})

	ackMsg := c.expect(broadcast.EventNotification)
	var ack AIRequestAckPayload
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ack))
	require.NotEmpty(t, ack.RequestID)

	responseMsg := c.expect(broadcast.EventAIResponse)
	var response assist.AIResponseEvent
	require.NoError(t, json.Unmarshal(responseMsg.Payload, &response))
	require.Equal(t, weave.StatusCompleted, response.Status)
	require.Equal(t, "Go", response.Result)

	require.Eventually(t, func() bool {
		doc := f.documents.Get(context.Background(), "d")
		return doc != nil && doc.Content == "Hello Go"
	}, 3*time.Second, 10*time.Millisecond)
}
