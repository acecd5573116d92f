package ws

import (
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave/broadcast"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

// Connection is one websocket client. It carries the user and document it
// is bound to after a successful join and implements the broadcaster's
// sink capability.
type Connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan outMessage

	mu         sync.Mutex
	closed     bool
	userID     string
	userName   string
	documentID string

	closeOnce sync.Once
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) state() (userID, userName, documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userName, c.documentID
}

func (c *Connection) setState(userID, userName, documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.userName = userName
	c.documentID = documentID
}

// Deliver queues a broadcast event for the write pump. It never blocks: a
// full buffer means the client is not keeping up and the connection is
// dropped.
func (c *Connection) Deliver(event broadcast.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- outMessage{Type: event.Type, Payload: event.Payload, Timestamp: time.Now()}:
	default:
		c.hub.logger.Warn("dropping slow websocket consumer", "connection_id", c.id)
		go c.hub.disconnect(c)
	}
}

func (c *Connection) enqueue(eventType string, payload any) {
	c.Deliver(broadcast.Event{Type: eventType, Payload: payload})
}

func (c *Connection) sendError(message string) {
	c.enqueue(broadcast.EventError, broadcast.ErrorEvent{Message: message})
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// writePump serializes all outbound traffic and keeps the connection alive
// with periodic pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses inbound messages and hands them to the hub until the
// connection drops.
func (c *Connection) readPump() {
	defer c.hub.handleDisconnect(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "connection_id", c.id, "error", err)
			}
			return
		}
		c.hub.handleMessage(c, msg)
	}
}
