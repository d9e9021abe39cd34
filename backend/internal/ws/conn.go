package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockcollab/backend/internal/metrics"
)

const writeWait = 10 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      Service
	docID    string
	userID   string
	username string

	// send carries control messages and drops when full; snapshots keeps
	// only the newest undelivered snapshot.
	send      chan OutboundMessage
	snapshots chan SnapshotMessage

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, svc Service, docID, userID, username string) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		svc:       svc,
		docID:     docID,
		userID:    userID,
		username:  username,
		send:      make(chan OutboundMessage, 32),
		snapshots: make(chan SnapshotMessage, 1),
		done:      make(chan struct{}),
	}
}

// Enqueue queues msg, dropping it if the queue is full.
func (c *Conn) Enqueue(msg OutboundMessage) {
	if c.closed() {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// SendSnapshot replaces any snapshot not yet written.
func (c *Conn) SendSnapshot(msg SnapshotMessage) {
	if c.closed() {
		return
	}
	for {
		select {
		case c.snapshots <- msg:
			metrics.SnapshotsPushed.Inc()
			return
		default:
		}
		select {
		case <-c.snapshots:
		default:
		}
	}
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			}
			return
		}
		switch msg.Type {
		case "heartbeat":
			if err := c.svc.Touch(ctx, c.docID, c.userID, c.username); err != nil {
				log.Printf("touch presence error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			}
		case "show_alive_members":
			members, err := c.svc.Editors(ctx, c.userID, c.docID)
			if err != nil {
				c.Enqueue(ServerMessage{Type: "error", DocID: c.docID, Content: err.Error()})
				continue
			}
			c.Enqueue(ServerMessage{Type: "presence", DocID: c.docID, Members: members})
		default:
			c.Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	defer func() { _ = c.ws.Close() }()
	for {
		var out any
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.snapshots:
			out = msg
		case msg := <-c.send:
			out = msg
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(out); err != nil {
			log.Printf("write error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			c.close()
			return
		}
	}
}
