package server

import (
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alimasry/collab-getaway/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
	sendBuffer = 256
)

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Name   string
	Color  string
	PeerID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// The room this client is currently in (nil if not joined).
	mu     sync.Mutex
	room   *Room
	closed bool
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	colors     = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:    uuid.NewString(),
		Name:  adjectives[rand.Intn(len(adjectives))] + " " + animals[rand.Intn(len(animals))],
		Color: colors[rand.Intn(len(colors))],
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
	}
}

func (c *Client) currentRoom() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// ReadPump reads frames from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		if r := c.detach(); r != nil {
			r.removeClient(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("client %s read error: %v", c.ID, err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case protocol.MsgJoin:
			if c.currentRoom() != nil {
				c.sendError("already joined a room")
				continue
			}
			if msg.Room == "" {
				c.sendError("room name required")
				continue
			}
			c.hub.requestJoin(joinRequest{client: c, msg: msg})
		case protocol.MsgSync, protocol.MsgUpdate, protocol.MsgPresence:
			r := c.currentRoom()
			if r == nil {
				c.sendError("not joined to a room")
				continue
			}
			r.submit(frame{client: c, msg: msg})
		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// WritePump writes frames from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// sendMsg queues msg without blocking. It reports false when the client's
// buffer is full or the client is already closed.
func (c *Client) sendMsg(msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg.Encode():
		return true
	default:
		return false
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(protocol.Message{Type: protocol.MsgError, Message: message})
}

// close stops the write pump, which closes the connection.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.room = nil
	close(c.send)
}

// detach is called once the read side is gone. A client whose join is still
// queued is closed here, so the room drops it instead of admitting it.
func (c *Client) detach() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil && !c.closed {
		c.closed = true
		close(c.send)
	}
	return c.room
}

func (c *Client) Info() protocol.PeerInfo {
	return protocol.PeerInfo{ClientID: c.ID, PeerID: c.PeerID, Name: c.Name, Color: c.Color}
}
