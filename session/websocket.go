package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/alimasry/collab-getaway/protocol"
)

// WebsocketSettings tunes a WebsocketTransport.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PongWait bounds how long the connection may stay silent.
	PongWait   time.Duration
	PingPeriod time.Duration
	// MaxMessageSize bounds incoming frames; room replays can be large.
	MaxMessageSize int64
}

func DefaultWebsocketSettings() WebsocketSettings {
	pongWait := 60 * time.Second
	return WebsocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         pongWait,
		PingPeriod:       (pongWait * 9) / 10,
		MaxMessageSize:   16 << 20,
	}
}

// WebsocketTransport dials the relay's websocket endpoint.
type WebsocketTransport struct {
	url      string
	settings WebsocketSettings
}

// NewWebsocketTransport returns a transport for a relay url such as
// ws://localhost:8080/ws.
func NewWebsocketTransport(url string, settings WebsocketSettings) *WebsocketTransport {
	return &WebsocketTransport{url: url, settings: settings}
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	ws.SetReadLimit(t.settings.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(t.settings.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(t.settings.PongWait))
		return nil
	})

	c := &wsConn{ws: ws, settings: t.settings, done: make(chan struct{})}
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	settings  WebsocketSettings
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(m protocol.Message) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, m.Encode())
}

func (c *wsConn) Receive() (protocol.Message, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		// Any inbound traffic proves the relay is alive.
		c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		m, err := protocol.Decode(data)
		if err != nil {
			glog.Warningf("[session] skipping bad frame: %v", err)
			continue
		}
		return m, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.settings.WriteTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				glog.V(1).Infof("[session] ping failed: %v", err)
				return
			}
		}
	}
}
