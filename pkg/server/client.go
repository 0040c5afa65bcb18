package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jllopis/avva/pkg/assistant"
	"github.com/jllopis/avva/pkg/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 32 * 1024
	sendBuffer     = 256
)

var (
	ErrClientSendBufferFull = stderrors.New("client send buffer full")
	ErrClientClosed         = stderrors.New("client connection closed")
)

// Inbound message types.
const (
	MsgCommand   = "command"
	MsgInterrupt = "interrupt"
	MsgPing      = "ping"
)

type inbound struct {
	Type            string `json:"type"`
	Text            string `json:"text,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	Sensitive       bool   `json:"sensitive,omitempty"`
	RequiresPrivacy bool   `json:"requires_privacy,omitempty"`
	Capability      string `json:"capability,omitempty"`
}

func (m inbound) routing() core.Routing {
	return core.Routing{Sensitive: m.Sensitive, RequiresPrivacy: m.RequiresPrivacy, Capability: m.Capability}
}

type outbound struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Client is one websocket connection.
type Client struct {
	ID string

	conn *websocket.Conn
	hub  *Hub
	out  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	interrupt *assistant.Interrupt
}

func newClient(ctx context.Context, conn *websocket.Conn, hub *Hub, id string) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		out:    make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrClientSendBufferFull
	}
}

func (c *Client) sendJSON(v outbound) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.send(data)
}

// Close stops the connection and interrupts any running command.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.interrupt.Raise()
	close(c.out)
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close()
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.ID, "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.hub.logger.Debug("malformed client message", "client", c.ID, "error", err)
		c.sendJSON(outbound{
			Type:      string(core.EventError),
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"code": "INVALID_INPUT", "message": "malformed message"},
		})
		return
	}

	switch msg.Type {
	case MsgCommand:
		c.runCommand(msg)
	case MsgInterrupt:
		c.mu.Lock()
		c.interrupt.Raise()
		c.mu.Unlock()
		c.hub.logger.Info("command interrupted", "client", c.ID)
	case MsgPing:
		c.sendJSON(outbound{Type: "pong", Timestamp: time.Now().UTC()})
	default:
		c.hub.logger.Debug("unknown message type", "client", c.ID, "type", msg.Type)
	}
}

// runCommand starts msg on its own goroutine. A newer command interrupts
// the one still running on this connection.
func (c *Client) runCommand(msg inbound) {
	commander := c.hub.getCommander()
	if commander == nil {
		c.hub.logger.Warn("command received but no assistant attached", "client", c.ID)
		return
	}

	intr := &assistant.Interrupt{}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.interrupt.Raise()
	c.interrupt = intr
	c.hub.wg.Add(1)
	c.mu.Unlock()

	ctx := core.WithRequester(c.ctx, "ws:"+c.ID)
	if msg.RequestID != "" {
		ctx = core.WithRequestID(ctx, msg.RequestID)
	}
	if r := msg.routing(); r != (core.Routing{}) {
		ctx = core.WithRouting(ctx, r)
	}
	go func() {
		defer c.hub.wg.Done()
		commander.ProcessStream(ctx, msg.Text, nil, intr)
	}()
}
