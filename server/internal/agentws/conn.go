// Package agentws implements the server side of the agent-facing
// control-plane WebSocket: the read/write pump lifecycle is adapted from the
// UI-facing hub's Client (ping/pong keepalive, single writer goroutine,
// buffered send channel) but carries the bidirectional register/dispatch/
// progress protocol instead of one-way browser push.
package agentws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/shared/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // control messages only; file bytes use the HTTP upload endpoint
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler processes one decoded inbound Envelope. Implemented by
// api.ControlPlaneHandler (server/internal/api/controlplane.go).
type Handler func(agentID string, env types.Envelope)

// Conn wraps one agent's WebSocket connection, running the read and write
// pumps and exposing Send for outbound dispatch from agentregistry.
type Conn struct {
	ws      *websocket.Conn
	send    chan types.Envelope
	agentID string
	logger  *zap.Logger

	onMessage Handler
	onClose   func()
}

// Upgrade upgrades an HTTP request to a WebSocket and returns a Conn ready to
// Run. agentID is not yet known at upgrade time if this is a first-ever
// connect — it is set by SetAgentID once the register envelope is processed.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *zap.Logger, onMessage Handler, onClose func()) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{
		ws:        ws,
		send:      make(chan types.Envelope, sendBufferSize),
		logger:    logger,
		onMessage: onMessage,
		onClose:   onClose,
	}, nil
}

// SetAgentID records the agent identity once known, for logging.
func (c *Conn) SetAgentID(id string) { c.agentID = id }

// AgentID returns the agent identity bound to this connection, or "" if the
// register handshake has not completed yet.
func (c *Conn) AgentID() string { return c.agentID }

// Send enqueues an envelope for delivery, implementing agentregistry.Sender.
// Non-blocking: if the send buffer is full the connection is considered
// unhealthy and is closed, matching the UI hub's backpressure policy.
func (c *Conn) Send(env types.Envelope) error {
	select {
	case c.send <- env:
		return nil
	default:
		c.ws.Close()
		return errSendBufferFull
	}
}

// Close closes the underlying WebSocket, unblocking readPump and triggering
// onClose. Implements agentregistry.Sender's eviction hook: called when a
// re-registering agent ID replaces this connection's session.
func (c *Conn) Close() error {
	return c.ws.Close()
}

var errSendBufferFull = websocketErr("agentws: send buffer full, connection closed")

type websocketErr string

func (e websocketErr) Error() string { return string(e) }

// Run starts the write pump in its own goroutine and blocks the caller on the
// read pump until the connection closes. Matches the gorilla single-writer
// constraint: only writePump ever calls c.ws.Write*.
func (c *Conn) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := types.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("agentws: failed to decode envelope", zap.String("agent_id", c.agentID), zap.Error(err))
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.agentID, env)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
