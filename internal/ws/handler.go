package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/signalhub/internal/broker"
	"github.com/christopherjohns/signalhub/internal/ratelimit"
)

// Handler upgrades HTTP requests to WebSockets and translates inbound
// envelopes into broker calls. All event semantics live in the broker; the
// handler only decodes frames and tracks the connection lifecycle.
type Handler struct {
	manager *ConnManager
	broker  *broker.Broker
	limiter *ratelimit.Limiter
}

// NewHandler creates a WebSocket Handler. limiter may be nil to disable
// inbound event rate limiting.
func NewHandler(manager *ConnManager, b *broker.Broker, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		manager: manager,
		broker:  b,
		limiter: limiter,
	}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
	}

	connCtx := h.manager.Add(c)
	if connCtx.Err() != nil {
		// Rejected: shutting down or at capacity.
		return
	}
	defer func() {
		// Disconnect first so the broker's room cleanup can still see
		// the connection's group memberships.
		h.broker.Disconnect(c.id)
		h.manager.Remove(c.id)
		if h.limiter != nil {
			h.limiter.Forget(c.id)
		}
	}()

	// Every connection gets the current user list up front, before it has
	// registered an identity.
	h.broker.Connect(c.id)

	h.readLoop(r.Context(), connCtx, c)
}

// readLoop reads envelopes from the connection until it closes or the
// connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, c *client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.manager.TouchActivity(c.id)

		if h.limiter != nil && !h.limiter.Allow(c.id) {
			log.Printf("ws: rate limit exceeded for connection %s, dropping event", c.id)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case "register":
			var p broker.RegisterPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			h.broker.Register(c.id, p)
		case "join-room":
			var p broker.RoomPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			h.broker.JoinRoom(c.id, p.RoomID)
		case "leave-room":
			var p broker.RoomPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			h.broker.LeaveRoom(c.id, p.RoomID)
		case "signal":
			h.broker.Signal(c.id, env.Payload)
		case "chat-message":
			h.broker.Chat(c.id, env.Payload)
		case "typing":
			var p broker.TypingPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			h.broker.Typing(c.id, p)
		default:
			log.Printf("ws: unknown event type %q from connection %s", env.Type, c.id)
		}
	}
}
