package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0

	// defaultIdleTimeout is the default time after which an idle connection is reaped.
	defaultIdleTimeout = 0

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var errUnknownConnection = errors.New("unknown connection")

// Envelope is the JSON structure sent over the WebSocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// client is one accepted WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// connEntry holds per-connection state alongside the cancel function.
type connEntry struct {
	c           *client
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	Groups          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
	IdleReaped      int64
}

// ConnManager tracks all active WebSocket connections, keyed by connection
// id, and the named groups they belong to. It provides lifecycle management
// including graceful shutdown, per-client buffered send channels, connection
// limits, and idle detection. It implements the broker's Transport: sends
// enqueue onto the client's buffer and never block.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[string]*connEntry
	groups   map[string]map[string]struct{}
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	// Atomic counters for stats.
	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:  make(map[string]*connEntry),
		groups:   make(map[string]map[string]struct{}),
		maxConns: defaultMaxConns,
		idleTTL:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context is
// cancelled when the client is removed or the manager shuts down. Callers
// should select on ctx.Done() in their read loop. Returns a cancelled
// context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c.id] = &connEntry{
		c:           c,
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)

	return ctx
}

// Remove stops a client's write pump, drops it from every group, and cleans
// it up.
func (cm *ConnManager) Remove(connID string) {
	cm.mu.Lock()
	entry, ok := cm.clients[connID]
	if ok {
		delete(cm.clients, connID)
		cm.dropFromAllGroupsLocked(connID)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		close(entry.c.send)
	}
}

// SendTo queues an event for delivery to one connection. Unknown
// connections are ignored; a full buffer drops the message (slow consumer).
func (cm *ConnManager) SendTo(connID, event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", event, err)
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.clients[connID]
	if !ok {
		return
	}
	cm.enqueueLocked(entry.c, data)
}

// Broadcast queues an event for delivery to every live connection.
func (cm *ConnManager) Broadcast(event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", event, err)
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, entry := range cm.clients {
		cm.enqueueLocked(entry.c, data)
	}
}

// BroadcastToGroup queues an event for every member of the named group,
// optionally excluding one connection (typically the acting one).
func (cm *ConnManager) BroadcastToGroup(group, event string, payload any, excludeConnID string) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", event, err)
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for connID := range cm.groups[group] {
		if connID == excludeConnID {
			continue
		}
		if entry, ok := cm.clients[connID]; ok {
			cm.enqueueLocked(entry.c, data)
		}
	}
}

// AddToGroup places a connection in the named group, creating it on first
// use. Fails if the connection is unknown or the manager is shut down.
func (cm *ConnManager) AddToGroup(connID, group string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return errors.New("connection manager is closed")
	}
	if _, ok := cm.clients[connID]; !ok {
		return errUnknownConnection
	}
	if cm.groups[group] == nil {
		cm.groups[group] = make(map[string]struct{})
	}
	cm.groups[group][connID] = struct{}{}
	return nil
}

// RemoveFromGroup drops a connection from the named group, pruning the
// group when it empties. Removing from a group the connection is not in is
// a no-op.
func (cm *ConnManager) RemoveFromGroup(connID, group string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.clients[connID]; !ok {
		return errUnknownConnection
	}
	if members, ok := cm.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(cm.groups, group)
		}
	}
	return nil
}

// GroupMembers returns the connection ids in the named group.
func (cm *ConnManager) GroupMembers(group string) []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	result := make([]string, 0, len(cm.groups[group]))
	for connID := range cm.groups[group] {
		result = append(result, connID)
	}
	return result
}

// TouchActivity updates the last-active timestamp for a connection.
// Call this when a client sends a message to prevent idle reaping.
func (cm *ConnManager) TouchActivity(connID string) {
	cm.mu.Lock()
	if entry, ok := cm.clients[connID]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	groups := len(cm.groups)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		Groups:          groups,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	entries := make([]*connEntry, 0, len(cm.clients))
	for _, entry := range cm.clients {
		entries = append(entries, entry)
	}
	cm.clients = make(map[string]*connEntry)
	cm.groups = make(map[string]map[string]struct{})
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for _, entry := range entries {
		entry.cancel()
		close(entry.c.send)
		entry.c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// enqueueLocked pushes a frame onto the client's buffer. Must be called
// with cm.mu held so it cannot race a Remove closing the channel.
func (cm *ConnManager) enqueueLocked(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for connection %s, dropping message", c.id)
	}
}

// dropFromAllGroupsLocked removes a connection from every group it belongs
// to. Must be called with cm.mu held.
func (cm *ConnManager) dropFromAllGroupsLocked(connID string) {
	for group, members := range cm.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(cm.groups, group)
		}
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
// The read loop of a reaped connection fails on the closed socket, which
// drives the normal disconnect path through the broker.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*connEntry
	for connID, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, entry)
			delete(cm.clients, connID)
			cm.dropFromAllGroupsLocked(connID)
		}
	}
	cm.mu.Unlock()

	for _, entry := range stale {
		entry.cancel()
		close(entry.c.send)
		entry.c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Printf("ws: reaped idle connection %s", entry.c.id)
	}
}

// writePump drains the client's send channel, writing each message
// to the WebSocket connection. It exits when ctx is cancelled or the
// send channel is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
				cancel()
				log.Printf("ws: write to connection %s failed: %v", c.id, err)
				return
			}
			cancel()
		}
	}
}

// encodeEnvelope marshals the payload and wraps it in an Envelope.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: data})
}
