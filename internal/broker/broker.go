package broker

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/christopherjohns/signalhub/internal/presence"
	"github.com/christopherjohns/signalhub/internal/room"
)

const (
	// defaultGraceDelay is how long a disconnected user's registry entry
	// survives before deletion, to tolerate fast reconnects.
	defaultGraceDelay = 5 * time.Second

	// defaultSweepInterval is how often the presence sweeper runs.
	defaultSweepInterval = 60 * time.Second

	// defaultPresenceTTL is how long an offline entry may sit before the
	// sweeper removes it.
	defaultPresenceTTL = 5 * time.Minute
)

// Transport delivers events to connections. Every call is best-effort and
// must not block; the ws.ConnManager implementation enqueues onto per-client
// buffered channels.
type Transport interface {
	SendTo(connID, event string, payload any)
	Broadcast(event string, payload any)
	BroadcastToGroup(group, event string, payload any, excludeConnID string)
	AddToGroup(connID, group string) error
	RemoveFromGroup(connID, group string) error
}

// PresenceSink receives a copy of every presence snapshot the broker
// broadcasts. Implemented by presence.Mirror.
type PresenceSink interface {
	Publish(users []presence.Info)
}

// Broker owns the presence registry and room index and translates inbound
// transport events into state changes and outbound sends. A single mutex
// guards both indices so every handler runs as an atomic transaction
// against them; the grace-delay timers and the sweeper serialize on the
// same mutex.
type Broker struct {
	mu        sync.Mutex
	users     *presence.Registry
	rooms     *room.Index
	transport Transport
	sink      PresenceSink

	graceDelay    time.Duration
	sweepInterval time.Duration
	presenceTTL   time.Duration

	// pending holds the scheduled grace-delay deletion per logical user
	// id. A re-registration cancels the entry.
	pending map[string]*time.Timer

	stopSweep context.CancelFunc
}

// Option configures a Broker.
type Option func(*Broker)

// WithGraceDelay sets how long a registry entry survives after disconnect.
func WithGraceDelay(d time.Duration) Option {
	return func(b *Broker) { b.graceDelay = d }
}

// WithSweepInterval sets how often the presence sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) { b.sweepInterval = d }
}

// WithPresenceTTL sets how long an offline entry may sit before the sweeper
// removes it.
func WithPresenceTTL(d time.Duration) Option {
	return func(b *Broker) { b.presenceTTL = d }
}

// WithSink attaches a presence sink that receives every broadcast snapshot.
func WithSink(sink PresenceSink) Option {
	return func(b *Broker) { b.sink = sink }
}

// New creates a Broker and starts its sweep loop.
func New(transport Transport, opts ...Option) *Broker {
	b := &Broker{
		users:         presence.NewRegistry(),
		rooms:         room.NewIndex(),
		transport:     transport,
		graceDelay:    defaultGraceDelay,
		sweepInterval: defaultSweepInterval,
		presenceTTL:   defaultPresenceTTL,
		pending:       make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.stopSweep = cancel
	go b.sweepLoop(ctx)

	return b
}

// Close stops the sweeper and any pending grace-delay deletions.
func (b *Broker) Close() {
	b.stopSweep()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.pending {
		t.Stop()
		delete(b.pending, id)
	}
}

// Connect sends the current user list to a freshly accepted connection.
func (b *Broker) Connect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport.SendTo(connID, "user-list", b.users.Snapshot())
}

// Register binds the connection to a logical identity, cancels any pending
// grace-delay deletion for that identity, places the connection in its
// personal group, and broadcasts the updated user list. Register always
// succeeds.
func (b *Broker) Register(connID string, p RegisterPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, displaced := b.users.Register(connID, p.UserID, p.Name)

	// A registry entry that is freshly online must never be deleted by a
	// stale scheduled cleanup for the same id.
	if t, ok := b.pending[u.ID]; ok {
		t.Stop()
		delete(b.pending, u.ID)
	}

	// Tear down room memberships of any binding this registration pushed
	// out, exactly as a disconnect would: the displaced connection no
	// longer speaks for that identity, so rooms must not keep it.
	for _, d := range displaced {
		name := d.UserID
		if du := b.users.ByUserID(d.UserID); du != nil {
			name = du.Name
		}
		b.leaveAllRooms(d.ConnectionID, d.UserID, name)
		if err := b.transport.RemoveFromGroup(d.ConnectionID, d.UserID); err != nil {
			log.Printf("broker: failed to remove displaced connection %s from personal room %s: %v", d.ConnectionID, d.UserID, err)
		}
		if du := b.users.ByUserID(d.UserID); du != nil && !du.Online {
			b.scheduleRemoval(d.UserID)
		}
	}

	if err := b.transport.AddToGroup(connID, u.ID); err != nil {
		log.Printf("broker: failed to add connection %s to personal room %s: %v", connID, u.ID, err)
	}

	b.transport.SendTo(connID, "user-registered", Registered{
		UserID:       u.ID,
		Name:         u.Name,
		PersonalRoom: u.ID,
	})
	b.publishPresence()

	log.Printf("broker: registered user %s (%s) on connection %s", u.ID, u.Name, connID)
}

// JoinRoom adds the connection to a room. Joining a room the connection is
// already in acknowledges success without notifying other members: the
// membership state is unchanged, so there is nothing to announce.
func (b *Broker) JoinRoom(connID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.users.ByConnection(connID)
	if u == nil {
		log.Printf("broker: join-room from unregistered connection %s", connID)
		return
	}
	if roomID == "" {
		b.transport.SendTo(connID, "room-ack", RoomAck{Success: false, Error: "roomId is required"})
		return
	}

	if !b.rooms.Join(roomID, connID, u.ID) {
		b.transport.SendTo(connID, "room-ack", RoomAck{Success: true, RoomID: roomID})
		return
	}

	if err := b.transport.AddToGroup(connID, roomGroup(roomID)); err != nil {
		// Roll back so the index never disagrees with the transport's
		// group membership.
		b.rooms.Leave(roomID, connID, u.ID)
		b.transport.SendTo(connID, "room-ack", RoomAck{Success: false, RoomID: roomID, Error: err.Error()})
		return
	}

	b.transport.BroadcastToGroup(roomGroup(roomID), "user-joined-room", RoomEvent{
		UserID:   u.ID,
		UserName: u.Name,
		RoomID:   roomID,
	}, connID)
	b.transport.SendTo(connID, "room-ack", RoomAck{Success: true, RoomID: roomID})
}

// LeaveRoom removes the connection from a room. Leaving a room the
// connection is not in acknowledges success as a no-op.
func (b *Broker) LeaveRoom(connID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.users.ByConnection(connID)
	if u == nil {
		log.Printf("broker: leave-room from unregistered connection %s", connID)
		return
	}
	if roomID == "" {
		b.transport.SendTo(connID, "room-ack", RoomAck{Success: false, Error: "roomId is required"})
		return
	}

	if !b.rooms.Leave(roomID, connID, u.ID) {
		b.transport.SendTo(connID, "room-ack", RoomAck{Success: true, RoomID: roomID})
		return
	}

	if err := b.transport.RemoveFromGroup(connID, roomGroup(roomID)); err != nil {
		b.transport.SendTo(connID, "room-ack", RoomAck{Success: false, RoomID: roomID, Error: err.Error()})
		return
	}

	b.transport.BroadcastToGroup(roomGroup(roomID), "user-left-room", RoomEvent{
		UserID:   u.ID,
		UserName: u.Name,
		RoomID:   roomID,
	}, connID)
	b.transport.SendTo(connID, "room-ack", RoomAck{Success: true, RoomID: roomID})
}

// Signal relays an opaque signaling payload to the logical user named in
// its "to" field, annotated with the sender's identity. Exactly one
// delivery attempt; an unreachable target is reported back to the sender.
func (b *Broker) Signal(connID string, raw json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sender := b.users.ByConnection(connID)
	if sender == nil {
		log.Printf("broker: signal from unregistered connection %s", connID)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("broker: invalid signal payload from %s: %v", sender.ID, err)
		return
	}
	target, _ := payload["to"].(string)

	tu := b.users.ByUserID(target)
	if tu == nil || !tu.Online {
		b.transport.SendTo(connID, "signal-error", SignalError{
			Error:          "target not found or offline",
			TargetUserID:   target,
			OriginalSignal: payload,
		})
		return
	}

	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}
	out["from"] = sender.ID
	out["fromName"] = sender.Name
	out["timestamp"] = time.Now()
	b.transport.SendTo(tu.ConnectionID, "signal", out)
}

// Chat relays a direct message. The recipient gets the envelope, the sender
// gets a delivery confirmation or an offline notice; nothing is buffered.
// Faults while processing, including a payload that does not decode, are
// reported back to the sender as a message-error.
func (b *Broker) Chat(connID string, raw json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sender := b.users.ByConnection(connID)
	if sender == nil {
		log.Printf("broker: chat-message from unregistered connection %s", connID)
		return
	}

	var p ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		b.transport.SendTo(connID, "message-error", MessageError{
			Error:           "invalid chat message payload",
			OriginalMessage: raw,
		})
		return
	}

	if p.RecipientID == "" || p.Content == "" {
		b.transport.SendTo(connID, "message-error", MessageError{
			Error:           "recipientId and content are required",
			OriginalMessage: p,
		})
		return
	}

	msgType := p.Type
	if msgType == "" {
		msgType = "text"
	}
	now := time.Now()
	msg := ChatMessage{
		ID:          uuid.NewString(),
		SenderID:    sender.ID,
		SenderName:  sender.Name,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Type:        msgType,
		Timestamp:   now,
	}

	recipient := b.users.ByUserID(p.RecipientID)
	if recipient == nil || !recipient.Online {
		b.transport.SendTo(connID, "message-offline", Offline{
			MessageID:   msg.ID,
			RecipientID: p.RecipientID,
			Timestamp:   now,
		})
		return
	}

	msg.DeliveryStatus = "delivered"
	b.transport.SendTo(recipient.ConnectionID, "chat-message", msg)
	b.transport.SendTo(connID, "message-delivered", Delivered{
		MessageID:   msg.ID,
		DeliveredTo: recipient.ID,
		Timestamp:   now,
	})
}

// Typing relays a typing indicator. Best-effort: if the sender or target
// cannot be resolved the event is dropped without feedback.
func (b *Broker) Typing(connID string, p TypingPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sender := b.users.ByConnection(connID)
	if sender == nil {
		return
	}
	recipient := b.users.ByUserID(p.RecipientID)
	if recipient == nil || !recipient.Online {
		return
	}

	b.transport.SendTo(recipient.ConnectionID, "typing", TypingEvent{
		UserID:    sender.ID,
		UserName:  sender.Name,
		IsTyping:  p.IsTyping,
		Timestamp: time.Now(),
	})
}

// Disconnect marks the connection's user offline, removes it from every
// joined room with a "left" notification, and schedules deletion of the
// registry entry after the grace delay.
func (b *Broker) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := b.users.MarkOffline(connID)
	if u == nil {
		log.Printf("broker: disconnect from unknown connection %s", connID)
		return
	}

	b.leaveAllRooms(connID, u.ID, u.Name)

	b.scheduleRemoval(u.ID)
	b.publishPresence()

	log.Printf("broker: user %s disconnected (connection %s)", u.ID, connID)
}

// Snapshot returns the current presence snapshot.
func (b *Broker) Snapshot() []presence.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.users.Snapshot()
}

// Counts returns the number of tracked users and occupied rooms.
func (b *Broker) Counts() (users, rooms int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.users.Count(), b.rooms.Count()
}

// leaveAllRooms removes the connection from every room in the user's set,
// pruning each and notifying its remaining members, then clears the user's
// reverse-index entry. Must be called with b.mu held.
func (b *Broker) leaveAllRooms(connID, userID, userName string) {
	for _, roomID := range b.rooms.RoomsForUser(userID) {
		if !b.rooms.Leave(roomID, connID, userID) {
			continue
		}
		if err := b.transport.RemoveFromGroup(connID, roomGroup(roomID)); err != nil {
			log.Printf("broker: failed to remove %s from room group %s: %v", connID, roomID, err)
		}
		b.transport.BroadcastToGroup(roomGroup(roomID), "user-left-room", RoomEvent{
			UserID:   userID,
			UserName: userName,
			RoomID:   roomID,
		}, connID)
	}
	b.rooms.ClearUser(userID)
}

// scheduleRemoval arms (or re-arms) the grace-delay deletion for a user.
// Must be called with b.mu held.
func (b *Broker) scheduleRemoval(userID string) {
	if old, ok := b.pending[userID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(b.graceDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.pending[userID] != t {
			// Superseded by a newer timer or cancelled by a
			// re-registration that raced the firing.
			return
		}
		delete(b.pending, userID)
		u := b.users.ByUserID(userID)
		if u == nil || u.Online {
			return
		}
		b.users.Remove(userID)
		b.rooms.ClearUser(userID)
		b.publishPresence()
		log.Printf("broker: removed presence entry for %s after grace delay", userID)
	})
	b.pending[userID] = t
}

// sweepLoop runs the presence sweeper until ctx is cancelled.
func (b *Broker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep removes offline entries whose last activity is older than the
// presence TTL, along with their reverse-index entries.
func (b *Broker) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	stale := b.users.Expired(b.presenceTTL)
	if len(stale) == 0 {
		return
	}
	for _, id := range stale {
		b.users.Remove(id)
		b.rooms.ClearUser(id)
		if t, ok := b.pending[id]; ok {
			t.Stop()
			delete(b.pending, id)
		}
		log.Printf("broker: swept stale presence entry %s", id)
	}
	b.publishPresence()
}

// publishPresence broadcasts the current snapshot to every connection and
// hands it to the sink, if any. Must be called with b.mu held.
func (b *Broker) publishPresence() {
	snap := b.users.Snapshot()
	b.transport.Broadcast("user-list", snap)
	if b.sink != nil {
		// The sink may do I/O; never hold the broker lock for it.
		go b.sink.Publish(snap)
	}
}

// roomGroup namespaces room names in the transport's group space so a room
// can never collide with a personal group named by a user id.
func roomGroup(roomID string) string {
	return "room:" + roomID
}
