package broker

import "time"

// Inbound payloads, decoded by the transport handler from the client's
// envelopes.

// RegisterPayload is sent by a client to claim (or mint) a logical identity.
type RegisterPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// RoomPayload names a room in join-room and leave-room events.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ChatPayload is a direct message from one logical user to another.
type ChatPayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
}

// TypingPayload is a best-effort typing indicator.
type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// Outbound payloads.

// Registered confirms a registration. PersonalRoom is the group every
// connection of this user is placed in, named by the logical user id.
type Registered struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	PersonalRoom string `json:"personalRoom"`
}

// RoomAck acknowledges a join-room or leave-room request to the acting
// connection. Error is set only when Success is false.
type RoomAck struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId"`
	Error   string `json:"error,omitempty"`
}

// RoomEvent notifies remaining room members that a user joined or left.
type RoomEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	RoomID   string `json:"roomId"`
}

// SignalError tells the sender a signal could not be relayed. The original
// payload rides along so the sender can decide whether to retry.
type SignalError struct {
	Error          string         `json:"error"`
	TargetUserID   string         `json:"targetUserId"`
	OriginalSignal map[string]any `json:"originalSignal"`
}

// ChatMessage is the envelope delivered to a chat recipient.
type ChatMessage struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	RecipientID    string    `json:"recipientId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	DeliveryStatus string    `json:"deliveryStatus"`
}

// Delivered confirms delivery of a chat message to its sender.
type Delivered struct {
	MessageID   string    `json:"messageId"`
	DeliveredTo string    `json:"deliveredTo"`
	Timestamp   time.Time `json:"timestamp"`
}

// Offline tells the sender the recipient was unknown or offline. The
// message is not buffered; the sender owns the retry decision.
type Offline struct {
	MessageID   string    `json:"messageId"`
	RecipientID string    `json:"recipientId"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageError reports an unexpected fault while processing a chat message,
// with the offending payload attached for client-side diagnostics. The
// payload is a ChatPayload when it decoded, or the raw bytes when the
// decode itself was the fault.
type MessageError struct {
	Error           string `json:"error"`
	OriginalMessage any    `json:"originalMessage"`
}

// TypingEvent is the relayed typing indicator.
type TypingEvent struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}
