package ws

import (
	"encoding/json"
	"time"

	"github.com/Kicko7/Klyno-sub001/internal/presence"
	"github.com/Kicko7/Klyno-sub001/internal/session"
)

// Inbound event types (connection -> server).
const (
	EvtRoomJoin          = "room:join"
	EvtRoomLeave         = "room:leave"
	EvtMessageSend       = "message:send"
	EvtMessageEdit       = "message:edit"
	EvtMessageDelete     = "message:delete"
	EvtQueueSend         = "message:queue-send"
	EvtQueueRemove       = "message:queue:remove"
	EvtTypingStart       = "typing:start"
	EvtTypingStop        = "typing:stop"
	EvtReceiptUpdate     = "receipt:update"
	EvtPresenceHeartbeat = "presence:heartbeat"
)

// Outbound event types (server -> connection(s)).
const (
	EvtSessionLoaded  = "session:loaded"
	EvtPresenceList   = "presence:list"
	EvtReceiptList    = "receipt:list"
	EvtPresenceUpdate = "presence:update"
	EvtMessageNew     = "message:new"
	EvtMessageUpdate  = "message:update"
	EvtMessageDeleted = "message:delete"
	EvtMessageQueue   = "message:queue"
	EvtQueueDelete    = "message:queue:delete"
	EvtUserLeave      = "user:leave"
	EvtRoomError      = "room:error"
	EvtMessageError   = "message:error"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomPayload carries events whose only argument is a room id.
type RoomPayload struct {
	TeamID string `json:"teamId"`
}

// SendPayload is the message:send request body. MessageID is the
// client-supplied idempotency key; metadata.clientMessageId is honored
// as a fallback for older clients.
type SendPayload struct {
	TeamID    string         `json:"teamId"`
	Content   string         `json:"content"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
}

// ClientMessageID resolves the idempotency key for a send.
func (p *SendPayload) ClientMessageID() string {
	if p.MessageID != "" {
		return p.MessageID
	}
	if p.Metadata != nil {
		if v, ok := p.Metadata["clientMessageId"].(string); ok {
			return v
		}
	}
	return ""
}

// EditPayload is the message:edit request body.
type EditPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeletePayload is the message:delete request body.
type DeletePayload struct {
	MessageID string `json:"messageId"`
}

// QueueSendPayload is the message:queue-send request body.
type QueueSendPayload struct {
	TeamID    string         `json:"teamId"`
	Content   string         `json:"content"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	MessageID string         `json:"messageId"`
}

// QueueRemovePayload is the message:queue:remove request body.
type QueueRemovePayload struct {
	TeamID    string `json:"teamId"`
	MessageID string `json:"messageId"`
}

// ReceiptPayload is the receipt:update request body.
type ReceiptPayload struct {
	TeamID            string `json:"teamId"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

// SessionLoadedPayload is unicast to a joining connection.
type SessionLoadedPayload struct {
	SessionID    string                  `json:"sessionId"`
	Messages     []session.Message       `json:"messages"`
	Participants []string                `json:"participants"`
	Status       session.Status          `json:"status"`
	Queue        []session.QueuedMessage `json:"queue"`
}

// TypingPayload is broadcast on typing start/stop.
type TypingPayload struct {
	TeamID string `json:"teamId"`
	UserID string `json:"userId"`
}

// UserLeavePayload is broadcast when a user leaves a room.
type UserLeavePayload struct {
	TeamID string `json:"teamId"`
	UserID string `json:"userId"`
}

// QueueDeletePayload is broadcast to every connection when a queue
// entry is removed.
type QueueDeletePayload struct {
	TeamChatID string `json:"teamChatId"`
	MessageID  string `json:"messageId"`
}

// ReceiptBroadcastPayload is broadcast on receipt updates.
type ReceiptBroadcastPayload struct {
	TeamID  string              `json:"teamId"`
	Receipt presence.ReadReceipt `json:"receipt"`
}

// PresenceUpdatePayload is broadcast on any presence change.
type PresenceUpdatePayload struct {
	TeamID string         `json:"teamId"`
	Entry  presence.Entry `json:"entry"`
}

// RoomErrorPayload is the user-visible room-scoped error event. Code
// carries the application error taxonomy code.
type RoomErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// MessageErrorPayload is the user-visible send-failure error event.
type MessageErrorPayload struct {
	TeamID    string    `json:"teamId"`
	UserID    string    `json:"userId"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageBroadcast wraps a message for room fan-out.
type MessageBroadcast struct {
	TeamID  string          `json:"teamId"`
	Message session.Message `json:"message"`
}

// MessageDeleteBroadcast announces a deletion.
type MessageDeleteBroadcast struct {
	TeamID    string `json:"teamId,omitempty"`
	MessageID string `json:"messageId"`
}

// encode marshals an outbound event. Marshal failures are programming
// errors on our own payload types; returns nil so callers can skip.
func encode(eventType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil
	}
	return data
}
