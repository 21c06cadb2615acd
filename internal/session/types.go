package session

import "time"

// MessageType distinguishes message authors. The assistant is just
// another author as far as the session core is concerned.
type MessageType string

const (
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
	TypeSystem    MessageType = "system"
)

// AssistantAuthor is the sentinel author id for assistant messages.
const AssistantAuthor = "assistant"

// Status is the lifecycle state of a cached session.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Message is one entry in a session's ordered log.
type Message struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	AuthorID  string         `json:"authorId"`
	Timestamp time.Time      `json:"timestamp"`
	Type      MessageType    `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// SyncedToDB marks a message as already written to durable
	// storage. Once true the message is never re-inserted there.
	SyncedToDB bool `json:"syncedToDb"`
}

// QueuedMessage is a pending submission not yet finalized into the
// message log, keyed by (UserID, MessageID).
type QueuedMessage struct {
	MessageID string         `json:"messageId"`
	UserID    string         `json:"userId"`
	Content   string         `json:"content"`
	Type      MessageType    `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is the authoritative per-room mutable state held in the
// cache tier. One per room; exclusively owned by the Store.
type Session struct {
	ID             string          `json:"sessionId"`
	Messages       []Message       `json:"messages"`
	Participants   []string        `json:"participants"`
	Status         Status          `json:"status"`
	Queue          []QueuedMessage `json:"queue"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
}

// HasParticipant reports whether userID is in the participant set.
func (s *Session) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// UnsyncedCount returns the number of messages not yet flushed.
func (s *Session) UnsyncedCount() int {
	n := 0
	for i := range s.Messages {
		if !s.Messages[i].SyncedToDB {
			n++
		}
	}
	return n
}

// MessagePatch is a partial update applied to a stored message.
type MessagePatch struct {
	Content  *string
	Metadata map[string]any
}

// AppendResult reports what an append actually did once the
// idempotency rules were applied.
type AppendResult struct {
	// Inserted is true when a new message entered the log.
	Inserted bool
	// Updated is true when the append resolved to an in-place update
	// of an existing assistant message with the same id.
	Updated bool
	// Duplicate is true when the id was already present and the append
	// was dropped (safe client retry).
	Duplicate bool
	// WasSynced reports whether the pre-existing message had already
	// been flushed; updates to synced messages must also be written
	// through to durable storage by the caller.
	WasSynced bool
	// Message is the stored message after the operation.
	Message Message
}
