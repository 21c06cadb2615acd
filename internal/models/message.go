package models

import "time"

// ChatMessage is the durable row for a team chat message. The primary
// key is the message's stable id (client idempotency key or
// server-generated), which makes the flush path's upsert idempotent.
type ChatMessage struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	TeamChatID  string    `json:"team_chat_id" gorm:"index:idx_chat_messages_chat_time,priority:1"`
	UserID      string    `json:"user_id" gorm:"index"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	Metadata    string    `json:"metadata" gorm:"type:jsonb"`
	SendTime    time.Time `json:"send_time" gorm:"index:idx_chat_messages_chat_time,priority:2"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by"`
}
