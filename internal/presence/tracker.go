package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Kicko7/Klyno-sub001/pkg/cache"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
)

const (
	presenceKeyPrefix = "teamsync:presence:"
	receiptKeyPrefix  = "teamsync:receipt:"
	typingKeyPrefix   = "teamsync:typing:"

	typingTTL = 10 * time.Second
)

// Entry is the ephemeral per-(room, user) presence state.
type Entry struct {
	UserID       string    `json:"userId"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	IsActive     bool      `json:"isActive"`
}

// ReadReceipt is the per-(room, user) last-read marker. No TTL;
// last-write-wins.
type ReadReceipt struct {
	UserID            string    `json:"userId"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	Timestamp         time.Time `json:"timestamp"`
}

// Tracker maintains presence and receipt state on the cache tier,
// independent of the session lifecycle. All writes are upserts; TTL is
// refreshed on every presence write.
type Tracker struct {
	cache cache.Store
	ttl   time.Duration
	log   *logger.Logger
}

// NewTracker creates a presence tracker.
func NewTracker(cacheStore cache.Store, cfg *config.Config, log *logger.Logger) *Tracker {
	return &Tracker{
		cache: cacheStore,
		ttl:   cfg.Session.PresenceTTL,
		log:   log,
	}
}

func presenceKey(roomID, userID string) string {
	return fmt.Sprintf("%s%s:%s", presenceKeyPrefix, roomID, userID)
}

func receiptKey(roomID, userID string) string {
	return fmt.Sprintf("%s%s:%s", receiptKeyPrefix, roomID, userID)
}

func typingKey(roomID, userID string) string {
	return fmt.Sprintf("%s%s:%s", typingKeyPrefix, roomID, userID)
}

// UpdatePresence upserts a user's presence in a room with a fresh TTL.
func (t *Tracker) UpdatePresence(ctx context.Context, roomID, userID string, isActive bool) (*Entry, error) {
	entry := &Entry{
		UserID:       userID,
		LastActiveAt: time.Now(),
		IsActive:     isActive,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := t.cache.Set(ctx, presenceKey(roomID, userID), string(raw), t.ttl); err != nil {
		return nil, err
	}
	return entry, nil
}

// GetPresence lists the live presence entries for a room.
func (t *Tracker) GetPresence(ctx context.Context, roomID string) ([]Entry, error) {
	keys, err := t.cache.Keys(ctx, presenceKeyPrefix+roomID+":*")
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := t.cache.Get(ctx, key)
		if err != nil {
			// Entry expired between scan and read.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			t.log.Warn("corrupt presence entry", "key", key, "error", err.Error())
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetTyping records or clears a user's typing state. Fire-and-forget:
// the short TTL self-heals missed stop events and errors are only
// logged.
func (t *Tracker) SetTyping(ctx context.Context, roomID, userID string, typing bool) {
	key := typingKey(roomID, userID)
	var err error
	if typing {
		err = t.cache.Set(ctx, key, "1", typingTTL)
	} else {
		err = t.cache.Delete(ctx, key)
	}
	if err != nil {
		t.log.Warn("typing state write failed", "room_id", roomID, "user_id", userID, "error", err.Error())
	}
}

// TypingUsers lists the users currently marked typing in a room.
func (t *Tracker) TypingUsers(ctx context.Context, roomID string) ([]string, error) {
	keys, err := t.cache.Keys(ctx, typingKeyPrefix+roomID+":*")
	if err != nil {
		return nil, err
	}

	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, typingKeyPrefix+roomID+":"))
	}
	return users, nil
}

// UpdateReadReceipt upserts a user's last-read marker. Last write wins.
func (t *Tracker) UpdateReadReceipt(ctx context.Context, roomID string, receipt ReadReceipt) error {
	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = time.Now()
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	return t.cache.Set(ctx, receiptKey(roomID, receipt.UserID), string(raw), 0)
}

// GetReadReceipts lists the read receipts for a room.
func (t *Tracker) GetReadReceipts(ctx context.Context, roomID string) ([]ReadReceipt, error) {
	keys, err := t.cache.Keys(ctx, receiptKeyPrefix+roomID+":*")
	if err != nil {
		return nil, err
	}

	receipts := make([]ReadReceipt, 0, len(keys))
	for _, key := range keys {
		raw, err := t.cache.Get(ctx, key)
		if err != nil {
			continue
		}
		var receipt ReadReceipt
		if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
			t.log.Warn("corrupt receipt entry", "key", key, "error", err.Error())
			continue
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}
