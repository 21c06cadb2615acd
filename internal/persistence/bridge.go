package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Kicko7/Klyno-sub001/internal/models"
	"github.com/Kicko7/Klyno-sub001/internal/session"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/metrics"
	"github.com/Kicko7/Klyno-sub001/pkg/resilience"
)

// Bridge reconciles the cache-tier session store with durable storage:
// cold loads on cache misses and batched idempotent flushes of unsynced
// messages.
type Bridge struct {
	store   *session.Store
	repo    MessageRepository
	breaker *resilience.CircuitBreaker
	cfg     *config.Config
	log     *logger.Logger
}

// NewBridge creates a persistence bridge.
func NewBridge(store *session.Store, repo MessageRepository, cfg *config.Config, log *logger.Logger) *Bridge {
	return &Bridge{
		store:   store,
		repo:    repo,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("durable-store"), log),
		cfg:     cfg,
		log:     log,
	}
}

// LoadSession reconstructs a room's session from durable history.
// Returns (nil, nil) when the room has no durable rows either.
func (b *Bridge) LoadSession(ctx context.Context, roomID string) (*session.Session, error) {
	rows, err := b.repo.GetMessages(ctx, roomID, b.cfg.Session.WindowCap, 0)
	if err != nil {
		return nil, fmt.Errorf("load history for room %s: %w", roomID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	sess := &session.Session{
		ID:           roomID,
		Messages:     make([]session.Message, 0, len(rows)),
		Participants: []string{},
		Status:       session.StatusActive,
		Queue:        []session.QueuedMessage{},
	}
	for _, row := range rows {
		sess.Messages = append(sess.Messages, session.Message{
			ID:         row.ID,
			Content:    row.Content,
			AuthorID:   row.UserID,
			Timestamp:  row.SendTime,
			Type:       session.MessageType(row.MessageType),
			Metadata:   decodeMetadata(row.Metadata),
			SyncedToDB: true,
		})
	}
	return sess, nil
}

// ResolveSession implements the join fallback chain: cache lookup,
// then durable reconstruction, then a fresh empty session.
func (b *Bridge) ResolveSession(ctx context.Context, roomID, userID string) (*session.Session, error) {
	sess, err := b.store.GetSession(ctx, roomID)
	if err == nil {
		if !sess.HasParticipant(userID) {
			if err := b.store.AddParticipant(ctx, roomID, userID); err != nil {
				return nil, err
			}
			sess.Participants = append(sess.Participants, userID)
		}
		return sess, nil
	}

	loaded, loadErr := b.LoadSession(ctx, roomID)
	if loadErr != nil {
		return nil, loadErr
	}
	if loaded != nil {
		loaded.Participants = []string{userID}
		if err := b.store.PutSession(ctx, loaded); err != nil {
			return nil, err
		}
		return loaded, nil
	}

	return b.store.CreateSession(ctx, roomID, []string{userID})
}

// Flush writes a room's unsynced messages to durable storage in
// batches. Each batch gets the bounded retry schedule; batches that
// succeeded are never replayed (their messages are marked synced), and
// a failing batch aborts the rest of this flush without undoing
// earlier progress.
func (b *Bridge) Flush(ctx context.Context, roomID string) error {
	unsynced, err := b.store.UnsyncedMessages(ctx, roomID)
	if err != nil {
		return err
	}
	if len(unsynced) == 0 {
		return nil
	}

	batchSize := b.cfg.Sync.BatchSize
	retryCfg := resilience.RetryConfig{
		MaxAttempts: b.cfg.Session.RetryAttempts,
		Backoff:     b.cfg.Session.RetryBackoff,
	}

	for start := 0; start < len(unsynced); start += batchSize {
		end := start + batchSize
		if end > len(unsynced) {
			end = len(unsynced)
		}
		batch := unsynced[start:end]

		rows := make([]models.ChatMessage, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, msg := range batch {
			rows = append(rows, toRow(roomID, msg))
			ids = append(ids, msg.ID)
		}

		err := resilience.Retry(ctx, retryCfg, "flush batch", func() error {
			return b.breaker.Execute(func() error {
				return b.repo.AddMessages(ctx, rows)
			})
		})
		if err != nil {
			metrics.SyncFailures.Inc()
			return fmt.Errorf("flush room %s batch %d-%d: %w", roomID, start, end, err)
		}

		metrics.MessagesSynced.Add(float64(len(rows)))

		// Best-effort flag flip; on failure the durable upsert's
		// conflict-ignore keeps the next sweep idempotent.
		if err := b.store.MarkSynced(ctx, roomID, ids); err != nil {
			b.log.Warn("failed to mark messages synced",
				"room_id", roomID,
				"count", len(ids),
				"error", err.Error(),
			)
		}
	}

	return nil
}

// ExpireSession force-flushes a room and removes its cache entry.
// Called when the room's last live connection goes away.
func (b *Bridge) ExpireSession(ctx context.Context, roomID string) error {
	if err := b.Flush(ctx, roomID); err != nil {
		return err
	}
	return b.store.RemoveSession(ctx, roomID)
}

// UpdateDurable writes an edit through to durable storage.
func (b *Bridge) UpdateDurable(ctx context.Context, messageID, content, updatedBy string) error {
	return b.repo.UpdateMessage(ctx, messageID, content, updatedBy)
}

// DeleteDurable removes a message from durable storage.
func (b *Bridge) DeleteDurable(ctx context.Context, messageID string) error {
	return b.repo.DeleteMessage(ctx, messageID)
}

func toRow(roomID string, msg session.Message) models.ChatMessage {
	return models.ChatMessage{
		ID:          msg.ID,
		TeamChatID:  roomID,
		UserID:      msg.AuthorID,
		Content:     msg.Content,
		MessageType: string(msg.Type),
		Metadata:    encodeMetadata(msg.Metadata),
		SendTime:    msg.Timestamp,
	}
}

func encodeMetadata(md map[string]any) string {
	if len(md) == 0 {
		return ""
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil
	}
	return md
}
