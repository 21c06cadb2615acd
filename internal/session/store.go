package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Kicko7/Klyno-sub001/pkg/cache"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	apperrors "github.com/Kicko7/Klyno-sub001/pkg/errors"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/metrics"
	"github.com/Kicko7/Klyno-sub001/pkg/resilience"
)

const (
	sessionKeyPrefix = "teamsync:session:"
	indexKeyPrefix   = "teamsync:msgidx:"
)

// Store owns all cached session state. Same-room mutations are
// serialized by a per-room mutex; readers get copies, never aliases of
// the stored slices.
type Store struct {
	cache cache.Store
	cfg   *config.Config
	log   *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a session store on top of the cache tier.
func New(cacheStore cache.Store, cfg *config.Config, log *logger.Logger) *Store {
	return &Store{
		cache: cacheStore,
		cfg:   cfg,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roomID] = lock
	}
	return lock
}

func sessionKey(roomID string) string { return sessionKeyPrefix + roomID }
func indexKey(messageID string) string { return indexKeyPrefix + messageID }

func (s *Store) retryCfg() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: s.cfg.Session.RetryAttempts,
		Backoff:     s.cfg.Session.RetryBackoff,
	}
}

// load reads a session without copying. Callers hold the room lock or
// copy before returning the result.
func (s *Store) load(ctx context.Context, roomID string) (*Session, error) {
	raw, err := s.cache.Get(ctx, sessionKey(roomID))
	if err != nil {
		if err == cache.ErrNotFound {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("session lookup for room %s: %w", roomID, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session entry for room %s: %w", roomID, err)
	}
	return &sess, nil
}

// save writes a session back with a refreshed inactivity TTL. The
// write is retried on transient cache failures.
func (s *Store) save(ctx context.Context, sess *Session) error {
	sess.LastActivityAt = time.Now()

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	return resilience.Retry(ctx, s.retryCfg(), "session save", func() error {
		return s.cache.Set(ctx, sessionKey(sess.ID), string(raw), s.cfg.Session.TTL)
	})
}

// GetSession is a cache-only lookup; it never falls back to durable
// storage. Returns ErrSessionNotFound on a miss.
func (s *Store) GetSession(ctx context.Context, roomID string) (*Session, error) {
	sess, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return copySession(sess), nil
}

// PutSession installs a session reconstructed elsewhere (the durable
// load path) as the cache-tier entry for its room.
func (s *Store) PutSession(ctx context.Context, sess *Session) error {
	lock := s.roomLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	cp := copySession(sess)
	if err := s.save(ctx, cp); err != nil {
		return err
	}
	for i := range cp.Messages {
		s.writeIndex(ctx, cp.Messages[i].ID, cp.ID)
	}
	return nil
}

// CreateSession creates an empty active session for a room that has no
// cached or durable state.
func (s *Store) CreateSession(ctx context.Context, roomID string, participants []string) (*Session, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess := &Session{
		ID:           roomID,
		Messages:     []Message{},
		Participants: append([]string{}, participants...),
		Status:       StatusActive,
		Queue:        []QueuedMessage{},
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return copySession(sess), nil
}

// AppendMessage appends a message to a room's log, applying the
// idempotency rules: a duplicate id is dropped, unless the message is
// an assistant message, in which case the existing entry is updated in
// place (streaming finalization).
func (s *Store) AppendMessage(ctx context.Context, roomID string, msg Message) (AppendResult, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return AppendResult{}, err
	}

	if idx := findMessage(sess, msg.ID); idx >= 0 {
		existing := &sess.Messages[idx]
		if msg.Type == TypeAssistant {
			wasSynced := existing.SyncedToDB
			existing.Content = msg.Content
			if msg.Metadata != nil {
				existing.Metadata = msg.Metadata
			}
			existing.Timestamp = msg.Timestamp
			if err := s.save(ctx, sess); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Updated: true, WasSynced: wasSynced, Message: *existing}, nil
		}
		// Same id, not an assistant update: client retry, drop it.
		return AppendResult{Duplicate: true, WasSynced: existing.SyncedToDB, Message: *existing}, nil
	}

	sess.Messages = append(sess.Messages, msg)
	s.evictWindow(ctx, sess)

	if err := s.save(ctx, sess); err != nil {
		return AppendResult{}, err
	}
	s.writeIndex(ctx, msg.ID, roomID)
	metrics.MessagesAppended.Inc()

	return AppendResult{Inserted: true, Message: msg}, nil
}

// evictWindow drops the oldest already-synced messages once the log
// exceeds the rolling window cap. Unsynced messages are never evicted;
// the durable store is the long-term record and must see them first.
func (s *Store) evictWindow(ctx context.Context, sess *Session) {
	limit := s.cfg.Session.WindowCap
	for len(sess.Messages) > limit {
		if sess.Messages[0].SyncedToDB {
			s.dropIndex(ctx, sess.Messages[0].ID)
			sess.Messages = sess.Messages[1:]
			metrics.WindowEvictions.Inc()
			continue
		}
		// Oldest entry is unsynced; keep it and let the proactive
		// flush catch up before the window shrinks.
		s.log.Warn("rolling window over cap with unsynced head",
			"room_id", sess.ID,
			"messages", len(sess.Messages),
			"unsynced", sess.UnsyncedCount(),
		)
		break
	}
}

// UpdateMessage applies a patch to a message in the given room.
func (s *Store) UpdateMessage(ctx context.Context, roomID, messageID string, patch MessagePatch) (*Message, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	idx := findMessage(sess, messageID)
	if idx < 0 {
		return nil, apperrors.ErrMessageNotFound
	}

	msg := &sess.Messages[idx]
	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	if patch.Metadata != nil {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			msg.Metadata[k] = v
		}
	}

	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	out := *msg
	return &out, nil
}

// DeleteMessage removes a message from the given room.
func (s *Store) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}

	idx := findMessage(sess, messageID)
	if idx < 0 {
		return apperrors.ErrMessageNotFound
	}

	sess.Messages = append(sess.Messages[:idx], sess.Messages[idx+1:]...)
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	s.dropIndex(ctx, messageID)
	return nil
}

// GetMessageByID resolves a message through the message-id index.
func (s *Store) GetMessageByID(ctx context.Context, messageID string) (*Message, error) {
	sess, err := s.GetSessionByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if idx := findMessage(sess, messageID); idx >= 0 {
		out := sess.Messages[idx]
		return &out, nil
	}
	return nil, apperrors.ErrMessageNotFound
}

// GetSessionByMessageID routes a bare message id to the session that
// holds it, via the id index. Misses mean the message predates the
// cache window and lives only in durable storage.
func (s *Store) GetSessionByMessageID(ctx context.Context, messageID string) (*Session, error) {
	roomID, err := s.cache.Get(ctx, indexKey(messageID))
	if err != nil {
		if err == cache.ErrNotFound {
			return nil, apperrors.ErrMessageNotFound
		}
		return nil, err
	}
	return s.GetSession(ctx, roomID)
}

// AppendQueueMessage adds a pending entry to a room's queue.
func (s *Store) AppendQueueMessage(ctx context.Context, roomID string, qm QueuedMessage) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}

	for i := range sess.Queue {
		if sess.Queue[i].MessageID == qm.MessageID && sess.Queue[i].UserID == qm.UserID {
			sess.Queue[i] = qm
			return s.save(ctx, sess)
		}
	}
	sess.Queue = append(sess.Queue, qm)
	return s.save(ctx, sess)
}

// RemoveQueueMessage removes a pending entry from a room's queue.
func (s *Store) RemoveQueueMessage(ctx context.Context, roomID, messageID string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}

	for i := range sess.Queue {
		if sess.Queue[i].MessageID == messageID {
			sess.Queue = append(sess.Queue[:i], sess.Queue[i+1:]...)
			return s.save(ctx, sess)
		}
	}
	return s.save(ctx, sess)
}

// AddParticipant records a user joining a room's session.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}

	if !sess.HasParticipant(userID) {
		sess.Participants = append(sess.Participants, userID)
	}
	return s.save(ctx, sess)
}

// RemoveParticipant removes a user from a room's session and prunes
// the user's pending queue entries in the same update.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}

	for i, p := range sess.Participants {
		if p == userID {
			sess.Participants = append(sess.Participants[:i], sess.Participants[i+1:]...)
			break
		}
	}

	kept := sess.Queue[:0]
	for _, qm := range sess.Queue {
		if qm.UserID != userID {
			kept = append(kept, qm)
		}
	}
	sess.Queue = kept

	return s.save(ctx, sess)
}

// NeedsBackgroundSync reports whether a room's unsynced backlog has
// crossed the proactive flush threshold. Only the hot send path uses
// this; the periodic sweep flushes on any unsynced content.
func (s *Store) NeedsBackgroundSync(ctx context.Context, roomID string) (bool, error) {
	sess, err := s.load(ctx, roomID)
	if err != nil {
		if err == apperrors.ErrSessionNotFound {
			return false, nil
		}
		return false, err
	}
	return sess.UnsyncedCount() >= s.cfg.Session.FlushThreshold, nil
}

// HasUnsynced reports whether a room holds any message awaiting flush.
func (s *Store) HasUnsynced(ctx context.Context, roomID string) (bool, error) {
	sess, err := s.load(ctx, roomID)
	if err != nil {
		if err == apperrors.ErrSessionNotFound {
			return false, nil
		}
		return false, err
	}
	return sess.UnsyncedCount() > 0, nil
}

// UnsyncedMessages returns a snapshot of the messages awaiting flush,
// in log order. The snapshot is taken under the room's mutation lock.
func (s *Store) UnsyncedMessages(ctx context.Context, roomID string) ([]Message, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		if err == apperrors.ErrSessionNotFound {
			return nil, nil
		}
		return nil, err
	}

	var out []Message
	for i := range sess.Messages {
		if !sess.Messages[i].SyncedToDB {
			out = append(out, sess.Messages[i])
		}
	}
	return out, nil
}

// MarkSynced flips the syncedToDb flag for the given message ids.
func (s *Store) MarkSynced(ctx context.Context, roomID string, messageIDs []string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}

	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	for i := range sess.Messages {
		if _, ok := ids[sess.Messages[i].ID]; ok {
			sess.Messages[i].SyncedToDB = true
		}
	}
	return s.save(ctx, sess)
}

// RemoveSession deletes a room's cache entry and its index keys. The
// caller is responsible for flushing first.
func (s *Store) RemoveSession(ctx context.Context, roomID string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, roomID)
	if err != nil {
		if err == apperrors.ErrSessionNotFound {
			return nil
		}
		return err
	}

	for i := range sess.Messages {
		s.dropIndex(ctx, sess.Messages[i].ID)
	}
	if err := s.cache.Delete(ctx, sessionKey(roomID)); err != nil {
		return fmt.Errorf("delete session %s: %w", roomID, err)
	}

	s.mu.Lock()
	delete(s.locks, roomID)
	s.mu.Unlock()

	metrics.SessionsExpired.Inc()
	return nil
}

// ActiveRooms lists the room ids with a live cache entry. Used by the
// background sync sweep.
func (s *Store) ActiveRooms(ctx context.Context) ([]string, error) {
	keys, err := s.cache.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	rooms := make([]string, 0, len(keys))
	for _, k := range keys {
		rooms = append(rooms, strings.TrimPrefix(k, sessionKeyPrefix))
	}
	return rooms, nil
}

// writeIndex records the message-id to room mapping. Best-effort: a
// lost index entry degrades edit/delete routing to the durable
// fallback path, it never corrupts session state.
func (s *Store) writeIndex(ctx context.Context, messageID, roomID string) {
	if err := s.cache.Set(ctx, indexKey(messageID), roomID, s.cfg.Session.TTL); err != nil {
		s.log.Warn("message index write failed", "message_id", messageID, "error", err.Error())
	}
}

func (s *Store) dropIndex(ctx context.Context, messageID string) {
	if err := s.cache.Delete(ctx, indexKey(messageID)); err != nil {
		s.log.Warn("message index delete failed", "message_id", messageID, "error", err.Error())
	}
}

func findMessage(sess *Session, messageID string) int {
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

func copySession(sess *Session) *Session {
	cp := *sess
	cp.Messages = append([]Message{}, sess.Messages...)
	cp.Participants = append([]string{}, sess.Participants...)
	cp.Queue = append([]QueuedMessage{}, sess.Queue...)
	return &cp
}
