package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Kicko7/Klyno-sub001/internal/models"
	"github.com/Kicko7/Klyno-sub001/internal/persistence"
	"github.com/Kicko7/Klyno-sub001/internal/presence"
	"github.com/Kicko7/Klyno-sub001/internal/session"
	"github.com/Kicko7/Klyno-sub001/pkg/cache"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	apperrors "github.com/Kicko7/Klyno-sub001/pkg/errors"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRepo is an in-memory durable store for router tests.
type stubRepo struct {
	mu      sync.Mutex
	rows    map[string]models.ChatMessage
	updates []string
	deletes []string
}

func newStubRepo() *stubRepo {
	return &stubRepo{rows: make(map[string]models.ChatMessage)}
}

func (r *stubRepo) AddMessage(ctx context.Context, msg *models.ChatMessage) error {
	return r.AddMessages(ctx, []models.ChatMessage{*msg})
}

func (r *stubRepo) AddMessages(ctx context.Context, msgs []models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		if _, exists := r.rows[msg.ID]; !exists {
			r.rows[msg.ID] = msg
		}
	}
	return nil
}

func (r *stubRepo) UpdateMessage(ctx context.Context, id, content, updatedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apperrors.ErrMessageNotFound
	}
	r.updates = append(r.updates, id)
	row.Content = content
	row.UpdatedBy = updatedBy
	r.rows[id] = row
	return nil
}

func (r *stubRepo) DeleteMessage(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return apperrors.ErrMessageNotFound
	}
	r.deletes = append(r.deletes, id)
	delete(r.rows, id)
	return nil
}

func (r *stubRepo) GetMessages(ctx context.Context, teamChatID string, limit, offset int) ([]models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChatMessage
	for _, row := range r.rows {
		if row.TeamChatID == teamChatID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *stubRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type testEnv struct {
	cfg     *config.Config
	hub     *Hub
	store   *session.Store
	repo    *stubRepo
	bridge  *persistence.Bridge
	tracker *presence.Tracker
	router  *Router
}

func routerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Session.TTL = 20 * time.Minute
	cfg.Session.WindowCap = 100
	cfg.Session.FlushThreshold = 100
	cfg.Session.RetryAttempts = 2
	cfg.Session.RetryBackoff = time.Millisecond
	cfg.Session.MaxMessageBytes = 1024
	cfg.Session.PresenceTTL = time.Minute
	cfg.Sync.BatchSize = 10
	cfg.WS.MaxRoomsPerConnection = 2
	cfg.WS.RateWindow = time.Minute
	cfg.WS.SendLimit = 10
	cfg.WS.TypingLimit = 1
	cfg.WS.JoinLimit = 5
	cfg.WS.PresenceLimit = 5
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := routerConfig()
	if mutate != nil {
		mutate(cfg)
	}
	log := logger.New(logger.Config{Level: "error"})

	store := session.New(cache.NewMemoryStore(), cfg, log)
	repo := newStubRepo()
	bridge := persistence.NewBridge(store, repo, cfg, log)
	tracker := presence.NewTracker(cache.NewMemoryStore(), cfg, log)
	hub := NewHub(log)
	router := NewRouter(hub, store, bridge, tracker, cfg, log)

	return &testEnv{
		cfg:     cfg,
		hub:     hub,
		store:   store,
		repo:    repo,
		bridge:  bridge,
		tracker: tracker,
		router:  router,
	}
}

func (e *testEnv) newClient(userID string) *Client {
	c := &Client{
		ID:          "conn-" + userID,
		UserID:      userID,
		Send:        make(chan []byte, 64),
		ConnectedAt: time.Now(),
		hub:         e.hub,
		router:      e.router,
		limiter:     NewOpLimiter(e.cfg),
		log:         logger.New(logger.Config{Level: "error"}),
		rooms:       make(map[string]bool),
	}
	e.hub.Register(c)
	return c
}

func (e *testEnv) dispatch(t *testing.T, c *Client, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	e.router.Dispatch(c, Envelope{Type: eventType, Payload: raw})
}

// recvEvents drains the client's send buffer into decoded envelopes.
func recvEvents(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case frame := <-c.Send:
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventTypes(envs []Envelope) []string {
	types := make([]string, 0, len(envs))
	for _, env := range envs {
		types = append(types, env.Type)
	}
	return types
}

func findEvent(t *testing.T, envs []Envelope, eventType string) Envelope {
	t.Helper()
	for _, env := range envs {
		if env.Type == eventType {
			return env
		}
	}
	t.Fatalf("event %s not found in %v", eventType, eventTypes(envs))
	return Envelope{}
}

func hasEvent(envs []Envelope, eventType string) bool {
	for _, env := range envs {
		if env.Type == eventType {
			return true
		}
	}
	return false
}

func joinRoom(t *testing.T, e *testEnv, c *Client, roomID string) {
	t.Helper()
	e.dispatch(t, c, EvtRoomJoin, RoomPayload{TeamID: roomID})
	require.True(t, c.InRoom(roomID))
	recvEvents(t, c)
}

func TestJoinReplaysSessionState(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")

	e.dispatch(t, c, EvtRoomJoin, RoomPayload{TeamID: "room-1"})

	events := recvEvents(t, c)
	assert.Equal(t,
		[]string{EvtSessionLoaded, EvtPresenceList, EvtReceiptList, EvtPresenceUpdate},
		eventTypes(events),
	)

	var loaded SessionLoadedPayload
	require.NoError(t, json.Unmarshal(findEvent(t, events, EvtSessionLoaded).Payload, &loaded))
	assert.Equal(t, "room-1", loaded.SessionID)
	assert.Equal(t, []string{"user-1"}, loaded.Participants)
	assert.Empty(t, loaded.Messages)
}

func TestJoinInvalidRoomID(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")

	e.dispatch(t, c, EvtRoomJoin, RoomPayload{TeamID: ""})

	events := recvEvents(t, c)
	assert.Equal(t, []string{EvtRoomError}, eventTypes(events))
	assert.False(t, c.InRoom(""))
}

func TestJoinRoomCeiling(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")

	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, c, "room-2")

	e.dispatch(t, c, EvtRoomJoin, RoomPayload{TeamID: "room-3"})
	events := recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtRoomError))
	assert.False(t, c.InRoom("room-3"))
}

func TestJoinRateLimited(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.WS.JoinLimit = 1
		cfg.WS.MaxRoomsPerConnection = 10
	})
	c := e.newClient("user-1")

	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtRoomJoin, RoomPayload{TeamID: "room-2"})
	events := recvEvents(t, c)
	env := findEvent(t, events, EvtRoomError)
	var p RoomErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, apperrors.CodeRateLimit, p.Code)
	assert.False(t, c.InRoom("room-2"))
}

func TestSendBroadcastIncludesSender(t *testing.T) {
	e := newTestEnv(t, nil)
	sender := e.newClient("user-1")
	peer := e.newClient("user-2")
	joinRoom(t, e, sender, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, sender)
	recvEvents(t, peer)

	e.dispatch(t, sender, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "hello room"})

	for _, c := range []*Client{sender, peer} {
		events := recvEvents(t, c)
		env := findEvent(t, events, EvtMessageNew)
		var bc MessageBroadcast
		require.NoError(t, json.Unmarshal(env.Payload, &bc))
		assert.Equal(t, "room-1", bc.TeamID)
		assert.Equal(t, "hello room", bc.Message.Content)
		assert.Equal(t, "user-1", bc.Message.AuthorID)
	}
}

func TestSendRequiresJoin(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "hello"})

	events := recvEvents(t, c)
	assert.Equal(t, []string{EvtRoomError}, eventTypes(events))
}

func TestSendValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "   "})
	events := recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtRoomError))

	big := make([]byte, e.cfg.Session.MaxMessageBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: string(big)})
	events = recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtRoomError))

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)
}

func TestSendDuplicateIsDropped(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	payload := SendPayload{TeamID: "room-1", Content: "once", MessageID: "dup-1"}
	e.dispatch(t, c, EvtMessageSend, payload)
	events := recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtMessageNew))

	// A retried submission produces no second broadcast.
	e.dispatch(t, c, EvtMessageSend, payload)
	events = recvEvents(t, c)
	assert.Empty(t, events)

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 1)
}

func TestAssistantStreamingFinalization(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{
		TeamID: "room-1", Content: "partial...", Type: "assistant", MessageID: "a-1",
	})
	events := recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtMessageNew))

	e.dispatch(t, c, EvtMessageSend, SendPayload{
		TeamID: "room-1", Content: "final answer", Type: "assistant", MessageID: "a-1",
	})
	events = recvEvents(t, c)
	env := findEvent(t, events, EvtMessageUpdate)
	var bc MessageBroadcast
	require.NoError(t, json.Unmarshal(env.Payload, &bc))
	assert.Equal(t, "final answer", bc.Message.Content)
	assert.Equal(t, session.AssistantAuthor, bc.Message.AuthorID)

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "final answer", sess.Messages[0].Content)
}

func TestSendRateLimitEmitsMessageError(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.WS.SendLimit = 1
	})
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "first"})
	recvEvents(t, c)

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "second"})
	events := recvEvents(t, c)
	env := findEvent(t, events, EvtMessageError)
	var p MessageErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "room-1", p.TeamID)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, apperrors.CodeRateLimit, p.Code)

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 1)
}

func TestEditRoutedByMessageID(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "before", MessageID: "m-1"})
	recvEvents(t, c)
	require.NoError(t, e.bridge.Flush(context.Background(), "room-1"))

	e.dispatch(t, c, EvtMessageEdit, EditPayload{MessageID: "m-1", Content: "after"})
	events := recvEvents(t, c)
	env := findEvent(t, events, EvtMessageUpdate)
	var bc MessageBroadcast
	require.NoError(t, json.Unmarshal(env.Payload, &bc))
	assert.Equal(t, "after", bc.Message.Content)

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "after", sess.Messages[0].Content)
	assert.Contains(t, e.repo.updates, "m-1")
}

func TestEditFallsBackToDurable(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	// The message exists only in durable storage.
	require.NoError(t, e.repo.AddMessages(context.Background(), []models.ChatMessage{
		{ID: "old-1", TeamChatID: "room-archived", UserID: "user-1", Content: "ancient"},
	}))

	e.dispatch(t, c, EvtMessageEdit, EditPayload{MessageID: "old-1", Content: "revised"})

	events := recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtMessageUpdate))
	assert.Contains(t, e.repo.updates, "old-1")

	e.repo.mu.Lock()
	assert.Equal(t, "revised", e.repo.rows["old-1"].Content)
	e.repo.mu.Unlock()
}

func TestDeleteRoutedByMessageID(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "doomed", MessageID: "m-1"})
	recvEvents(t, c)
	require.NoError(t, e.bridge.Flush(context.Background(), "room-1"))

	e.dispatch(t, c, EvtMessageDelete, DeletePayload{MessageID: "m-1"})
	events := recvEvents(t, c)
	env := findEvent(t, events, EvtMessageDeleted)
	var bc MessageDeleteBroadcast
	require.NoError(t, json.Unmarshal(env.Payload, &bc))
	assert.Equal(t, "m-1", bc.MessageID)

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)
	assert.Contains(t, e.repo.deletes, "m-1")
}

func TestDeleteFallsBackToDurable(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	require.NoError(t, e.repo.AddMessages(context.Background(), []models.ChatMessage{
		{ID: "old-1", TeamChatID: "room-archived", UserID: "user-1", Content: "ancient"},
	}))

	e.dispatch(t, c, EvtMessageDelete, DeletePayload{MessageID: "old-1"})

	events := recvEvents(t, c)
	assert.True(t, hasEvent(events, EvtMessageDeleted))
	assert.Contains(t, e.repo.deletes, "old-1")
	assert.Zero(t, e.repo.count())
}

func TestTypingFanOutAndSilentDrop(t *testing.T) {
	e := newTestEnv(t, nil)
	typer := e.newClient("user-1")
	peer := e.newClient("user-2")
	joinRoom(t, e, typer, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, typer)
	recvEvents(t, peer)

	e.dispatch(t, typer, EvtTypingStart, RoomPayload{TeamID: "room-1"})
	events := recvEvents(t, peer)
	assert.True(t, hasEvent(events, EvtTypingStart))

	// Quota of one: the second typing event vanishes without an error.
	e.dispatch(t, typer, EvtTypingStart, RoomPayload{TeamID: "room-1"})
	assert.Empty(t, recvEvents(t, peer))
	assert.Empty(t, recvEvents(t, typer))
}

func TestHeartbeatBroadcastsPresence(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	peer := e.newClient("user-2")
	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, c)
	recvEvents(t, peer)

	e.dispatch(t, c, EvtPresenceHeartbeat, RoomPayload{TeamID: "room-1"})

	events := recvEvents(t, peer)
	env := findEvent(t, events, EvtPresenceUpdate)
	var p PresenceUpdatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "user-1", p.Entry.UserID)
	assert.True(t, p.Entry.IsActive)
}

func TestReceiptUpdatePersistsAndBroadcasts(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	peer := e.newClient("user-2")
	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, c)
	recvEvents(t, peer)

	e.dispatch(t, c, EvtReceiptUpdate, ReceiptPayload{TeamID: "room-1", LastReadMessageID: "m-9"})

	events := recvEvents(t, peer)
	env := findEvent(t, events, EvtReceiptUpdate)
	var p ReceiptBroadcastPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "m-9", p.Receipt.LastReadMessageID)

	receipts, err := e.tracker.GetReadReceipts(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "user-1", receipts[0].UserID)
}

func TestQueueSendAndRemove(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	peer := e.newClient("user-2")
	outsider := e.newClient("user-3")
	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, c)
	recvEvents(t, peer)
	recvEvents(t, outsider)

	e.dispatch(t, c, EvtQueueSend, QueueSendPayload{TeamID: "room-1", Content: "pending", MessageID: "q-1"})

	events := recvEvents(t, peer)
	env := findEvent(t, events, EvtMessageQueue)
	var qm session.QueuedMessage
	require.NoError(t, json.Unmarshal(env.Payload, &qm))
	assert.Equal(t, "q-1", qm.MessageID)
	assert.Equal(t, "user-1", qm.UserID)

	// Queue adds are room-scoped; the outsider saw nothing.
	assert.Empty(t, recvEvents(t, outsider))

	e.dispatch(t, c, EvtQueueRemove, QueueRemovePayload{TeamID: "room-1", MessageID: "q-1"})

	// Queue removals go to every live connection.
	for _, cl := range []*Client{c, peer, outsider} {
		events := recvEvents(t, cl)
		env := findEvent(t, events, EvtQueueDelete)
		var p QueueDeletePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, "q-1", p.MessageID)
	}

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, sess.Queue)
}

func TestLeaveAnnouncesAndLastLeaveExpires(t *testing.T) {
	e := newTestEnv(t, nil)
	c1 := e.newClient("user-1")
	c2 := e.newClient("user-2")
	joinRoom(t, e, c1, "room-1")
	joinRoom(t, e, c2, "room-1")
	recvEvents(t, c1)
	recvEvents(t, c2)

	e.dispatch(t, c1, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "keep me"})
	recvEvents(t, c1)
	recvEvents(t, c2)

	e.dispatch(t, c1, EvtRoomLeave, RoomPayload{TeamID: "room-1"})

	events := recvEvents(t, c2)
	assert.True(t, hasEvent(events, EvtPresenceUpdate))
	env := findEvent(t, events, EvtUserLeave)
	var p UserLeavePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "user-1", p.UserID)

	// One connection remains, so the session survives.
	_, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)

	e.dispatch(t, c2, EvtRoomLeave, RoomPayload{TeamID: "room-1"})

	// Last leave flushed the unsynced tail and dropped the cache entry.
	assert.Equal(t, 1, e.repo.count())
	_, err = e.store.GetSession(context.Background(), "room-1")
	assert.Error(t, err)
}

func TestDisconnectLeavesAllRooms(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, c, "room-2")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "flush me"})
	recvEvents(t, c)

	e.router.HandleDisconnect(c)

	assert.Equal(t, 1, e.repo.count())
	ctx := context.Background()
	_, err := e.store.GetSession(ctx, "room-1")
	assert.Error(t, err)
	_, err = e.store.GetSession(ctx, "room-2")
	assert.Error(t, err)
}

func TestEditUnknownMessageRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	peer := e.newClient("user-2")
	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, c)
	recvEvents(t, peer)

	// The id exists neither in any live session nor durably.
	e.dispatch(t, c, EvtMessageEdit, EditPayload{MessageID: "ghost-1", Content: "revised"})

	events := recvEvents(t, c)
	env := findEvent(t, events, EvtRoomError)
	var p RoomErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, apperrors.CodeNotFound, p.Code)

	// No phantom update reaches the rest of the room.
	assert.False(t, hasEvent(events, EvtMessageUpdate))
	assert.Empty(t, recvEvents(t, peer))
}

func TestDeleteUnknownMessageRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	peer := e.newClient("user-2")
	joinRoom(t, e, c, "room-1")
	joinRoom(t, e, peer, "room-1")
	recvEvents(t, c)
	recvEvents(t, peer)

	e.dispatch(t, c, EvtMessageDelete, DeletePayload{MessageID: "ghost-1"})

	events := recvEvents(t, c)
	env := findEvent(t, events, EvtRoomError)
	var p RoomErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, apperrors.CodeNotFound, p.Code)

	assert.False(t, hasEvent(events, EvtMessageDeleted))
	assert.Empty(t, recvEvents(t, peer))
}

func TestEditByNonAuthorRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	author := e.newClient("user-1")
	other := e.newClient("user-2")
	joinRoom(t, e, author, "room-1")
	joinRoom(t, e, other, "room-1")
	recvEvents(t, author)
	recvEvents(t, other)

	e.dispatch(t, author, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "mine", MessageID: "m-1"})
	recvEvents(t, author)
	recvEvents(t, other)

	e.dispatch(t, other, EvtMessageEdit, EditPayload{MessageID: "m-1", Content: "hijacked"})

	events := recvEvents(t, other)
	env := findEvent(t, events, EvtRoomError)
	var p RoomErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, apperrors.CodeValidation, p.Code)

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "mine", sess.Messages[0].Content)
}

func TestDeleteByNonAuthorRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	author := e.newClient("user-1")
	other := e.newClient("user-2")
	joinRoom(t, e, author, "room-1")
	joinRoom(t, e, other, "room-1")
	recvEvents(t, author)
	recvEvents(t, other)

	e.dispatch(t, author, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "mine", MessageID: "m-1"})
	recvEvents(t, author)
	recvEvents(t, other)

	e.dispatch(t, other, EvtMessageDelete, DeletePayload{MessageID: "m-1"})

	events := recvEvents(t, other)
	assert.True(t, hasEvent(events, EvtRoomError))

	sess, err := e.store.GetSession(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 1)
}

func TestJoinReplaysTypingState(t *testing.T) {
	e := newTestEnv(t, nil)
	typer := e.newClient("user-1")
	joinRoom(t, e, typer, "room-1")
	e.dispatch(t, typer, EvtTypingStart, RoomPayload{TeamID: "room-1"})
	recvEvents(t, typer)

	joiner := e.newClient("user-2")
	e.dispatch(t, joiner, EvtRoomJoin, RoomPayload{TeamID: "room-1"})

	events := recvEvents(t, joiner)
	env := findEvent(t, events, EvtTypingStart)
	var p TypingPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "user-1", p.UserID)
}

func TestRejoinAfterExpiryReplaysHistory(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.newClient("user-1")
	joinRoom(t, e, c, "room-1")

	e.dispatch(t, c, EvtMessageSend, SendPayload{TeamID: "room-1", Content: "durable", MessageID: "m-1"})
	recvEvents(t, c)
	e.dispatch(t, c, EvtRoomLeave, RoomPayload{TeamID: "room-1"})
	recvEvents(t, c)

	e.dispatch(t, c, EvtRoomJoin, RoomPayload{TeamID: "room-1"})
	events := recvEvents(t, c)

	var loaded SessionLoadedPayload
	require.NoError(t, json.Unmarshal(findEvent(t, events, EvtSessionLoaded).Payload, &loaded))
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "m-1", loaded.Messages[0].ID)
	assert.True(t, loaded.Messages[0].SyncedToDB)
}
