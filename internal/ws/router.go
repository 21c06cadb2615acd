package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Kicko7/Klyno-sub001/internal/persistence"
	"github.com/Kicko7/Klyno-sub001/internal/presence"
	"github.com/Kicko7/Klyno-sub001/internal/session"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	apperrors "github.com/Kicko7/Klyno-sub001/pkg/errors"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/metrics"

	"github.com/google/uuid"
)

const maxRoomIDLength = 128

// Router handles every inbound event: it mutates session state through
// the Store/Bridge and fans results out through the Hub. One router per
// process, shared by all connections.
type Router struct {
	hub      *Hub
	sessions *session.Store
	bridge   *persistence.Bridge
	tracker  *presence.Tracker
	cfg      *config.Config
	log      *logger.Logger
}

// NewRouter creates the event router.
func NewRouter(hub *Hub, sessions *session.Store, bridge *persistence.Bridge, tracker *presence.Tracker, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		hub:      hub,
		sessions: sessions,
		bridge:   bridge,
		tracker:  tracker,
		cfg:      cfg,
		log:      log,
	}
}

// Dispatch routes one inbound event. Called synchronously from the
// connection's read pump so same-connection ordering is preserved.
func (r *Router) Dispatch(c *Client, env Envelope) {
	metrics.EventsTotal.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case EvtRoomJoin:
		var p RoomPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleJoin(c, p.TeamID)

	case EvtRoomLeave:
		var p RoomPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleLeave(c, p.TeamID)

	case EvtMessageSend:
		var p SendPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleSend(c, &p)

	case EvtMessageEdit:
		var p EditPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleEdit(c, &p)

	case EvtMessageDelete:
		var p DeletePayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleDelete(c, &p)

	case EvtQueueSend:
		var p QueueSendPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleQueueSend(c, &p)

	case EvtQueueRemove:
		var p QueueRemovePayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleQueueRemove(c, &p)

	case EvtTypingStart, EvtTypingStop:
		var p RoomPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleTyping(c, p.TeamID, env.Type)

	case EvtReceiptUpdate:
		var p ReceiptPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleReceipt(c, &p)

	case EvtPresenceHeartbeat:
		var p RoomPayload
		if !decode(c, env.Payload, &p) {
			return
		}
		r.handleHeartbeat(c, p.TeamID)

	default:
		r.log.Warn("unknown event type", "type", env.Type, "conn_id", c.ID)
	}
}

func decode(c *Client, raw json.RawMessage, out any) bool {
	if err := json.Unmarshal(raw, out); err != nil {
		c.sendRoomError(apperrors.NewValidationError("malformed payload"))
		return false
	}
	return true
}

func validRoomID(roomID string) bool {
	return roomID != "" && len(roomID) <= maxRoomIDLength && !strings.ContainsAny(roomID, " \t\n")
}

// handleJoin runs the NOT_JOINED -> JOINED transition: resolve the
// session (cache, then durable, then fresh), replay state to the
// joiner, then announce the joiner's presence to the whole room.
func (r *Router) handleJoin(c *Client, roomID string) {
	if !validRoomID(roomID) {
		c.sendRoomError(apperrors.NewValidationError("invalid room id"))
		return
	}
	if !c.InRoom(roomID) && c.RoomCount() >= r.cfg.WS.MaxRoomsPerConnection {
		c.sendRoomError(apperrors.NewValidationError("room limit reached for this connection"))
		return
	}
	if !c.limiter.Allow(OpRoomJoin) {
		metrics.RateLimitHits.WithLabelValues(OpRoomJoin).Inc()
		c.sendRoomError(apperrors.NewRateLimitError("join rate limit exceeded"))
		return
	}

	ctx := context.Background()
	log := r.log.WithRoomID(roomID).WithUserID(c.UserID)
	sess, err := r.bridge.ResolveSession(ctx, roomID, c.UserID)
	if err != nil {
		log.LogError(err, "failed to resolve session")
		c.sendRoomError(apperrors.NewTransientStoreError("could not load room session", err))
		return
	}

	r.hub.Join(roomID, c)
	c.trackJoin(roomID)

	c.send(EvtSessionLoaded, SessionLoadedPayload{
		SessionID:    sess.ID,
		Messages:     sess.Messages,
		Participants: sess.Participants,
		Status:       sess.Status,
		Queue:        sess.Queue,
	})

	entries, err := r.tracker.GetPresence(ctx, roomID)
	if err != nil {
		log.Warn("presence list unavailable", "error", err.Error())
	}
	c.send(EvtPresenceList, entries)

	receipts, err := r.tracker.GetReadReceipts(ctx, roomID)
	if err != nil {
		log.Warn("receipt list unavailable", "error", err.Error())
	}
	c.send(EvtReceiptList, receipts)

	// Replay in-flight typing indicators so the joiner is not blind
	// until the next keystroke.
	typing, err := r.tracker.TypingUsers(ctx, roomID)
	if err != nil {
		log.Warn("typing list unavailable", "error", err.Error())
	}
	for _, userID := range typing {
		if userID != c.UserID {
			c.send(EvtTypingStart, TypingPayload{TeamID: roomID, UserID: userID})
		}
	}

	entry, err := r.tracker.UpdatePresence(ctx, roomID, c.UserID, true)
	if err != nil {
		log.Warn("presence update failed", "error", err.Error())
		return
	}
	r.hub.BroadcastRoom(roomID, EvtPresenceUpdate, PresenceUpdatePayload{TeamID: roomID, Entry: *entry})
}

func (r *Router) handleLeave(c *Client, roomID string) {
	if !c.InRoom(roomID) {
		return
	}
	r.leaveRoom(c, roomID)
}

// HandleDisconnect treats a dropped connection as an explicit leave of
// every joined room. Called from the read pump before unregistration.
func (r *Router) HandleDisconnect(c *Client) {
	for _, roomID := range c.Rooms() {
		r.leaveRoom(c, roomID)
	}
}

// leaveRoom runs the JOINED -> LEFT transition: prune the user's queue
// entries, announce the departure, and expire the session when the
// room's last live connection is gone.
func (r *Router) leaveRoom(c *Client, roomID string) {
	ctx := context.Background()
	log := r.log.WithRoomID(roomID).WithUserID(c.UserID)

	remaining := r.hub.Leave(roomID, c)
	c.trackLeave(roomID)

	if err := r.sessions.RemoveParticipant(ctx, roomID, c.UserID); err != nil &&
		!errors.Is(err, apperrors.ErrSessionNotFound) {
		log.Warn("failed to remove participant", "error", err.Error())
	}

	entry, err := r.tracker.UpdatePresence(ctx, roomID, c.UserID, false)
	if err != nil {
		log.Warn("presence update failed", "error", err.Error())
	} else {
		r.hub.BroadcastRoom(roomID, EvtPresenceUpdate, PresenceUpdatePayload{TeamID: roomID, Entry: *entry})
	}
	r.hub.BroadcastRoom(roomID, EvtUserLeave, UserLeavePayload{TeamID: roomID, UserID: c.UserID})

	if remaining == 0 {
		if err := r.bridge.ExpireSession(ctx, roomID); err != nil {
			log.LogError(err, "session expiry flush failed")
		}
	}
}

// handleSend validates, appends (or resolves to an in-place assistant
// update), and fans out. Broadcast includes the sender so the server
// confirms delivery.
func (r *Router) handleSend(c *Client, p *SendPayload) {
	if !c.InRoom(p.TeamID) {
		c.sendRoomError(apperrors.NewValidationError("not joined to room"))
		return
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		c.sendRoomError(apperrors.NewValidationError("message content must not be empty"))
		return
	}
	if len(p.Content) > r.cfg.Session.MaxMessageBytes {
		c.sendRoomError(apperrors.NewValidationError("message content exceeds size limit"))
		return
	}
	if !c.limiter.Allow(OpMessageSend) {
		metrics.RateLimitHits.WithLabelValues(OpMessageSend).Inc()
		c.sendMessageError(p.TeamID, apperrors.NewRateLimitError("message rate limit exceeded"))
		return
	}

	msgType := session.MessageType(p.Type)
	if msgType == "" {
		msgType = session.TypeUser
	}
	authorID := c.UserID
	if msgType == session.TypeAssistant {
		authorID = session.AssistantAuthor
	}

	id := p.ClientMessageID()
	if id == "" {
		id = uuid.NewString()
	}
	timestamp := time.Now()
	if p.Timestamp != nil {
		timestamp = *p.Timestamp
	}

	msg := session.Message{
		ID:        id,
		Content:   p.Content,
		AuthorID:  authorID,
		Timestamp: timestamp,
		Type:      msgType,
		Metadata:  p.Metadata,
	}

	ctx := context.Background()
	res, err := r.sessions.AppendMessage(ctx, p.TeamID, msg)
	if err != nil {
		r.log.WithRoomID(p.TeamID).WithUserID(c.UserID).LogError(err, "message append failed")
		c.sendMessageError(p.TeamID, apperrors.NewTransientStoreError("message could not be delivered", err))
		return
	}

	switch {
	case res.Updated:
		// Streaming assistant finalization: same id, new content.
		if res.WasSynced {
			if err := r.bridge.UpdateDurable(ctx, id, p.Content, authorID); err != nil {
				r.log.Warn("durable update failed", "message_id", id, "error", err.Error())
			}
		}
		r.hub.BroadcastRoom(p.TeamID, EvtMessageUpdate, MessageBroadcast{TeamID: p.TeamID, Message: res.Message})

	case res.Inserted:
		c.countMessage()
		r.hub.BroadcastRoom(p.TeamID, EvtMessageNew, MessageBroadcast{TeamID: p.TeamID, Message: res.Message})

		// Best-effort presence refresh; never aborts delivery.
		if _, err := r.tracker.UpdatePresence(ctx, p.TeamID, c.UserID, true); err != nil {
			r.log.Warn("presence refresh failed", "room_id", p.TeamID, "error", err.Error())
		}

		if needs, err := r.sessions.NeedsBackgroundSync(ctx, p.TeamID); err == nil && needs {
			go func() {
				if err := r.bridge.Flush(context.Background(), p.TeamID); err != nil {
					r.log.LogError(err, "proactive flush failed", "room_id", p.TeamID)
				}
			}()
		}

	case res.Duplicate:
		// Safe client retry; the original broadcast already happened.
		r.log.Debug("duplicate send dropped", "message_id", id, "room_id", p.TeamID)
	}
}

func (r *Router) handleEdit(c *Client, p *EditPayload) {
	if p.MessageID == "" {
		c.sendRoomError(apperrors.NewValidationError("messageId is required"))
		return
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		c.sendRoomError(apperrors.NewValidationError("message content must not be empty"))
		return
	}

	ctx := context.Background()
	sess, err := r.sessions.GetSessionByMessageID(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrMessageNotFound) || errors.Is(err, apperrors.ErrSessionNotFound) {
			r.editDurableFallback(c, p)
			return
		}
		r.log.LogError(err, "edit routing failed", "message_id", p.MessageID)
		c.sendRoomError(apperrors.NewConsistencyAmbiguityError("could not determine where the message lives"))
		return
	}

	// Assistant messages are fair game for any participant; everything
	// else only the author may touch.
	if msg, err := r.sessions.GetMessageByID(ctx, p.MessageID); err == nil &&
		msg.Type != session.TypeAssistant && msg.AuthorID != c.UserID {
		c.sendRoomError(apperrors.NewValidationError("only the author can edit a message"))
		return
	}

	updated, err := r.sessions.UpdateMessage(ctx, sess.ID, p.MessageID, session.MessagePatch{Content: &p.Content})
	if err != nil {
		r.log.LogError(err, "cache edit failed", "message_id", p.MessageID, "room_id", sess.ID)
		c.sendRoomError(apperrors.NewTransientStoreError("could not edit message", err))
		return
	}
	if err := r.bridge.UpdateDurable(ctx, p.MessageID, p.Content, c.UserID); err != nil {
		if errors.Is(err, apperrors.ErrMessageNotFound) {
			// Not flushed yet; the durable row appears on the next sync.
			r.log.Debug("durable edit skipped for unsynced message", "message_id", p.MessageID)
		} else {
			r.log.Warn("durable edit failed", "message_id", p.MessageID, "error", err.Error())
		}
	}

	r.hub.BroadcastRoom(sess.ID, EvtMessageUpdate, MessageBroadcast{TeamID: sess.ID, Message: *updated})
}

// editDurableFallback mutates durable storage directly for a message
// that was evicted from the cache window. The origin room is unknown,
// so the update fans out to every room the requester is joined to. An
// id with no durable row either is rejected, not broadcast.
func (r *Router) editDurableFallback(c *Client, p *EditPayload) {
	ctx := context.Background()
	if err := r.bridge.UpdateDurable(ctx, p.MessageID, p.Content, c.UserID); err != nil {
		if errors.Is(err, apperrors.ErrMessageNotFound) {
			c.sendRoomError(apperrors.NewNotFoundError("message not found"))
			return
		}
		r.log.LogError(err, "durable edit fallback failed", "message_id", p.MessageID)
		c.sendRoomError(apperrors.NewTransientStoreError("could not edit message", err))
		return
	}

	r.log.Warn("edit resolved outside cache window, broadcasting to requester rooms",
		"message_id", p.MessageID,
		"user_id", c.UserID,
	)
	for _, roomID := range c.Rooms() {
		r.hub.BroadcastRoom(roomID, EvtMessageUpdate, MessageBroadcast{
			TeamID:  roomID,
			Message: session.Message{ID: p.MessageID, Content: p.Content},
		})
	}
}

func (r *Router) handleDelete(c *Client, p *DeletePayload) {
	if p.MessageID == "" {
		c.sendRoomError(apperrors.NewValidationError("messageId is required"))
		return
	}

	ctx := context.Background()
	sess, err := r.sessions.GetSessionByMessageID(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrMessageNotFound) || errors.Is(err, apperrors.ErrSessionNotFound) {
			r.deleteDurableFallback(c, p)
			return
		}
		r.log.LogError(err, "delete routing failed", "message_id", p.MessageID)
		c.sendRoomError(apperrors.NewConsistencyAmbiguityError("could not determine where the message lives"))
		return
	}

	if msg, err := r.sessions.GetMessageByID(ctx, p.MessageID); err == nil &&
		msg.Type != session.TypeAssistant && msg.AuthorID != c.UserID {
		c.sendRoomError(apperrors.NewValidationError("only the author can delete a message"))
		return
	}

	if err := r.sessions.DeleteMessage(ctx, sess.ID, p.MessageID); err != nil {
		r.log.LogError(err, "cache delete failed", "message_id", p.MessageID, "room_id", sess.ID)
		c.sendRoomError(apperrors.NewTransientStoreError("could not delete message", err))
		return
	}
	if err := r.bridge.DeleteDurable(ctx, p.MessageID); err != nil {
		if errors.Is(err, apperrors.ErrMessageNotFound) {
			// Never flushed; nothing durable to delete.
			r.log.Debug("durable delete skipped for unsynced message", "message_id", p.MessageID)
		} else {
			r.log.Warn("durable delete failed", "message_id", p.MessageID, "error", err.Error())
		}
	}

	r.hub.BroadcastRoom(sess.ID, EvtMessageDeleted, MessageDeleteBroadcast{TeamID: sess.ID, MessageID: p.MessageID})
}

func (r *Router) deleteDurableFallback(c *Client, p *DeletePayload) {
	ctx := context.Background()
	if err := r.bridge.DeleteDurable(ctx, p.MessageID); err != nil {
		if errors.Is(err, apperrors.ErrMessageNotFound) {
			c.sendRoomError(apperrors.NewNotFoundError("message not found"))
			return
		}
		r.log.LogError(err, "durable delete fallback failed", "message_id", p.MessageID)
		c.sendRoomError(apperrors.NewTransientStoreError("could not delete message", err))
		return
	}

	r.log.Warn("delete resolved outside cache window, broadcasting to requester rooms",
		"message_id", p.MessageID,
		"user_id", c.UserID,
	)
	for _, roomID := range c.Rooms() {
		r.hub.BroadcastRoom(roomID, EvtMessageDeleted, MessageDeleteBroadcast{
			TeamID:    roomID,
			MessageID: p.MessageID,
		})
	}
}

func (r *Router) handleQueueSend(c *Client, p *QueueSendPayload) {
	if !c.InRoom(p.TeamID) {
		c.sendRoomError(apperrors.NewValidationError("not joined to room"))
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		c.sendRoomError(apperrors.NewValidationError("message content must not be empty"))
		return
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	msgType := session.MessageType(p.Type)
	if msgType == "" {
		msgType = session.TypeUser
	}

	qm := session.QueuedMessage{
		MessageID: p.MessageID,
		UserID:    c.UserID,
		Content:   p.Content,
		Type:      msgType,
		Metadata:  p.Metadata,
		Timestamp: p.Timestamp,
	}

	if err := r.sessions.AppendQueueMessage(context.Background(), p.TeamID, qm); err != nil {
		r.log.LogError(err, "queue append failed", "room_id", p.TeamID, "message_id", p.MessageID)
		c.sendMessageError(p.TeamID, apperrors.NewTransientStoreError("queued message could not be stored", err))
		return
	}

	r.hub.BroadcastRoom(p.TeamID, EvtMessageQueue, qm)
}

func (r *Router) handleQueueRemove(c *Client, p *QueueRemovePayload) {
	if p.TeamID == "" || p.MessageID == "" {
		c.sendRoomError(apperrors.NewValidationError("teamId and messageId are required"))
		return
	}

	if err := r.sessions.RemoveQueueMessage(context.Background(), p.TeamID, p.MessageID); err != nil &&
		!errors.Is(err, apperrors.ErrSessionNotFound) {
		r.log.LogError(err, "queue remove failed", "room_id", p.TeamID, "message_id", p.MessageID)
		c.sendRoomError(apperrors.NewTransientStoreError("queued message could not be removed", err))
		return
	}

	// Queue removals are visible to every connection.
	r.hub.BroadcastAll(EvtQueueDelete, QueueDeletePayload{TeamChatID: p.TeamID, MessageID: p.MessageID})
}

// handleTyping is pure fan-out; typing state is cosmetic, so limiter
// violations drop the event without a user-visible error.
func (r *Router) handleTyping(c *Client, roomID, eventType string) {
	if !c.InRoom(roomID) {
		return
	}
	if !c.limiter.Allow(OpTyping) {
		metrics.RateLimitHits.WithLabelValues(OpTyping).Inc()
		return
	}
	r.tracker.SetTyping(context.Background(), roomID, c.UserID, eventType == EvtTypingStart)
	r.hub.BroadcastRoom(roomID, eventType, TypingPayload{TeamID: roomID, UserID: c.UserID})
}

func (r *Router) handleReceipt(c *Client, p *ReceiptPayload) {
	if !c.InRoom(p.TeamID) {
		return
	}
	if p.LastReadMessageID == "" {
		c.sendRoomError(apperrors.NewValidationError("lastReadMessageId is required"))
		return
	}

	receipt := presence.ReadReceipt{
		UserID:            c.UserID,
		LastReadMessageID: p.LastReadMessageID,
		Timestamp:         time.Now(),
	}
	if err := r.tracker.UpdateReadReceipt(context.Background(), p.TeamID, receipt); err != nil {
		r.log.Warn("receipt update failed", "room_id", p.TeamID, "error", err.Error())
		return
	}

	r.hub.BroadcastRoom(p.TeamID, EvtReceiptUpdate, ReceiptBroadcastPayload{TeamID: p.TeamID, Receipt: receipt})
}

// handleHeartbeat refreshes presence; limiter violations are silent
// like typing.
func (r *Router) handleHeartbeat(c *Client, roomID string) {
	if !c.InRoom(roomID) {
		return
	}
	if !c.limiter.Allow(OpPresence) {
		metrics.RateLimitHits.WithLabelValues(OpPresence).Inc()
		return
	}

	entry, err := r.tracker.UpdatePresence(context.Background(), roomID, c.UserID, true)
	if err != nil {
		r.log.Warn("presence heartbeat failed", "room_id", roomID, "error", err.Error())
		return
	}
	r.hub.BroadcastRoom(roomID, EvtPresenceUpdate, PresenceUpdatePayload{TeamID: roomID, Entry: *entry})
}
