package ws

import (
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/Kicko7/Klyno-sub001/pkg/errors"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/metrics"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size allowed from a peer
	maxFrameSize = 512 * 1024
)

// Client is one live websocket connection and its transient
// ConnectionRecord: identity, joined rooms, counters and rate buckets.
// Destroyed on disconnect; nothing here is persisted.
type Client struct {
	ID          string
	UserID      string
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	hub     *Hub
	router  *Router
	limiter *OpLimiter
	log     *logger.Logger

	mu           sync.Mutex
	rooms        map[string]bool
	messageCount int
}

// Rooms returns a snapshot of the rooms this connection has joined.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether this connection has joined the room.
func (c *Client) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// RoomCount returns the number of rooms this connection has joined.
func (c *Client) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

func (c *Client) trackJoin(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = true
}

func (c *Client) trackLeave(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Client) countMessage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCount++
}

// send queues an outbound event frame. A connection whose send buffer
// is full gets the frame dropped rather than blocking the router; the
// write pump's ping timeout will reap truly dead peers.
func (c *Client) send(eventType string, payload any) {
	frame := encode(eventType, payload)
	if frame == nil {
		return
	}
	select {
	case c.Send <- frame:
	default:
		c.log.Warn("dropping frame for slow consumer",
			"conn_id", c.ID,
			"user_id", c.UserID,
			"event", eventType,
		)
	}
}

func (c *Client) sendRoomError(appErr *apperrors.AppError) {
	metrics.ErrorEvents.WithLabelValues(apperrors.CodeOf(appErr)).Inc()
	c.send(EvtRoomError, RoomErrorPayload{Code: appErr.Code, Message: appErr.Message})
}

func (c *Client) sendMessageError(teamID string, appErr *apperrors.AppError) {
	metrics.ErrorEvents.WithLabelValues(apperrors.CodeOf(appErr)).Inc()
	c.send(EvtMessageError, MessageErrorPayload{
		TeamID:    teamID,
		UserID:    c.UserID,
		Code:      appErr.Code,
		Error:     appErr.Message,
		Timestamp: time.Now(),
	})
}

// ReadPump reads frames from the peer and dispatches them in order.
// Dispatch is synchronous: same-connection events must preserve
// submission order for message appends and queue changes.
func (c *Client) ReadPump() {
	defer func() {
		c.router.HandleDisconnect(c)
		c.hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected close", "conn_id", c.ID, "error", err.Error())
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed frame", "conn_id", c.ID, "error", err.Error())
			continue
		}

		c.router.Dispatch(c, env)
	}
}

// WritePump writes queued frames and keeps the connection alive with
// pings. One goroutine per connection; the only writer to Conn.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain any frames queued behind this one, each as its
			// own websocket frame.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
