package ws

import (
	"sync"
	"time"

	"github.com/Kicko7/Klyno-sub001/pkg/config"
)

// Operation classes for the per-connection rate limiter.
const (
	OpMessageSend = "message:send"
	OpTyping      = "typing"
	OpRoomJoin    = "room:join"
	OpPresence    = "presence"
)

type opLimit struct {
	max    int
	window time.Duration
}

type opBucket struct {
	windowStart  time.Time
	count        int
	blockedUntil time.Time
}

// OpLimiter enforces fixed-window quotas per operation class for one
// connection. Exceeding a quota blocks the operation class for twice
// the window.
type OpLimiter struct {
	mu      sync.Mutex
	limits  map[string]opLimit
	buckets map[string]*opBucket
	now     func() time.Time
}

// NewOpLimiter builds a limiter from the configured quotas.
func NewOpLimiter(cfg *config.Config) *OpLimiter {
	window := cfg.WS.RateWindow
	return &OpLimiter{
		limits: map[string]opLimit{
			OpMessageSend: {max: cfg.WS.SendLimit, window: window},
			OpTyping:      {max: cfg.WS.TypingLimit, window: window},
			OpRoomJoin:    {max: cfg.WS.JoinLimit, window: window},
			OpPresence:    {max: cfg.WS.PresenceLimit, window: window},
		},
		buckets: make(map[string]*opBucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the operation class. Returns false when
// the quota is exhausted or the class is in its block period.
func (l *OpLimiter) Allow(op string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[op]
	if !ok {
		return true
	}

	now := l.now()
	bucket, ok := l.buckets[op]
	if !ok {
		bucket = &opBucket{windowStart: now}
		l.buckets[op] = bucket
	}

	if now.Before(bucket.blockedUntil) {
		return false
	}

	if now.Sub(bucket.windowStart) >= limit.window {
		bucket.windowStart = now
		bucket.count = 0
	}

	if bucket.count >= limit.max {
		bucket.blockedUntil = now.Add(2 * limit.window)
		return false
	}

	bucket.count++
	return true
}
