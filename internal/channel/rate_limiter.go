package channel

import (
	"sync"
	"time"
)

// RateLimiter enforces per-participant message budgets with a sliding
// window. Cursor updates get their own, much higher allowance because a
// busy pointer can legitimately outpace every other message type combined.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow

	messageLimit int
	cursorLimit  int
	window       time.Duration
}

type clientWindow struct {
	messageCount int
	cursorCount  int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing messageLimit ordinary messages
// and cursorLimit cursor updates per window, per participant.
func NewRateLimiter(messageLimit, cursorLimit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients:      make(map[string]*clientWindow),
		messageLimit: messageLimit,
		cursorLimit:  cursorLimit,
		window:       window,
	}
}

// Allow reports whether the participant may send another ordinary message.
func (rl *RateLimiter) Allow(participantID string) bool {
	return rl.allow(participantID, false)
}

// AllowCursor reports whether the participant may send another cursor update.
func (rl *RateLimiter) AllowCursor(participantID string) bool {
	return rl.allow(participantID, true)
}

func (rl *RateLimiter) allow(participantID string, cursor bool) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	limit, exists := rl.clients[participantID]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		limit = &clientWindow{windowStart: now}
		rl.clients[participantID] = limit
	}

	if cursor {
		if limit.cursorCount >= rl.cursorLimit {
			return false
		}
		limit.cursorCount++
		return true
	}

	if limit.messageCount >= rl.messageLimit {
		return false
	}
	limit.messageCount++
	return true
}

// Forget drops a participant's window, typically on leave or eviction.
func (rl *RateLimiter) Forget(participantID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, participantID)
}

// Cleanup removes windows idle for several multiples of the window length.
// Call periodically to keep the map from accumulating departed clients.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for participantID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, participantID)
		}
	}
}
