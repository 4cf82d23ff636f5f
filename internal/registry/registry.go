package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabspace/pkg/types"
)

// SessionClosedFunc is invoked after a session transitions to closed, outside
// the session entry lock. The lifecycle manager consumes it for presence
// cleanup and archival.
type SessionClosedFunc func(session *types.Session)

// Registry is the single source of truth for session state. It owns the
// session map and performs no I/O itself; all mutation elsewhere in the system
// funnels through Mutate under the per-session entry lock.
// ARCHITECTURAL DISCOVERY: Arena-style ownership - one registry keyed by
// sessionId with accessor-only access avoids ad hoc shared-memory races without
// a global lock across sessions
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	closedRetention time.Duration
	onClosed        SessionClosedFunc
}

// entry pairs a session with its own mutex so mutations of different sessions
// never contend.
type entry struct {
	mu      sync.Mutex
	session *types.Session
	purge   *time.Timer
}

// New creates a registry. closedRetention is how long closed sessions remain
// queryable in memory before purge.
func New(closedRetention time.Duration) *Registry {
	return &Registry{
		sessions:        make(map[string]*entry),
		closedRetention: closedRetention,
	}
}

// SetSessionClosedFunc installs the close notification consumer.
func (r *Registry) SetSessionClosedFunc(fn SessionClosedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = fn
}

// CreateSession allocates a new active session with an empty roster. The first
// participant to join becomes the host.
func (r *Registry) CreateSession() *types.Session {
	session := &types.Session{
		ID:           uuid.New().String(),
		Status:       types.SessionStatusActive,
		CreatedAt:    time.Now(),
		Whiteboard:   types.Whiteboard{Elements: []*types.WhiteboardElement{}, Version: 0},
		ChatLog:      []*types.ChatMessage{},
		Participants: make(map[string]*types.Participant),
	}

	r.mu.Lock()
	r.sessions[session.ID] = &entry{session: session}
	r.mu.Unlock()

	log.Printf("Created session: id=%s", session.ID)
	return session
}

// GetSession returns a copy of the session for an ID, including closed
// sessions still inside the retention window. Fails with ErrSessionNotFound
// for unknown or purged IDs.
func (r *Registry) GetSession(sessionID string) (*types.Session, error) {
	r.mu.RLock()
	e, exists := r.sessions[sessionID]
	r.mu.RUnlock()

	if !exists {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Mutate runs fn against the session under its entry lock. Closed sessions are
// never mutated further; fn is not invoked for them.
// FUNCTIONAL DISCOVERY: Memory safety for concurrent API readers comes from the
// entry lock; arrival-order semantics come from the per-session worker queue
// that is the sole caller for a given session
func (r *Registry) Mutate(sessionID string, fn func(*types.Session) error) error {
	r.mu.RLock()
	e, exists := r.sessions[sessionID]
	r.mu.RUnlock()

	if !exists {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status == types.SessionStatusClosed {
		return ErrSessionClosed
	}
	return fn(e.session)
}

// View runs fn against the session under its entry lock without permitting
// mutation intent. Closed sessions are viewable until purged.
func (r *Registry) View(sessionID string, fn func(*types.Session)) error {
	r.mu.RLock()
	e, exists := r.sessions[sessionID]
	r.mu.RUnlock()

	if !exists {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.session)
	return nil
}

// CloseSession transitions a session to closed, schedules its purge, and emits
// the session-closed notification. Idempotent for already-closed sessions.
func (r *Registry) CloseSession(sessionID string) error {
	r.mu.Lock()
	e, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	onClosed := r.onClosed
	r.mu.Unlock()

	e.mu.Lock()
	if e.session.Status == types.SessionStatusClosed {
		e.mu.Unlock()
		return nil
	}
	now := time.Now()
	e.session.Status = types.SessionStatusClosed
	e.session.ClosedAt = &now
	session := e.session
	e.mu.Unlock()

	// Retain briefly for late "did my reconnect make it" queries, then purge
	r.mu.Lock()
	e.purge = time.AfterFunc(r.closedRetention, func() { r.purge(sessionID) })
	r.mu.Unlock()

	log.Printf("Closed session: id=%s retention=%s", sessionID, r.closedRetention)

	if onClosed != nil {
		onClosed(session)
	}
	return nil
}

// purge removes a closed session from memory after the retention window.
func (r *Registry) purge(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	log.Printf("Purged session: id=%s", sessionID)
}

// ListActiveSessions returns copies of all sessions currently in Active
// status.
func (r *Registry) ListActiveSessions() []*types.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var active []*types.Session
	for _, e := range entries {
		e.mu.Lock()
		if e.session.Status == types.SessionStatusActive {
			active = append(active, e.session.Clone())
		}
		e.mu.Unlock()
	}
	return active
}

// Stats returns registry counters for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	active, closed, participants := 0, 0, 0
	for _, e := range entries {
		e.mu.Lock()
		if e.session.Status == types.SessionStatusActive {
			active++
			participants += len(e.session.Participants)
		} else {
			closed++
		}
		e.mu.Unlock()
	}

	return map[string]int{
		"active_sessions": active,
		"retained_closed": closed,
		"participants":    participants,
	}
}
