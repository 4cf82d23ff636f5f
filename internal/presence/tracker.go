package presence

import (
	"log"
	"sync"
	"time"

	"collabspace/pkg/types"
)

// Events receives presence state transitions detected by timers. Implementations
// must be non-blocking; the hub enqueues each event onto the owning session's
// queue so the transition is applied in series with message handling.
type Events interface {
	ParticipantStale(sessionID, participantID string)
	ParticipantExpired(sessionID, participantID string)
}

// Tracker maintains the connectivity state machine per participant:
// Connected -> Stale -> Disconnected, or Connected -> Disconnected directly on
// an explicit leave.
// ARCHITECTURAL DISCOVERY: Timeout transitions are scheduled callbacks, not
// blocking waits - one AfterFunc per tracked participant, reset on heartbeat
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry // participantID -> entry

	heartbeatTimeout time.Duration // one missed client interval => Stale
	disconnectGrace  time.Duration // Stale with no heartbeat => Disconnected

	events Events
}

type entry struct {
	sessionID string
	state     string
	timer     *time.Timer
	gen       uint64 // invalidates timer callbacks scheduled before a reset
}

// NewTracker creates a tracker. SetEvents must be called before Track.
func NewTracker(heartbeatTimeout, disconnectGrace time.Duration) *Tracker {
	return &Tracker{
		entries:          make(map[string]*entry),
		heartbeatTimeout: heartbeatTimeout,
		disconnectGrace:  disconnectGrace,
	}
}

// SetEvents installs the transition consumer. Split from the constructor
// because the hub that consumes events is itself constructed after the tracker.
func (t *Tracker) SetEvents(events Events) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
}

// Track starts heartbeat monitoring for a newly joined participant.
func (t *Tracker) Track(sessionID, participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &entry{sessionID: sessionID, state: types.ConnectionStateConnected}
	if existing, ok := t.entries[participantID]; ok {
		existing.timer.Stop()
		e.gen = existing.gen + 1
	}
	gen := e.gen
	e.timer = time.AfterFunc(t.heartbeatTimeout, func() { t.onStaleTimeout(participantID, gen) })
	t.entries[participantID] = e
}

// Heartbeat resets the participant's timer. Returns the participant's previous
// state so the caller can broadcast a recovery when a stale participant
// resumes, and ErrNotTracked for unknown participants.
func (t *Tracker) Heartbeat(participantID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[participantID]
	if !ok {
		return "", ErrNotTracked
	}

	previous := e.state
	e.state = types.ConnectionStateConnected
	e.timer.Stop()
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(t.heartbeatTimeout, func() { t.onStaleTimeout(participantID, gen) })
	return previous, nil
}

// MarkStale forces a participant to Stale immediately (transport-level
// disconnect) and starts the eviction grace timer.
func (t *Tracker) MarkStale(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[participantID]
	if !ok {
		return ErrNotTracked
	}
	if e.state == types.ConnectionStateStale {
		return nil
	}

	e.state = types.ConnectionStateStale
	e.timer.Stop()
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(t.disconnectGrace, func() { t.onExpireTimeout(participantID, gen) })
	return nil
}

// Remove stops tracking a participant (explicit leave or post-eviction).
// Idempotent.
func (t *Tracker) Remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[participantID]; ok {
		e.timer.Stop()
		delete(t.entries, participantID)
	}
}

// State returns the tracked connectivity state for a participant.
func (t *Tracker) State(participantID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[participantID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// onStaleTimeout fires after one missed heartbeat interval.
func (t *Tracker) onStaleTimeout(participantID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[participantID]
	if !ok || e.gen != gen || e.state != types.ConnectionStateConnected {
		t.mu.Unlock()
		return
	}
	e.state = types.ConnectionStateStale
	e.gen++
	nextGen := e.gen
	e.timer = time.AfterFunc(t.disconnectGrace, func() { t.onExpireTimeout(participantID, nextGen) })
	sessionID := e.sessionID
	events := t.events
	t.mu.Unlock()

	log.Printf("Participant stale: session=%s participant=%s", sessionID, participantID)
	if events != nil {
		events.ParticipantStale(sessionID, participantID)
	}
}

// onExpireTimeout fires when the grace period elapses with no heartbeat; the
// participant is removed from tracking and reported for eviction.
func (t *Tracker) onExpireTimeout(participantID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[participantID]
	if !ok || e.gen != gen || e.state != types.ConnectionStateStale {
		t.mu.Unlock()
		return
	}
	delete(t.entries, participantID)
	sessionID := e.sessionID
	events := t.events
	t.mu.Unlock()

	log.Printf("Participant expired: session=%s participant=%s", sessionID, participantID)
	if events != nil {
		events.ParticipantExpired(sessionID, participantID)
	}
}
