package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"collabspace/internal/codec"
	"collabspace/internal/presence"
	"collabspace/internal/reconciler"
	"collabspace/internal/registry"
	"collabspace/pkg/types"
)

// Broadcaster delivers messages to connected participants. Implemented by the
// channel manager.
type Broadcaster interface {
	// Broadcast fans out to every connected participant of the session except
	// excludeParticipantID (empty string excludes nobody). Per-recipient
	// failures are isolated inside the implementation.
	Broadcast(sessionID string, msg *types.Message, excludeParticipantID string)
	// SendToConn delivers to a single connection, bound or not.
	SendToConn(connID string, msg *types.Message) error
}

// Binder associates a raw connection with a session participant, subscribing
// it to that session's broadcasts.
type Binder interface {
	Bind(connID, sessionID, participantID string) error
	Release(sessionID, participantID string)
}

// Archiver persists sessions and chat durably. May be nil-free via a no-op in
// tests; the manager tolerates archive failures by logging.
type Archiver interface {
	SaveSession(ctx context.Context, session *types.Session) error
	SaveChatMessage(ctx context.Context, sessionID string, msg *types.ChatMessage) error
}

// Manager orchestrates create/join/leave/close transitions and snapshot
// delivery. Every method that touches a session runs inside that session's
// worker, so handling here is serialized per session by construction.
type Manager struct {
	registry    *registry.Registry
	tracker     *presence.Tracker
	reconciler  *reconciler.Reconciler
	broadcaster Broadcaster
	binder      Binder
	archive     Archiver // nil disables persistence

	archiveTimeout time.Duration
}

// NewManager wires the lifecycle manager and installs itself as the registry's
// session-closed consumer.
func NewManager(reg *registry.Registry, tracker *presence.Tracker, rec *reconciler.Reconciler,
	broadcaster Broadcaster, binder Binder, archive Archiver) *Manager {
	m := &Manager{
		registry:       reg,
		tracker:        tracker,
		reconciler:     rec,
		broadcaster:    broadcaster,
		binder:         binder,
		archive:        archive,
		archiveTimeout: 10 * time.Second,
	}
	reg.SetSessionClosedFunc(m.onSessionClosed)
	return m
}

// NewSession allocates a fresh active session. The first join will claim host.
func (m *Manager) NewSession() *types.Session {
	return m.registry.CreateSession()
}

// AbortSession closes a session whose creating join was rejected before any
// participant made the roster. Without this the session would stay active
// forever; the roster-empty close in removeFromRoster never fires for a
// roster that was never populated. Returns true when the session closed.
func (m *Manager) AbortSession(sessionID string) bool {
	empty := false
	if err := m.registry.View(sessionID, func(s *types.Session) {
		empty = len(s.Participants) == 0
	}); err != nil || !empty {
		return false
	}

	if err := m.registry.CloseSession(sessionID); err != nil {
		log.Printf("Failed to abort session %s: %v", sessionID, err)
		return false
	}
	log.Printf("Session aborted: session=%s", sessionID)
	return true
}

// Join registers a new participant, delivers the full snapshot, and announces
// the join to the rest of the session.
// ARCHITECTURAL DISCOVERY: Snapshot capture and broadcast subscription happen
// under the same per-session serialization point - the worker invoking this is
// the only broadcast source for the session, so no delta can slip between the
// snapshot and the first subscribed broadcast
func (m *Manager) Join(sessionID, connID string, msg *types.Message) error {
	var payload types.JoinPayload
	if err := codec.DecodePayload(msg, &payload); err != nil {
		m.replyError(connID, sessionID, "", types.ErrorCodeMalformedMessage, err)
		return err
	}
	if err := payload.Validate(); err != nil {
		m.replyError(connID, sessionID, "", types.ErrorCodeMalformedMessage, err)
		return err
	}

	participant := &types.Participant{
		ID:              uuid.New().String(),
		DisplayName:     payload.DisplayName,
		JoinedAt:        time.Now(),
		ConnectionState: types.ConnectionStateConnected,
	}

	var snapshot *types.SessionSnapshotPayload
	var entry *types.RosterEntry
	err := m.registry.Mutate(sessionID, func(s *types.Session) error {
		s.Participants[participant.ID] = participant
		// FUNCTIONAL DISCOVERY: First joiner becomes host; the host reference
		// is never cleared afterwards, even across host disconnect
		if s.HostParticipantID == "" {
			s.HostParticipantID = participant.ID
		}
		snapshot = m.reconciler.Snapshot(s)
		entry = &types.RosterEntry{
			ParticipantID:   participant.ID,
			DisplayName:     participant.DisplayName,
			ConnectionState: participant.ConnectionState,
			JoinedAt:        participant.JoinedAt,
			IsHost:          s.HostParticipantID == participant.ID,
		}
		return nil
	})
	if err != nil {
		// Unknown, purged, or closed session: terminal for this join attempt
		m.replyError(connID, sessionID, "", types.ErrorCodeSessionNotFound, ErrJoinRejected)
		return err
	}

	if err := m.binder.Bind(connID, sessionID, participant.ID); err != nil {
		// Roll the roster entry back; nobody was told about this participant yet
		_ = m.registry.Mutate(sessionID, func(s *types.Session) error {
			delete(s.Participants, participant.ID)
			return nil
		})
		m.replyError(connID, sessionID, "", types.ErrorCodeSessionNotFound, err)
		return err
	}

	snapshotMsg, _ := types.NewMessage(types.MessageTypeSessionSnapshot, sessionID, participant.ID, snapshot)
	if err := m.broadcaster.SendToConn(connID, snapshotMsg); err != nil {
		log.Printf("Failed to deliver snapshot: session=%s participant=%s err=%v", sessionID, participant.ID, err)
	}

	joinMsg, _ := types.NewMessage(types.MessageTypeJoin, sessionID, participant.ID,
		&types.PresenceUpdatePayload{Participant: entry})
	m.broadcaster.Broadcast(sessionID, joinMsg, participant.ID)

	m.tracker.Track(sessionID, participant.ID)

	log.Printf("Participant joined: session=%s participant=%s name=%q host=%v",
		sessionID, participant.ID, participant.DisplayName, entry.IsHost)
	return nil
}

// Leave removes a participant on an explicit leave message. Returns true when
// the roster emptied and the session was closed.
func (m *Manager) Leave(sessionID, participantID string) bool {
	m.tracker.Remove(participantID)
	return m.removeFromRoster(sessionID, participantID, "left")
}

// Expire removes a participant whose disconnect grace elapsed. The synthetic
// leave broadcast is indistinguishable from an explicit one on the wire.
func (m *Manager) Expire(sessionID, participantID string) bool {
	return m.removeFromRoster(sessionID, participantID, "evicted")
}

// removeFromRoster drops the participant, announces the departure, and closes
// the session when the roster empties.
func (m *Manager) removeFromRoster(sessionID, participantID, reason string) bool {
	var entry *types.RosterEntry
	remaining := -1
	err := m.registry.Mutate(sessionID, func(s *types.Session) error {
		p, ok := s.Participants[participantID]
		if !ok {
			return ErrParticipantNotFound
		}
		entry = &types.RosterEntry{
			ParticipantID:   p.ID,
			DisplayName:     p.DisplayName,
			ConnectionState: types.ConnectionStateDisconnected,
			JoinedAt:        p.JoinedAt,
			IsHost:          s.HostParticipantID == p.ID,
		}
		delete(s.Participants, participantID)
		remaining = len(s.Participants)
		return nil
	})
	if err != nil {
		return false
	}

	m.binder.Release(sessionID, participantID)

	leaveMsg, _ := types.NewMessage(types.MessageTypeLeave, sessionID, participantID,
		&types.PresenceUpdatePayload{Participant: entry})
	m.broadcaster.Broadcast(sessionID, leaveMsg, participantID)

	log.Printf("Participant %s: session=%s participant=%s remaining=%d", reason, sessionID, participantID, remaining)

	if remaining == 0 {
		if err := m.registry.CloseSession(sessionID); err != nil {
			log.Printf("Failed to close empty session %s: %v", sessionID, err)
		}
		return true
	}
	return false
}

// Heartbeat resets the participant's presence timer and broadcasts recovery
// when a stale participant resumes.
func (m *Manager) Heartbeat(sessionID, participantID string) {
	previous, err := m.tracker.Heartbeat(participantID)
	if err != nil {
		log.Printf("Heartbeat from untracked participant: session=%s participant=%s", sessionID, participantID)
		return
	}
	if previous == types.ConnectionStateStale {
		m.setConnectionState(sessionID, participantID, types.ConnectionStateConnected)
	}
}

// MarkStale handles both the missed-heartbeat transition and immediate
// transport loss: the roster entry greys out for everyone else.
func (m *Manager) MarkStale(sessionID, participantID string) {
	_ = m.tracker.MarkStale(participantID)
	m.setConnectionState(sessionID, participantID, types.ConnectionStateStale)
}

// HandleStaleTimeout applies a tracker-detected stale transition to the roster.
func (m *Manager) HandleStaleTimeout(sessionID, participantID string) {
	m.setConnectionState(sessionID, participantID, types.ConnectionStateStale)
}

// setConnectionState updates the roster entry and broadcasts a presence update.
func (m *Manager) setConnectionState(sessionID, participantID, state string) {
	var entry *types.RosterEntry
	err := m.registry.Mutate(sessionID, func(s *types.Session) error {
		p, ok := s.Participants[participantID]
		if !ok {
			return ErrParticipantNotFound
		}
		p.ConnectionState = state
		entry = &types.RosterEntry{
			ParticipantID:   p.ID,
			DisplayName:     p.DisplayName,
			ConnectionState: state,
			JoinedAt:        p.JoinedAt,
			IsHost:          s.HostParticipantID == p.ID,
		}
		return nil
	})
	if err != nil {
		return
	}

	update, _ := types.NewMessage(types.MessageTypePresenceUpdate, sessionID, participantID,
		&types.PresenceUpdatePayload{Participant: entry})
	m.broadcaster.Broadcast(sessionID, update, "")
}

// ApplyMutation routes a content mutation through the reconciler and delivers
// the resulting broadcast and sender reply.
func (m *Manager) ApplyMutation(sessionID, connID string, msg *types.Message) {
	var result *reconciler.Result
	err := m.registry.Mutate(sessionID, func(s *types.Session) error {
		result = m.reconciler.Apply(s, msg)
		return nil
	})
	if err != nil {
		code := types.ErrorCodeSessionNotFound
		m.replyError(connID, sessionID, msg.ParticipantID, code, err)
		return
	}

	if result.Err != nil {
		log.Printf("Mutation rejected: session=%s participant=%s type=%s err=%v",
			sessionID, msg.ParticipantID, msg.Type, result.Err)
	}

	if result.Reply != nil {
		if err := m.broadcaster.SendToConn(connID, result.Reply); err != nil {
			log.Printf("Failed to deliver reply: session=%s participant=%s err=%v", sessionID, msg.ParticipantID, err)
		}
	}
	if result.Broadcast != nil {
		m.broadcaster.Broadcast(sessionID, result.Broadcast, msg.ParticipantID)
	}
	if result.PersistChat != nil && m.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.archiveTimeout)
		if err := m.archive.SaveChatMessage(ctx, sessionID, result.PersistChat); err != nil {
			log.Printf("Failed to archive chat message: session=%s err=%v", sessionID, err)
		}
		cancel()
	}
}

// onSessionClosed archives the terminal session state and clears any presence
// tracking left behind.
func (m *Manager) onSessionClosed(session *types.Session) {
	for participantID := range session.Participants {
		m.tracker.Remove(participantID)
	}
	if m.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.archiveTimeout)
	defer cancel()
	if err := m.archive.SaveSession(ctx, session); err != nil {
		log.Printf("Failed to archive closed session %s: %v", session.ID, err)
	}
}

// replyError sends a sender-only Error message.
func (m *Manager) replyError(connID, sessionID, participantID, code string, cause error) {
	msg, _ := types.NewMessage(types.MessageTypeError, sessionID, participantID, &types.ErrorPayload{
		Code:    code,
		Message: errMessage(cause),
	})
	if err := m.broadcaster.SendToConn(connID, msg); err != nil {
		log.Printf("Failed to deliver error to conn %s: %v", connID, err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return "request rejected"
	}
	return err.Error()
}
