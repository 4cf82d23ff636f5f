package reconciler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"collabspace/internal/codec"
	"collabspace/pkg/types"
)

// Reconciler applies mutation messages to authoritative session state. It is
// the only component permitted to touch sharedCode, whiteboard, chatLog and
// activeTopic, and it always runs inside the owning session's worker, so no
// locking happens here.
type Reconciler struct {
	chatRetention int // bounded in-memory chat tail, K entries
}

// Result describes the outcome of one applied mutation.
// FUNCTIONAL DISCOVERY: Broadcast goes to every other connected participant;
// Reply goes only to the sender (corrective snapshot or error); the two never
// carry the same message
type Result struct {
	Broadcast   *types.Message     // delta for everyone except the sender, nil if none
	Reply       *types.Message     // sender-only response, nil if none
	PersistChat *types.ChatMessage // accepted chat message for the archive, nil otherwise
	Err         error              // the rejection that produced Reply, nil on acceptance
}

// New creates a reconciler with the in-memory chat retention bound.
func New(chatRetention int) *Reconciler {
	return &Reconciler{chatRetention: chatRetention}
}

// Apply mutates session according to msg and produces the outbound messages.
// Rejections never return a bare error without a Reply: every sender-local
// failure maps to an Error payload or corrective snapshot.
func (r *Reconciler) Apply(session *types.Session, msg *types.Message) *Result {
	switch msg.Type {
	case types.MessageTypeChatSend:
		return r.applyChat(session, msg)
	case types.MessageTypeCodeUpdate:
		return r.applyCode(session, msg)
	case types.MessageTypeWhiteboardMutate:
		return r.applyWhiteboard(session, msg)
	case types.MessageTypeTopicChange:
		return r.applyTopic(session, msg)
	case types.MessageTypeCursorUpdate:
		return r.applyCursor(session, msg)
	default:
		return r.reject(msg, types.ErrorCodeMalformedMessage, ErrUnknownMutationType)
	}
}

// Snapshot builds the full point-in-time state for a joining participant or a
// version-conflict resync.
func (r *Reconciler) Snapshot(session *types.Session) *types.SessionSnapshotPayload {
	elements := make([]*types.WhiteboardElement, len(session.Whiteboard.Elements))
	copy(elements, session.Whiteboard.Elements)

	tail := make([]*types.ChatMessage, len(session.ChatLog))
	copy(tail, session.ChatLog)

	return &types.SessionSnapshotPayload{
		SharedCode:        session.SharedCode,
		Whiteboard:        elements,
		WhiteboardVersion: session.Whiteboard.Version,
		ChatLogTail:       tail,
		ActiveTopic:       session.ActiveTopic,
		Roster:            types.RosterOf(session),
	}
}

// applyChat: always accepted, appended, trimmed to the retention bound.
func (r *Reconciler) applyChat(session *types.Session, msg *types.Message) *Result {
	var payload types.ChatSendPayload
	if err := codec.DecodePayload(msg, &payload); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}
	if err := payload.Validate(); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}

	// ARCHITECTURAL DISCOVERY: Server controls message IDs and timestamps to
	// prevent client tampering and keep append order authoritative
	chatMsg := &types.ChatMessage{
		ID:                  uuid.New().String(),
		AuthorParticipantID: msg.ParticipantID,
		Content:             payload.Content,
		Kind:                payload.Kind,
		Timestamp:           time.Now(),
	}

	session.ChatLog = append(session.ChatLog, chatMsg)
	if len(session.ChatLog) > r.chatRetention {
		// Trim in place; older entries survive only in the archive
		trimmed := make([]*types.ChatMessage, r.chatRetention)
		copy(trimmed, session.ChatLog[len(session.ChatLog)-r.chatRetention:])
		session.ChatLog = trimmed
	}

	broadcast, _ := types.NewMessage(types.MessageTypeChatSend, session.ID, msg.ParticipantID, chatMsg)
	return &Result{Broadcast: broadcast, PersistChat: chatMsg}
}

// applyCode: always accepted, last-writer-wins by arrival order, broadcast as
// the new full value rather than a diff.
func (r *Reconciler) applyCode(session *types.Session, msg *types.Message) *Result {
	var payload types.CodeUpdatePayload
	if err := codec.DecodePayload(msg, &payload); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}
	if err := payload.Validate(); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}

	session.SharedCode = payload.Code

	broadcast, _ := types.NewMessage(types.MessageTypeCodeUpdate, session.ID, msg.ParticipantID, &payload)
	return &Result{Broadcast: broadcast}
}

// applyWhiteboard: optimistic concurrency on the version counter. A stale base
// version is a rejection, not a retryable timeout - the sender gets a full
// snapshot and must rebase and resubmit.
func (r *Reconciler) applyWhiteboard(session *types.Session, msg *types.Message) *Result {
	var payload types.WhiteboardMutatePayload
	if err := codec.DecodePayload(msg, &payload); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}
	if err := payload.Validate(); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}

	if payload.BaseVersion != session.Whiteboard.Version {
		return r.resync(session, msg, ErrVersionConflict)
	}

	delta := &types.WhiteboardDeltaPayload{Op: payload.Op}
	switch payload.Op {
	case types.WhiteboardOpAdd:
		// Server assigns element identity so a rebased resubmit after a
		// conflict cannot collide with its own rejected attempt
		element := &types.WhiteboardElement{
			ID:                  uuid.New().String(),
			Type:                payload.Element.Type,
			Geometry:            payload.Element.Geometry,
			AuthorParticipantID: msg.ParticipantID,
		}
		session.Whiteboard.Elements = append(session.Whiteboard.Elements, element)
		delta.Element = element

	case types.WhiteboardOpRemove:
		idx := -1
		for i, el := range session.Whiteboard.Elements {
			if el.ID == payload.ElementID {
				idx = i
				break
			}
		}
		if idx < 0 {
			// A matching base version with an unknown element means the client
			// state has diverged; resync rather than guessing
			return r.resync(session, msg, ErrElementNotFound)
		}
		session.Whiteboard.Elements = append(
			session.Whiteboard.Elements[:idx], session.Whiteboard.Elements[idx+1:]...)
		delta.ElementID = payload.ElementID
	}

	session.Whiteboard.Version++
	delta.Version = session.Whiteboard.Version

	broadcast, _ := types.NewMessage(types.MessageTypeWhiteboardMutate, session.ID, msg.ParticipantID, delta)
	// Sender also receives the authoritative delta so its optimistic local
	// apply converges on the server-assigned element ID and version
	reply, _ := types.NewMessage(types.MessageTypeWhiteboardMutate, session.ID, msg.ParticipantID, delta)
	return &Result{Broadcast: broadcast, Reply: reply}
}

// applyTopic: host-only. Rejections go to the sender alone, never broadcast.
func (r *Reconciler) applyTopic(session *types.Session, msg *types.Message) *Result {
	if msg.ParticipantID != session.HostParticipantID {
		return r.reject(msg, types.ErrorCodeForbidden, ErrForbidden)
	}

	var payload types.TopicChangePayload
	if err := codec.DecodePayload(msg, &payload); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}
	if err := payload.Validate(); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}

	session.ActiveTopic = payload.Topic

	broadcast, _ := types.NewMessage(types.MessageTypeTopicChange, session.ID, msg.ParticipantID, &payload)
	return &Result{Broadcast: broadcast}
}

// applyCursor: accepted unconditionally, stored only as the participant's
// current value, broadcast immediately.
func (r *Reconciler) applyCursor(session *types.Session, msg *types.Message) *Result {
	var payload types.CursorUpdatePayload
	if err := codec.DecodePayload(msg, &payload); err != nil {
		return r.reject(msg, types.ErrorCodeMalformedMessage, err)
	}

	participant, ok := session.Participants[msg.ParticipantID]
	if !ok {
		return r.reject(msg, types.ErrorCodeSessionNotFound, ErrUnknownParticipant)
	}
	participant.Cursor = &types.CursorPosition{X: payload.X, Y: payload.Y}

	broadcast, _ := types.NewMessage(types.MessageTypeCursorUpdate, session.ID, msg.ParticipantID, &payload)
	return &Result{Broadcast: broadcast}
}

// reject builds a sender-only Error reply.
func (r *Reconciler) reject(msg *types.Message, code string, err error) *Result {
	reply, _ := types.NewMessage(types.MessageTypeError, msg.SessionID, msg.ParticipantID, &types.ErrorPayload{
		Code:    code,
		Message: fmt.Sprintf("%v", err),
	})
	return &Result{Reply: reply, Err: err}
}

// resync builds a sender-only corrective snapshot in place of a rejected delta.
func (r *Reconciler) resync(session *types.Session, msg *types.Message, err error) *Result {
	reply, _ := types.NewMessage(types.MessageTypeSessionSnapshot, session.ID, msg.ParticipantID, r.Snapshot(session))
	return &Result{Reply: reply, Err: err}
}
