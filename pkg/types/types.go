package types

import (
	"encoding/json"
	"time"
)

// Message type constants for the collaboration wire protocol.
// ARCHITECTURAL DISCOVERY: Closed tagged-union taxonomy with an explicit routing
// table replaces optional-callback dispatch and gives exhaustive-match safety
const (
	MessageTypeJoin             = "join"
	MessageTypeLeave            = "leave"
	MessageTypeHeartbeat        = "heartbeat"
	MessageTypeCursorUpdate     = "cursor_update"
	MessageTypeChatSend         = "chat_send"
	MessageTypeCodeUpdate       = "code_update"
	MessageTypeWhiteboardMutate = "whiteboard_mutate"
	MessageTypeTopicChange      = "topic_change"
	MessageTypeSessionSnapshot  = "session_snapshot" // server -> client only
	MessageTypePresenceUpdate   = "presence_update"  // server -> client only
	MessageTypeError            = "error"            // server -> client only
)

// Session status values
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// Participant connection states
const (
	ConnectionStateConnected    = "connected"
	ConnectionStateStale        = "stale"
	ConnectionStateDisconnected = "disconnected"
)

// Whiteboard element types
const (
	ElementTypeLine      = "line"
	ElementTypeRectangle = "rectangle"
	ElementTypeCircle    = "circle"
	ElementTypeText      = "text"
)

// Whiteboard mutation operations
const (
	WhiteboardOpAdd    = "add"
	WhiteboardOpRemove = "remove"
)

// Chat message kinds
const (
	ChatKindText       = "text"
	ChatKindCode       = "code"
	ChatKindAnnotation = "annotation"
)

// Wire error codes carried in Error payloads
const (
	ErrorCodeMalformedMessage = "malformed_message"
	ErrorCodeSessionNotFound  = "session_not_found"
	ErrorCodeForbidden        = "forbidden"
	ErrorCodeVersionConflict  = "version_conflict"
	ErrorCodeRateLimited      = "rate_limited"
)

// Session is the unit of collaboration: shared code buffer, whiteboard, chat
// transcript and roster for one group of participants.
// FUNCTIONAL DISCOVERY: Closed sessions are never mutated again; they are retained
// only for the late-reconnect grace window before purge
type Session struct {
	ID                string                  `json:"id"`
	HostParticipantID string                  `json:"hostParticipantId"`
	Status            string                  `json:"status"`
	CreatedAt         time.Time               `json:"createdAt"`
	ClosedAt          *time.Time              `json:"closedAt,omitempty"`
	SharedCode        string                  `json:"sharedCode"`
	Whiteboard        Whiteboard              `json:"whiteboard"`
	ChatLog           []*ChatMessage          `json:"chatLog"`
	ActiveTopic       string                  `json:"activeTopic"`
	Participants      map[string]*Participant `json:"participants"`
}

// Whiteboard holds the ordered element list plus a monotonic version counter.
// ARCHITECTURAL DISCOVERY: Version is the sole arbiter of whiteboard conflict
// resolution - a mutation applies only when its claimed base version matches
type Whiteboard struct {
	Elements []*WhiteboardElement `json:"elements"`
	Version  int64                `json:"version"`
}

// Participant is one connected user identity within a session.
type Participant struct {
	ID              string          `json:"participantId"`
	DisplayName     string          `json:"displayName"`
	JoinedAt        time.Time       `json:"joinedAt"`
	ConnectionState string          `json:"connectionState"`
	Cursor          *CursorPosition `json:"cursor,omitempty"`
}

// CursorPosition is advisory only and never persisted beyond the current value.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WhiteboardElement is immutable once created; elements can be removed but
// never edited in place.
type WhiteboardElement struct {
	ID                  string   `json:"elementId"`
	Type                string   `json:"type"`
	Geometry            Geometry `json:"geometry"`
	AuthorParticipantID string   `json:"authorParticipantId"`
}

// Geometry is a flat shape description shared by all element types; unused
// fields are omitted on the wire.
type Geometry struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	X2     float64 `json:"x2,omitempty"`
	Y2     float64 `json:"y2,omitempty"`
	Radius float64 `json:"radius,omitempty"`
	Text   string  `json:"text,omitempty"`
}

// ChatMessage is immutable once created.
type ChatMessage struct {
	ID                  string    `json:"messageId"`
	AuthorParticipantID string    `json:"authorParticipantId"`
	Content             string    `json:"content"`
	Kind                string    `json:"kind"`
	Timestamp           time.Time `json:"timestamp"`
}

// RosterEntry is the presence view of a participant delivered in snapshots and
// presence broadcasts.
type RosterEntry struct {
	ParticipantID   string    `json:"participantId"`
	DisplayName     string    `json:"displayName"`
	ConnectionState string    `json:"connectionState"`
	JoinedAt        time.Time `json:"joinedAt"`
	IsHost          bool      `json:"isHost"`
}

// Message is the wire envelope for every protocol message.
// ARCHITECTURAL DISCOVERY: Payload as raw JSON keeps the envelope closed while
// allowing type-specific payload structs to be decoded on demand
type Message struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewMessage builds an envelope with a server-assigned timestamp.
// FUNCTIONAL DISCOVERY: Server controls timestamps on everything it emits;
// client-supplied timestamps are advisory and overwritten during handling
func NewMessage(msgType, sessionID, participantID string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, ErrInvalidPayload
		}
		raw = data
	}
	return &Message{
		Type:          msgType,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Payload:       raw,
		Timestamp:     time.Now(),
	}, nil
}

// Clone returns a deep copy of the session. Readers outside the session
// worker operate on clones so the live state is only ever touched under the
// registry entry lock.
func (s *Session) Clone() *Session {
	clone := *s

	if s.ClosedAt != nil {
		closedAt := *s.ClosedAt
		clone.ClosedAt = &closedAt
	}

	clone.Whiteboard.Elements = make([]*WhiteboardElement, len(s.Whiteboard.Elements))
	for i, el := range s.Whiteboard.Elements {
		copied := *el
		clone.Whiteboard.Elements[i] = &copied
	}

	clone.ChatLog = make([]*ChatMessage, len(s.ChatLog))
	for i, msg := range s.ChatLog {
		copied := *msg
		clone.ChatLog[i] = &copied
	}

	clone.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		copied := *p
		if p.Cursor != nil {
			cursor := *p.Cursor
			copied.Cursor = &cursor
		}
		clone.Participants[id] = &copied
	}
	return &clone
}

// RosterOf builds the roster view of a session's participants.
func RosterOf(session *Session) []*RosterEntry {
	roster := make([]*RosterEntry, 0, len(session.Participants))
	for _, p := range session.Participants {
		roster = append(roster, &RosterEntry{
			ParticipantID:   p.ID,
			DisplayName:     p.DisplayName,
			ConnectionState: p.ConnectionState,
			JoinedAt:        p.JoinedAt,
			IsHost:          p.ID == session.HostParticipantID,
		})
	}
	return roster
}
