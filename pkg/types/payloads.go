package types

// Type-specific payload structs for the wire envelope. Client-originated
// payloads are validated by the codec before routing; server-originated
// payloads are marshaled through NewMessage.

// JoinPayload carries the display name for a join request. An empty sessionId
// on the envelope means "create a new session with the joiner as host".
type JoinPayload struct {
	DisplayName string `json:"displayName"`
}

// CursorUpdatePayload is the highest-frequency, lowest-durability payload.
type CursorUpdatePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ChatSendPayload carries a new chat message body.
type ChatSendPayload struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

// CodeUpdatePayload replaces the shared code buffer wholesale.
// FUNCTIONAL DISCOVERY: Full value instead of a diff - simplicity over bandwidth
// for pair/small-group editing
type CodeUpdatePayload struct {
	Code string `json:"code"`
}

// WhiteboardMutatePayload describes an add or remove against a claimed base
// version. Element is set for add, ElementID for remove.
type WhiteboardMutatePayload struct {
	Op          string             `json:"op"`
	Element     *WhiteboardElement `json:"element,omitempty"`
	ElementID   string             `json:"elementId,omitempty"`
	BaseVersion int64              `json:"baseVersion"`
}

// WhiteboardDeltaPayload is the broadcast form of an applied whiteboard
// mutation: the delta plus the new authoritative version.
type WhiteboardDeltaPayload struct {
	Op        string             `json:"op"`
	Element   *WhiteboardElement `json:"element,omitempty"`
	ElementID string             `json:"elementId,omitempty"`
	Version   int64              `json:"version"`
}

// TopicChangePayload is host-only.
type TopicChangePayload struct {
	Topic string `json:"topic"`
}

// SessionSnapshotPayload is the full point-in-time state sent to a newly
// joining participant and as the corrective response to a version conflict.
type SessionSnapshotPayload struct {
	SharedCode        string               `json:"sharedCode"`
	Whiteboard        []*WhiteboardElement `json:"whiteboard"`
	WhiteboardVersion int64                `json:"whiteboardVersion"`
	ChatLogTail       []*ChatMessage       `json:"chatLogTail"`
	ActiveTopic       string               `json:"activeTopic"`
	Roster            []*RosterEntry       `json:"roster"`
}

// PresenceUpdatePayload carries a single roster entry whose connection state
// changed; also the payload of synthetic join/leave broadcasts.
type PresenceUpdatePayload struct {
	Participant *RosterEntry `json:"participant"`
}

// ErrorPayload reports a sender-local failure; it is never broadcast.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
