package types

import "regexp"

// Size bounds applied during payload validation
const (
	MaxDisplayNameLength = 50
	MaxTopicLength       = 200
	MaxChatContentBytes  = 8192
	MaxCodeBytes         = 262144
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID checks an opaque identifier (session or participant).
// FUNCTIONAL DISCOVERY: 1-64 character limit covers UUID-format server IDs
// while rejecting pathological client input
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidDisplayName checks a human-readable participant name.
func IsValidDisplayName(name string) bool {
	return len(name) >= 1 && len(name) <= MaxDisplayNameLength
}

// IsValidMessageType checks the envelope type against the closed taxonomy.
func IsValidMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeJoin,
		MessageTypeLeave,
		MessageTypeHeartbeat,
		MessageTypeCursorUpdate,
		MessageTypeChatSend,
		MessageTypeCodeUpdate,
		MessageTypeWhiteboardMutate,
		MessageTypeTopicChange,
		MessageTypeSessionSnapshot,
		MessageTypePresenceUpdate,
		MessageTypeError:
		return true
	default:
		return false
	}
}

// IsServerOnlyMessageType reports whether the type may only originate from the
// server. Clients submitting these are rejected at the codec layer.
func IsServerOnlyMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeSessionSnapshot, MessageTypePresenceUpdate, MessageTypeError:
		return true
	default:
		return false
	}
}

// IsValidChatKind checks a chat message kind.
func IsValidChatKind(kind string) bool {
	switch kind {
	case ChatKindText, ChatKindCode, ChatKindAnnotation:
		return true
	default:
		return false
	}
}

// IsValidElementType checks a whiteboard element type.
func IsValidElementType(elementType string) bool {
	switch elementType {
	case ElementTypeLine, ElementTypeRectangle, ElementTypeCircle, ElementTypeText:
		return true
	default:
		return false
	}
}

// IsValidWhiteboardOp checks a whiteboard mutation operation.
func IsValidWhiteboardOp(op string) bool {
	return op == WhiteboardOpAdd || op == WhiteboardOpRemove
}

// Validate ensures a chat payload meets all requirements.
func (p *ChatSendPayload) Validate() error {
	if !IsValidChatKind(p.Kind) {
		return ErrInvalidChatKind
	}
	if len(p.Content) == 0 || len(p.Content) > MaxChatContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// Validate ensures a code payload meets size requirements.
func (p *CodeUpdatePayload) Validate() error {
	if len(p.Code) > MaxCodeBytes {
		return ErrCodeTooLarge
	}
	return nil
}

// Validate ensures a whiteboard mutation payload is structurally sound.
// FUNCTIONAL DISCOVERY: Base version correctness is deliberately not checked
// here - only the reconciler, under per-session serialization, can compare it
// against the authoritative version
func (p *WhiteboardMutatePayload) Validate() error {
	if !IsValidWhiteboardOp(p.Op) {
		return ErrInvalidWhiteboardOp
	}
	switch p.Op {
	case WhiteboardOpAdd:
		if p.Element == nil {
			return ErrInvalidPayload
		}
		if !IsValidElementType(p.Element.Type) {
			return ErrInvalidElementType
		}
	case WhiteboardOpRemove:
		if !IsValidID(p.ElementID) {
			return ErrInvalidPayload
		}
	}
	if p.BaseVersion < 0 {
		return ErrInvalidPayload
	}
	return nil
}

// Validate ensures a topic payload meets size requirements.
func (p *TopicChangePayload) Validate() error {
	if len(p.Topic) == 0 || len(p.Topic) > MaxTopicLength {
		return ErrInvalidPayload
	}
	return nil
}

// Validate ensures a join payload carries a usable display name.
func (p *JoinPayload) Validate() error {
	if !IsValidDisplayName(p.DisplayName) {
		return ErrInvalidDisplayName
	}
	return nil
}
