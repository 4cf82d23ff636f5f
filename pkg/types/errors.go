package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidParticipantID = errors.New("participant ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidSessionID     = errors.New("session ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDisplayName   = errors.New("display name must be 1-50 characters")
	ErrInvalidMessageType   = errors.New("invalid message type")
	ErrInvalidChatKind      = errors.New("chat kind must be text, code, or annotation")
	ErrInvalidElementType   = errors.New("element type must be line, rectangle, circle, or text")
	ErrInvalidWhiteboardOp  = errors.New("whiteboard op must be add or remove")
	ErrInvalidPayload       = errors.New("invalid JSON payload")
	ErrContentTooLarge      = errors.New("chat content exceeds 8KB limit")
	ErrCodeTooLarge         = errors.New("code buffer exceeds 256KB limit")
)
