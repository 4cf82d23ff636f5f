package lifecycle

import "errors"

// Lifecycle error types
var (
	ErrJoinRejected        = errors.New("session not found or no longer active")
	ErrParticipantNotFound = errors.New("participant not in session")
)
