package reconciler

import "errors"

// Reconciler error types
var (
	ErrVersionConflict     = errors.New("whiteboard base version does not match current version")
	ErrForbidden           = errors.New("only the session host may perform this action")
	ErrElementNotFound     = errors.New("whiteboard element not found")
	ErrUnknownParticipant  = errors.New("participant not in session roster")
	ErrUnknownMutationType = errors.New("message type is not a session mutation")
)
