package hub

import "errors"

var (
	// ErrHubAlreadyRunning indicates Start was called on a running hub
	ErrHubAlreadyRunning = errors.New("hub is already running")

	// ErrHubNotRunning indicates an operation on a stopped hub
	ErrHubNotRunning = errors.New("hub is not running")

	// ErrSessionNotFound indicates no live worker serves the session
	ErrSessionNotFound = errors.New("session not found")

	// ErrQueueFull indicates the session's operation queue is at capacity
	ErrQueueFull = errors.New("session queue is full")
)
