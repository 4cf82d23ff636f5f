package channel

import "errors"

var (
	// ErrConnectionClosed indicates a write against a torn-down connection
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrSendBufferFull indicates the peer is not draining its send buffer
	ErrSendBufferFull = errors.New("connection send buffer is full")

	// ErrConnectionNotFound indicates an unknown connection identifier
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrAlreadyBound indicates a second join attempt on a bound connection
	ErrAlreadyBound = errors.New("connection is already bound to a participant")

	// ErrNotBound indicates a session message from an unjoined connection
	ErrNotBound = errors.New("connection is not bound to a participant")

	// ErrNoDispatcher indicates the manager was started without a dispatcher
	ErrNoDispatcher = errors.New("no dispatcher configured")
)
