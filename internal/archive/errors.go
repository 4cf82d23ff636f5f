package archive

import "errors"

// Archive store error types
var (
	ErrStoreClosed  = errors.New("archive store is closed")
	ErrWriteTimeout = errors.New("archive write timed out")
	ErrNotArchived  = errors.New("session not found in archive")
)
