package presence

import "errors"

// Presence tracker error types
var ErrNotTracked = errors.New("participant is not tracked")
