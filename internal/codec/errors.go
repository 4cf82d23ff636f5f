package codec

import "errors"

// Codec error types; ErrMalformedMessage maps to the malformed_message wire code.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrEncodeFailed     = errors.New("message encoding failed")
)
