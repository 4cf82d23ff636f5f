package codec

import (
	"encoding/json"
	"fmt"

	"collabspace/pkg/types"
)

// MaxEnvelopeBytes bounds a single inbound frame before decoding.
// FUNCTIONAL DISCOVERY: Envelope bound must exceed the code buffer bound plus
// envelope overhead so a maximal code_update still fits
const MaxEnvelopeBytes = types.MaxCodeBytes + 4096

// Encode serializes a message for the transport.
func Encode(msg *types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return data, nil
}

// Decode parses and validates a client-originated envelope. Malformed messages
// are rejected here with ErrMalformedMessage, never silently dropped.
// ARCHITECTURAL DISCOVERY: Envelope validation at the codec boundary means every
// component downstream can trust type, sessionId and participantId shape
func Decode(data []byte) (*types.Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedMessage, MaxEnvelopeBytes)
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if !types.IsValidMessageType(msg.Type) {
		return nil, fmt.Errorf("%w: %v %q", ErrMalformedMessage, types.ErrInvalidMessageType, msg.Type)
	}
	if types.IsServerOnlyMessageType(msg.Type) {
		return nil, fmt.Errorf("%w: type %q is server-originated", ErrMalformedMessage, msg.Type)
	}

	// FUNCTIONAL DISCOVERY: The very first join is the only message allowed to
	// omit identifiers - empty sessionId means create, empty participantId means
	// the server has not assigned one yet
	if msg.Type == types.MessageTypeJoin {
		if msg.SessionID != "" && !types.IsValidID(msg.SessionID) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, types.ErrInvalidSessionID)
		}
		if msg.ParticipantID != "" {
			return nil, fmt.Errorf("%w: join must not carry a participantId", ErrMalformedMessage)
		}
		return &msg, nil
	}

	if !types.IsValidID(msg.SessionID) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, types.ErrInvalidSessionID)
	}
	if !types.IsValidID(msg.ParticipantID) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, types.ErrInvalidParticipantID)
	}

	return &msg, nil
}

// DecodePayload unmarshals the envelope payload into a type-specific struct.
func DecodePayload(msg *types.Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: missing payload for type %q", ErrMalformedMessage, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
