package p2p

import "errors"

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are parsed.
	ErrShortHeader = errors.New("p2p: short message header")
	// ErrOversized indicates a peer announced a payload above MaxPayloadSize.
	ErrOversized = errors.New("p2p: message payload too large")
	// ErrPeerDisconnecting is returned when feeding a peer that is going away.
	ErrPeerDisconnecting = errors.New("p2p: peer disconnecting")
	// ErrInvalidPayload indicates that a peer supplied a well-framed message with invalid contents.
	ErrInvalidPayload = errors.New("p2p: invalid payload")
)

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}
