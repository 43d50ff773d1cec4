package p2p

// MessageHandler is the normal per-message processing stage of a Pipeline.
// It sees complete messages with a valid header, one per peer per tick.
type MessageHandler interface {
	HandleMessage(peer *Peer, msg NetMessage) error
}

// Interceptor observes a peer's receive queue around normal message handling.
//
// Front runs before the handler. Returning false reports a framing violation;
// the pipeline then disconnects the peer and skips the rest of the tick.
// Back runs after the handler.
type Interceptor interface {
	Front(peer *Peer) bool
	Back(peer *Peer)
}

// Broadcaster relays a framed message to every connected peer.
type Broadcaster interface {
	Broadcast(command string, payload []byte) int
}
