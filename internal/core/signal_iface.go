package core

import "github.com/dkeye/Call/internal/domain"

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection is one client socket's outbound side. TrySend never blocks;
// a full queue is reported as an error and the frame is dropped.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// EnvelopeHandler is invoked once per envelope, in the order the channel received them.
type EnvelopeHandler func(domain.Envelope)

// Signaler is an identity's handle on the signaling channel. The call core only
// depends on this surface; push relays and poll stores both satisfy it.
type Signaler interface {
	// Identity is the identity the handle was connected as.
	Identity() domain.IdentityID
	// Send is fire-and-forget. Delivery failures are logged by the transport.
	Send(domain.Envelope)
	// OnReceive registers a handler for every envelope addressed to Identity().
	OnReceive(EnvelopeHandler)
	// Close tears down the handle and all of its subscriptions.
	Close()
}

// SignalingChannel hands out per-identity handles.
type SignalingChannel interface {
	Connect(id domain.IdentityID) (Signaler, error)
}
