package core

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var ErrPermissionDenied = errors.New("media permission denied")

// PeerState is the connection state the call core observes.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// PeerConnection is one side of a 1:1 media session.
// Callbacks must be registered before negotiation starts and may fire on any goroutine.
type PeerConnection interface {
	// AddLocalTrack binds a captured track to the connection.
	AddLocalTrack(LocalTrack) error
	// ReplaceTrack swaps the outgoing track that is currently sending old, without renegotiation.
	ReplaceTrack(old, next LocalTrack) error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(PeerState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// Close should stop all underlying media resources.
	Close()
}

type PeerFactory interface {
	NewPeer(cfg webrtc.Configuration) (PeerConnection, error)
}

// LocalTrack is a captured track. Disabling keeps the capture open; Stop releases it.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Stopped() bool
	// OnEnded fires once when capture ends outside of Stop (e.g. the OS closed a shared screen).
	OnEnded(func())
	// Local is the track handed to the peer connection.
	Local() webrtc.TrackLocal
}

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices is the getUserMedia/getDisplayMedia equivalent.
// Both calls may block on a permission prompt and must honour ctx.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c MediaConstraints) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}
