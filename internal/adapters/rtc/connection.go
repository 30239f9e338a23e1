package rtc

import (
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection is a pion peer connection behind core.PeerConnection. Candidates
// trickle out through OnICECandidate; offers and answers never wait for gathering.
type Connection struct {
	pc    *webrtc.PeerConnection
	label string

	mu      sync.Mutex
	senders map[core.LocalTrack]*webrtc.RTPSender
	onICE   func(webrtc.ICECandidateInit)
	onState func(core.PeerState)
	onTrack func(core.RemoteTrack)
}

func newConnection(pc *webrtc.PeerConnection, label string) *Connection {
	c := &Connection{pc: pc, label: label, senders: make(map[core.LocalTrack]*webrtc.RTPSender)}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", c.label).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", c.label).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", c.label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainRemote(track)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(core.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()})
		}
	})
	return c
}

func mapState(s webrtc.PeerConnectionState) core.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return core.PeerClosed
	}
	return core.PeerNew
}

// drainRemote keeps the receiver flowing; rendering is up to the embedding UI.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// drainRTCP reads sender reports so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// AddLocalTrack attaches a captured track and remembers its sender for ReplaceTrack.
func (c *Connection) AddLocalTrack(t core.LocalTrack) error {
	sender, err := c.pc.AddTrack(t.Local())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[t] = sender
	c.mu.Unlock()
	go drainRTCP(sender)
	return nil
}

func (c *Connection) ReplaceTrack(old, next core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sender, ok := c.senders[old]
	if !ok {
		return ErrUnknownTrack
	}
	if err := sender.ReplaceTrack(next.Local()); err != nil {
		return err
	}
	delete(c.senders, old)
	c.senders[next] = sender
	log.Info().Str("module", "webrtc").Str("peer", c.label).Str("from", old.ID()).Str("to", next.ID()).Msg("track replaced")
	return nil
}

func (c *Connection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// Close releases the transport. Local tracks belong to the caller.
func (c *Connection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", c.label).Msg("close error")
		return
	}
	log.Info().Str("module", "webrtc").Str("peer", c.label).Msg("closed")
}
