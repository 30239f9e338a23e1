package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionEnded = errors.New("session ended")
	ErrInvalidState = errors.New("operation not valid in current call state")
)

type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Snapshot is the observable state of a session at one transition.
type Snapshot struct {
	CallID            domain.CallID     `json:"callId"`
	Local             domain.IdentityID `json:"local"`
	Remote            domain.IdentityID `json:"remote"`
	RemoteDisplayName string            `json:"remoteDisplayName,omitempty"`
	Direction         domain.Direction  `json:"direction"`
	MediaKind         domain.MediaKind  `json:"mediaKind"`
	State             domain.CallState  `json:"state"`
	Reason            string            `json:"reason,omitempty"`
	Status            string            `json:"status,omitempty"`
	LocalMedia        MediaState        `json:"localMedia"`
	RemoteMedia       MediaState        `json:"remoteMedia"`
	ScreenSharing     bool              `json:"screenSharing"`
}

type sessionDeps struct {
	self    domain.Identity
	sig     core.Signaler
	devices core.MediaDevices
	peers   core.PeerFactory
	cfg     Config
	notify  func(Snapshot)
}

// Session is one call attempt between the local identity and one remote identity.
// All state changes happen under mu; peer callbacks are funnelled through events
// so they never race a running operation.
type Session struct {
	id         domain.CallID
	self       domain.Identity
	remote     domain.IdentityID
	remoteName string
	direction  domain.Direction
	kind       domain.MediaKind

	cfg     Config
	sig     core.Signaler
	devices core.MediaDevices
	peers   core.PeerFactory
	log     zerolog.Logger

	mu            sync.Mutex
	state         domain.CallState
	reason        domain.EndReason
	offer         *webrtc.SessionDescription
	pc            core.PeerConnection
	remoteSet     bool
	pending       candidateQueue
	tracks        []core.LocalTrack
	audio         core.LocalTrack
	camera        core.LocalTrack
	screen        core.LocalTrack
	sharing       bool
	accepting     bool
	remoteTracks  []core.RemoteTrack
	remoteMedia   MediaState
	ringTimer     *time.Timer
	cancelAcquire context.CancelFunc

	events chan func()
	done   chan struct{}

	notify func(Snapshot)
	nmu    sync.Mutex
	nq     []Snapshot
	nwake  chan struct{}
}

func newSession(d sessionDeps, id domain.CallID, remote domain.IdentityID, remoteName string, dir domain.Direction, kind domain.MediaKind, offer *webrtc.SessionDescription) *Session {
	s := &Session{
		id:          id,
		self:        d.self,
		remote:      remote,
		remoteName:  remoteName,
		direction:   dir,
		kind:        kind,
		offer:       offer,
		cfg:         d.cfg,
		sig:         d.sig,
		devices:     d.devices,
		peers:       d.peers,
		notify:      d.notify,
		state:       domain.StateRequesting,
		remoteMedia: MediaState{Audio: true, Video: kind == domain.MediaVideo},
		events:      make(chan func(), 128),
		done:        make(chan struct{}),
		nwake:       make(chan struct{}, 1),
	}
	if dir == domain.Incoming {
		s.state = domain.StateRinging
	}
	s.log = log.With().Str("module", "app.call").Str("call_id", string(id)).Str("local", string(d.self.ID)).Str("remote", string(remote)).Logger()

	go s.eventLoop()
	go s.notifyLoop()

	s.mu.Lock()
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.onRingTimeout)
	s.emit()
	s.mu.Unlock()
	s.log.Info().Str("direction", string(dir)).Str("media", string(kind)).Str("state", s.state.String()).Msg("session created")
	return s
}

func (s *Session) ID() domain.CallID           { return s.id }
func (s *Session) Remote() domain.IdentityID   { return s.remote }
func (s *Session) RemoteDisplayName() string   { return s.remoteName }
func (s *Session) Direction() domain.Direction { return s.direction }
func (s *Session) MediaKind() domain.MediaKind { return s.kind }
func (s *Session) Done() <-chan struct{}       { return s.done }

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Reason() domain.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// RemoteTracks lists the tracks received from the peer so far.
func (s *Session) RemoteTracks() []core.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.RemoteTrack, len(s.remoteTracks))
	copy(out, s.remoteTracks)
	return out
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		CallID:            s.id,
		Local:             s.self.ID,
		Remote:            s.remote,
		RemoteDisplayName: s.remoteName,
		Direction:         s.direction,
		MediaKind:         s.kind,
		State:             s.state,
		Reason:            s.reason.String(),
		Status:            s.reason.Status(),
		LocalMedia:        s.localMediaLocked(),
		RemoteMedia:       s.remoteMedia,
		ScreenSharing:     s.screen != nil,
	}
}

// dial acquires media, creates the offer and sends it. The session is already
// in Requesting when dial runs.
func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		if !errors.Is(err, ErrSessionEnded) {
			s.finish(domain.StateFailed, mediaFailure(err))
		}
		return err
	}
	if err := s.setupPeer(); err != nil {
		s.finish(domain.StateFailed, domain.ReasonNegotiationFailed)
		return err
	}
	offer, err := s.pc.CreateAndSetOffer()
	if err != nil {
		s.log.Error().Err(err).Msg("create offer")
		s.finish(domain.StateFailed, domain.ReasonNegotiationFailed)
		return fmt.Errorf("create offer: %w", err)
	}
	s.send(domain.KindOffer, domain.OfferPayload{
		MediaKind:       s.kind,
		SDP:             offer.SDP,
		FromDisplayName: s.self.DisplayName,
	})
	return nil
}

// Accept answers a ringing incoming call. It blocks while media is acquired.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.IsTerminal():
		return ErrSessionEnded
	case s.direction != domain.Incoming || s.state != domain.StateRinging || s.accepting:
		return ErrInvalidState
	}
	s.accepting = true
	s.stopRingTimer()

	if err := s.acquire(ctx); err != nil {
		if !errors.Is(err, ErrSessionEnded) {
			r := mediaFailure(err)
			s.sendEnd(r)
			s.finish(domain.StateFailed, r)
		}
		return err
	}
	if err := s.setupPeer(); err != nil {
		s.abort(err)
		return err
	}
	answer, err := s.pc.ApplyOfferAndCreateAnswer(*s.offer)
	if err != nil {
		s.abort(err)
		return fmt.Errorf("answer offer: %w", err)
	}
	s.remoteSet = true
	s.transition(domain.StateConnecting)
	s.send(domain.KindAnswer, domain.AnswerPayload{Accepted: true, SDP: answer.SDP})
	s.flushCandidates()
	return nil
}

// Reject declines a ringing call. On any other live state it hangs up.
func (s *Session) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangup(domain.ReasonLocalHangup)
}

// End hangs up. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangup(domain.ReasonLocalHangup)
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangup(domain.ReasonShutdown)
}

func (s *Session) hangup(reason domain.EndReason) {
	switch s.state {
	case domain.StateRequesting:
		if reason == domain.ReasonLocalHangup {
			reason = domain.ReasonCancelled
		}
		s.sendEnd(reason)
		s.finish(domain.StateEnded, reason)
	case domain.StateRinging:
		if reason == domain.ReasonLocalHangup {
			reason = domain.ReasonRejected
		}
		s.send(domain.KindAnswer, domain.AnswerPayload{Accepted: false, Reason: reason.String()})
		s.finish(domain.StateRejected, reason)
	case domain.StateConnecting, domain.StateActive:
		s.sendEnd(reason)
		s.finish(domain.StateEnded, reason)
	}
}

// acquire requests local media with mu released. A concurrent End cancels the
// request; tracks that arrive after teardown are stopped at once.
func (s *Session) acquire(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	s.cancelAcquire = cancel
	constraints := core.MediaConstraints{Audio: true, Video: s.kind == domain.MediaVideo}

	s.mu.Unlock()
	tracks, err := s.devices.GetUserMedia(actx, constraints)
	s.mu.Lock()

	s.cancelAcquire = nil
	cancel()
	if s.state.IsTerminal() {
		for _, t := range tracks {
			t.Stop()
		}
		return ErrSessionEnded
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("media acquisition failed")
		return fmt.Errorf("acquire media: %w", err)
	}
	s.tracks = tracks
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if s.audio == nil {
				s.audio = t
			}
		case webrtc.RTPCodecTypeVideo:
			if s.camera == nil {
				s.camera = t
			}
		}
	}
	return nil
}

func mediaFailure(err error) domain.EndReason {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return domain.ReasonPermissionDenied
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ReasonCancelled
	}
	return domain.ReasonMediaUnavailable
}

func (s *Session) setupPeer() error {
	pc, err := s.peers.NewPeer(s.cfg.WebRTC())
	if err != nil {
		s.log.Error().Err(err).Msg("create peer connection")
		return fmt.Errorf("new peer: %w", err)
	}
	s.pc = pc
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() {
			if !s.state.IsTerminal() {
				s.send(domain.KindICECandidate, domain.CandidatePayload{Candidate: fromInit(c)})
			}
		})
	})
	pc.OnStateChange(func(st core.PeerState) {
		s.post(func() { s.onPeerState(st) })
	})
	pc.OnTrack(func(t core.RemoteTrack) {
		s.post(func() {
			if s.state.IsTerminal() {
				return
			}
			s.remoteTracks = append(s.remoteTracks, t)
			s.log.Info().Str("track_id", t.ID).Str("kind", t.Kind.String()).Msg("remote track")
		})
	})
	for _, t := range s.tracks {
		if err := pc.AddLocalTrack(t); err != nil {
			s.log.Error().Err(err).Str("track_id", t.ID()).Msg("add local track")
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}
	return nil
}

func (s *Session) abort(err error) {
	s.log.Error().Err(err).Msg("negotiation failed")
	s.sendEnd(domain.ReasonNegotiationFailed)
	s.finish(domain.StateFailed, domain.ReasonNegotiationFailed)
}

func (s *Session) flushCandidates() {
	for _, c := range s.pending.drain() {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("apply buffered candidate")
		}
	}
}

func (s *Session) handleSignal(env domain.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	if env.From != s.remote {
		s.log.Warn().Str("from", string(env.From)).Str("kind", string(env.Kind)).Msg("signal from third party ignored")
		return
	}
	switch env.Kind {
	case domain.KindAnswer:
		s.onAnswer(env)
	case domain.KindICECandidate:
		s.onRemoteCandidate(env)
	case domain.KindCallEnd:
		s.onRemoteEnd(env)
	case domain.KindMediaState:
		var p domain.MediaStatePayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("bad media-state")
			return
		}
		s.remoteMedia = MediaState{Audio: p.Audio, Video: p.Video}
		s.emit()
	default:
		s.log.Debug().Str("kind", string(env.Kind)).Msg("signal ignored")
	}
}

func (s *Session) onAnswer(env domain.Envelope) {
	if s.direction != domain.Outgoing || s.state != domain.StateRequesting || s.pc == nil {
		s.log.Debug().Str("state", s.state.String()).Msg("stale answer ignored")
		return
	}
	var p domain.AnswerPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warn().Err(err).Msg("bad answer")
		return
	}
	if !p.Accepted {
		r := domain.ParseRemoteReason(p.Reason)
		if r == domain.ReasonRemoteHangup {
			r = domain.ReasonRejected
		}
		s.finish(domain.StateRejected, r)
		return
	}
	s.stopRingTimer()
	if err := s.pc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		s.abort(err)
		return
	}
	s.remoteSet = true
	s.transition(domain.StateConnecting)
	s.flushCandidates()
}

func (s *Session) onRemoteCandidate(env domain.Envelope) {
	var p domain.CandidatePayload
	if err := env.Decode(&p); err != nil {
		s.log.Warn().Err(err).Msg("bad candidate")
		return
	}
	c := toInit(p.Candidate)
	if !s.remoteSet && s.pending.push(c) {
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Msg("apply candidate")
	}
}

func (s *Session) onRemoteEnd(env domain.Envelope) {
	var p domain.EndPayload
	if len(env.Payload) > 0 {
		_ = env.Decode(&p)
	}
	r := domain.ParseRemoteReason(p.Reason)

	switch s.state {
	case domain.StateRequesting:
		switch r {
		case domain.ReasonUnanswered:
			s.finish(domain.StateMissed, r)
		case domain.ReasonNegotiationFailed, domain.ReasonPermissionDenied, domain.ReasonMediaUnavailable:
			s.finish(domain.StateFailed, r)
		case domain.ReasonRemoteHangup:
			s.finish(domain.StateRejected, domain.ReasonRejected)
		default:
			s.finish(domain.StateRejected, r)
		}
	case domain.StateRinging:
		switch r {
		case domain.ReasonUnanswered:
			s.finish(domain.StateMissed, r)
		case domain.ReasonRemoteHangup:
			s.finish(domain.StateRejected, domain.ReasonCancelled)
		default:
			s.finish(domain.StateRejected, r)
		}
	case domain.StateConnecting:
		switch r {
		case domain.ReasonNegotiationFailed, domain.ReasonPermissionDenied, domain.ReasonMediaUnavailable:
			s.finish(domain.StateFailed, r)
		default:
			s.finish(domain.StateEnded, r)
		}
	case domain.StateActive:
		s.finish(domain.StateEnded, r)
	}
}

func (s *Session) onPeerState(st core.PeerState) {
	if s.state.IsTerminal() {
		return
	}
	s.log.Debug().Str("peer_state", st.String()).Str("state", s.state.String()).Msg("peer state")
	switch st {
	case core.PeerConnected:
		if s.state == domain.StateConnecting {
			s.transition(domain.StateActive)
		}
	case core.PeerFailed, core.PeerDisconnected, core.PeerClosed:
		switch s.state {
		case domain.StateConnecting:
			s.sendEnd(domain.ReasonNegotiationFailed)
			s.finish(domain.StateFailed, domain.ReasonNegotiationFailed)
		case domain.StateActive:
			s.sendEnd(domain.ReasonConnectionLost)
			s.finish(domain.StateEnded, domain.ReasonConnectionLost)
		}
	}
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateRequesting && s.state != domain.StateRinging {
		return
	}
	if s.accepting {
		return
	}
	s.log.Info().Dur("after", s.cfg.RingTimeout).Msg("unanswered")
	s.sendEnd(domain.ReasonUnanswered)
	s.finish(domain.StateMissed, domain.ReasonUnanswered)
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) transition(next domain.CallState) {
	if !s.state.CanTransitionTo(next) {
		s.log.Error().Str("from", s.state.String()).Str("to", next.String()).Msg("illegal transition")
		return
	}
	s.log.Info().Str("from", s.state.String()).Str("to", next.String()).Msg("transition")
	s.state = next
	s.emit()
}

// finish moves to a terminal state and releases everything the session holds.
// Later calls are no-ops.
func (s *Session) finish(next domain.CallState, reason domain.EndReason) {
	if s.state.IsTerminal() {
		return
	}
	if !s.state.CanTransitionTo(next) {
		s.log.Error().Str("from", s.state.String()).Str("to", next.String()).Msg("illegal terminal transition")
	}
	s.log.Info().Str("from", s.state.String()).Str("to", next.String()).Str("reason", reason.String()).Msg("session finished")
	s.state = next
	s.reason = reason

	s.stopRingTimer()
	if s.cancelAcquire != nil {
		s.cancelAcquire()
	}
	close(s.done)

	for _, t := range s.tracks {
		t.Stop()
	}
	if s.screen != nil {
		s.screen.Stop()
		s.screen = nil
	}
	if s.pc != nil {
		s.pc.Close()
	}
	s.pending.clear()
	s.remoteTracks = nil
	s.emit()
}

func (s *Session) send(kind domain.Kind, payload any) {
	env, err := domain.NewEnvelope(s.self.ID, s.remote, kind, s.id, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("build envelope")
		return
	}
	s.sig.Send(env)
}

func (s *Session) sendEnd(r domain.EndReason) {
	s.send(domain.KindCallEnd, domain.EndPayload{Reason: r.String()})
}

func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Session) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			s.mu.Lock()
			fn()
			s.mu.Unlock()
		}
	}
}

// emit queues a snapshot for the observer. Called with mu held.
func (s *Session) emit() {
	snap := s.snapshotLocked()
	s.nmu.Lock()
	s.nq = append(s.nq, snap)
	s.nmu.Unlock()
	select {
	case s.nwake <- struct{}{}:
	default:
	}
}

// notifyLoop delivers snapshots in order, outside mu, and exits after the
// terminal one.
func (s *Session) notifyLoop() {
	for range s.nwake {
		s.nmu.Lock()
		batch := s.nq
		s.nq = nil
		s.nmu.Unlock()
		for _, snap := range batch {
			if s.notify != nil {
				s.notify(snap)
			}
			if snap.State.IsTerminal() {
				return
			}
		}
	}
}
