// Package call runs the 1:1 call session state machine over a signaling
// channel. A Manager belongs to one local identity and holds at most one live
// session at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	ErrSessionActive        = errors.New("a call is already in progress")
	ErrSelfCall             = errors.New("cannot call yourself")
	ErrInvalidMediaKind     = errors.New("invalid media kind")
	ErrClosed               = errors.New("call manager closed")
)

type Manager struct {
	self     domain.Identity
	sig      core.Signaler
	presence core.PresenceReader
	devices  core.MediaDevices
	peers    core.PeerFactory
	cfg      Config

	mu       sync.Mutex
	active   *Session
	sessions map[domain.CallID]*Session
	closed   bool

	obsMu    sync.RWMutex
	incoming []func(*Session)
	changes  []func(Snapshot)
}

// NewManager subscribes to sig immediately.
func NewManager(self domain.Identity, sig core.Signaler, presence core.PresenceReader, devices core.MediaDevices, peers core.PeerFactory, cfg Config) *Manager {
	m := &Manager{
		self:     self,
		sig:      sig,
		presence: presence,
		devices:  devices,
		peers:    peers,
		cfg:      cfg.withDefaults(),
		sessions: make(map[domain.CallID]*Session),
	}
	sig.OnReceive(m.dispatch)
	return m
}

// OnIncoming registers a callback fired for each new ringing session.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.obsMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.obsMu.Unlock()
}

// OnStateChange registers a callback fired for every transition of every session,
// in order per session.
func (m *Manager) OnStateChange(fn func(Snapshot)) {
	m.obsMu.Lock()
	m.changes = append(m.changes, fn)
	m.obsMu.Unlock()
}

// Active returns the live session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || !m.active.State().Live() {
		return nil, false
	}
	return m.active, true
}

func (m *Manager) Session(id domain.CallID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) deps() sessionDeps {
	return sessionDeps{
		self:    m.self,
		sig:     m.sig,
		devices: m.devices,
		peers:   m.peers,
		cfg:     m.cfg,
		notify:  m.notify,
	}
}

// slotFree reports whether no live session holds the call slot. Called with mu held.
func (m *Manager) slotFree() bool {
	return m.active == nil || !m.active.State().Live()
}

// StartCall dials remote. Media acquisition happens before it returns; when it
// fails the session ends as Failed and the error is returned.
func (m *Manager) StartCall(ctx context.Context, remote domain.IdentityID, kind domain.MediaKind) (*Session, error) {
	if !kind.Valid() {
		return nil, ErrInvalidMediaKind
	}
	if remote == m.self.ID {
		return nil, ErrSelfCall
	}
	if !core.Reachable(m.presence, remote) {
		log.Info().Str("module", "app.call").Str("remote", string(remote)).Msg("start refused: unreachable")
		return nil, ErrRecipientUnreachable
	}

	remoteName := string(remote)
	if rec, ok := m.presence.Query(remote); ok && rec.DisplayName != "" {
		remoteName = rec.DisplayName
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if !m.slotFree() {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	id := domain.CallID(uuid.NewString())
	s := newSession(m.deps(), id, remote, remoteName, domain.Outgoing, kind, nil)
	m.active = s
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	return s, nil
}

func (m *Manager) dispatch(env domain.Envelope) {
	switch env.Kind {
	case domain.KindOffer:
		m.onOffer(env)
	case domain.KindAnswer, domain.KindICECandidate, domain.KindCallEnd, domain.KindMediaState:
		s, ok := m.Session(env.CallID)
		if !ok {
			log.Debug().Str("module", "app.call").Str("call_id", string(env.CallID)).Str("kind", string(env.Kind)).Msg("no session for signal")
			return
		}
		s.handleSignal(env)
	}
}

func (m *Manager) onOffer(env domain.Envelope) {
	var p domain.OfferPayload
	if err := env.Decode(&p); err != nil || env.CallID == "" {
		log.Warn().Err(err).Str("module", "app.call").Str("from", string(env.From)).Msg("bad offer")
		return
	}
	if !p.MediaKind.Valid() {
		p.MediaKind = domain.MediaAudio
	}

	m.mu.Lock()
	if _, dup := m.sessions[env.CallID]; dup {
		m.mu.Unlock()
		return
	}
	if m.closed || !m.slotFree() {
		m.mu.Unlock()
		log.Info().Str("module", "app.call").Str("from", string(env.From)).Str("call_id", string(env.CallID)).Msg("busy, auto-reject")
		m.replyBusy(env)
		return
	}
	name := p.FromDisplayName
	if name == "" {
		name = string(env.From)
	}
	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	s := newSession(m.deps(), env.CallID, env.From, name, domain.Incoming, p.MediaKind, offer)
	m.active = s
	m.sessions[env.CallID] = s
	m.mu.Unlock()

	m.obsMu.RLock()
	handlers := make([]func(*Session), len(m.incoming))
	copy(handlers, m.incoming)
	m.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (m *Manager) replyBusy(offer domain.Envelope) {
	env, err := domain.NewEnvelope(m.self.ID, offer.From, domain.KindAnswer, offer.CallID,
		domain.AnswerPayload{Accepted: false, Reason: domain.ReasonBusy.String()})
	if err != nil {
		return
	}
	m.sig.Send(env)
}

// notify runs on the session's notifier goroutine.
func (m *Manager) notify(snap Snapshot) {
	if snap.State.IsTerminal() {
		m.mu.Lock()
		if s, ok := m.sessions[snap.CallID]; ok {
			delete(m.sessions, snap.CallID)
			if m.active == s {
				m.active = nil
			}
		}
		m.mu.Unlock()
	}
	m.obsMu.RLock()
	handlers := make([]func(Snapshot), len(m.changes))
	copy(handlers, m.changes)
	m.obsMu.RUnlock()
	for _, fn := range handlers {
		fn(snap)
	}
}

// Close ends every session. Incoming offers are refused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	log.Info().Str("module", "app.call").Str("identity", string(m.self.ID)).Int("sessions", len(sessions)).Msg("manager closed")
}
