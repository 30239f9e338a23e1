// Package relay is the in-memory, push-based signaling channel.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("recipient not connected")
)

const defaultQueueSize = 256

// Hub routes envelopes by identity. Each connected identity has one bounded
// queue drained by one goroutine, so delivery is FIFO per recipient.
type Hub struct {
	mu    sync.RWMutex
	peers map[domain.IdentityID]*endpoint

	queueSize    int
	onDisconnect func(domain.IdentityID)
}

type Option func(*Hub)

func WithQueueSize(n int) Option { return func(h *Hub) { h.queueSize = n } }

// WithDisconnectHook is called after an identity's handle is closed, unless it
// was replaced by a newer Connect for the same identity.
func WithDisconnectHook(fn func(domain.IdentityID)) Option {
	return func(h *Hub) { h.onDisconnect = fn }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		peers:     make(map[domain.IdentityID]*endpoint),
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Connect returns a handle for id. A second Connect for the same identity
// silently replaces the first one.
func (h *Hub) Connect(id domain.IdentityID) (core.Signaler, error) {
	if err := domain.ValidateIdentityID(id); err != nil {
		return nil, err
	}
	ep := &endpoint{
		hub:   h,
		id:    id,
		queue: make(chan domain.Envelope, h.queueSize),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	old := h.peers[id]
	h.peers[id] = ep
	h.mu.Unlock()

	if old != nil {
		old.shutdown(true)
		log.Info().Str("module", "app.relay").Str("identity", string(id)).Msg("handle replaced")
	}
	go ep.deliverLoop()
	log.Info().Str("module", "app.relay").Str("identity", string(id)).Msg("connected")
	return ep, nil
}

func (h *Hub) Connected(id domain.IdentityID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[id]
	return ok
}

// Send routes env. The error is informational; callers of core.Signaler never see it.
func (h *Hub) Send(env domain.Envelope) error {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	if env.Broadcast() {
		h.Broadcast(env)
		return nil
	}
	h.mu.RLock()
	ep, ok := h.peers[env.To]
	h.mu.RUnlock()
	if !ok {
		log.Warn().Str("module", "app.relay").Str("from", string(env.From)).Str("to", string(env.To)).Str("kind", string(env.Kind)).Msg("drop: recipient not connected")
		return ErrNotConnected
	}
	if err := ep.enqueue(env); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("from", string(env.From)).Str("to", string(env.To)).Str("kind", string(env.Kind)).Msg("drop")
		return err
	}
	return nil
}

// Broadcast delivers env to every connected identity except env.From.
func (h *Hub) Broadcast(env domain.Envelope) int {
	h.mu.RLock()
	targets := make([]*endpoint, 0, len(h.peers))
	for id, ep := range h.peers {
		if id == env.From {
			continue
		}
		targets = append(targets, ep)
	}
	h.mu.RUnlock()

	sent := 0
	for _, ep := range targets {
		if err := ep.enqueue(env); err != nil {
			log.Warn().Err(err).Str("module", "app.relay").Str("to", string(ep.id)).Str("kind", string(env.Kind)).Msg("broadcast drop")
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.relay").Str("from", string(env.From)).Int("sent_to", sent).Msg("broadcast result")
	return sent
}

func (h *Hub) remove(ep *endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[ep.id] != ep {
		return false
	}
	delete(h.peers, ep.id)
	return true
}

type endpoint struct {
	hub   *Hub
	id    domain.IdentityID
	queue chan domain.Envelope

	mu       sync.RWMutex
	handlers []core.EnvelopeHandler
	// ready is closed by the first OnReceive; queued envelopes wait for it.
	ready     chan struct{}
	readyOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
}

func (e *endpoint) Identity() domain.IdentityID { return e.id }

func (e *endpoint) Send(env domain.Envelope) {
	env.From = e.id
	_ = e.hub.Send(env)
}

func (e *endpoint) OnReceive(fn core.EnvelopeHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, fn)
	e.mu.Unlock()
	e.readyOnce.Do(func() { close(e.ready) })
}

func (e *endpoint) Close() { e.shutdown(false) }

func (e *endpoint) shutdown(replaced bool) {
	e.closeOnce.Do(func() {
		removed := e.hub.remove(e)
		close(e.done)
		e.mu.Lock()
		e.handlers = nil
		e.mu.Unlock()
		log.Info().Str("module", "app.relay").Str("identity", string(e.id)).Bool("replaced", replaced).Msg("handle closed")
		if removed && !replaced && e.hub.onDisconnect != nil {
			e.hub.onDisconnect(e.id)
		}
	})
}

func (e *endpoint) enqueue(env domain.Envelope) error {
	select {
	case <-e.done:
		return ErrNotConnected
	default:
	}
	select {
	case e.queue <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

func (e *endpoint) deliverLoop() {
	select {
	case <-e.done:
		return
	case <-e.ready:
	}
	for {
		select {
		case <-e.done:
			return
		case env := <-e.queue:
			e.mu.RLock()
			handlers := make([]core.EnvelopeHandler, len(e.handlers))
			copy(handlers, e.handlers)
			e.mu.RUnlock()
			for _, fn := range handlers {
				fn(env)
			}
		}
	}
}

// PublishPresence broadcasts a presence transition on behalf of rec.Identity.
// Its signature matches presence.Broadcaster.
func (h *Hub) PublishPresence(ev domain.PresenceEvent, rec domain.PresenceRecord) {
	env, err := domain.NewEnvelope(rec.Identity, "", domain.KindPresenceUpdate, "", domain.PresencePayload{Event: ev, Record: rec})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("presence envelope")
		return
	}
	h.Broadcast(env)
}
