// Package wsclient is the client side of the signaling WebSocket. A Client is a
// core.Signaler and keeps a mirror of the server's presence snapshots.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/adapters/wire"
	"github.com/dkeye/Call/internal/app/presence"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrJoinRefused = errors.New("join refused")

type Options struct {
	URL    string
	Header http.Header
	// Token is a bearer token from the identity provider. When empty the
	// client joins as Identity.
	Token      string
	Identity   domain.Identity
	PingPeriod time.Duration
	// JoinTimeout bounds the wait for the joined event.
	JoinTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{PingPeriod: 54 * time.Second, JoinTimeout: 10 * time.Second}
}

type Client struct {
	conn   *websocket.Conn
	self   domain.Identity
	mirror *presence.Registry

	send chan []byte

	// deliverMu keeps envelopes in arrival order across the pending flush.
	deliverMu sync.Mutex
	mu        sync.Mutex
	handlers  []core.EnvelopeHandler
	pending   []domain.Envelope
	onError   func(wire.Message)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, joins and waits for the server to confirm the identity.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	join := wire.Message{Type: wire.TypeJoin, Token: opts.Token, Identity: opts.Identity.ID, DisplayName: opts.Identity.DisplayName}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join: %w", err)
	}

	timeout := opts.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().JoinTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var joined wire.Message
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("join: %w", err)
		}
		m, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if m.Type == wire.TypeError {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrJoinRefused, m.Error)
		}
		if m.Type == wire.TypeJoined {
			joined = m
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:   conn,
		self:   domain.Identity{ID: joined.Identity, DisplayName: joined.DisplayName},
		mirror: presence.NewRegistry(presence.Config{}),
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	log.Info().Str("module", "wsclient").Str("identity", string(c.self.ID)).Msg("joined")

	period := opts.PingPeriod
	if period <= 0 {
		period = DefaultOptions().PingPeriod
	}
	go c.writeLoop(period)
	go c.readLoop()
	return c, nil
}

func (c *Client) Identity() domain.IdentityID { return c.self.ID }

// Self is the identity the server confirmed, which may differ from the one asked for
// when joining with a token.
func (c *Client) Self() domain.Identity { return c.self }

// Presence is the local mirror of the server's registry.
func (c *Client) Presence() *presence.Registry { return c.mirror }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// OnError receives error events from the server, e.g. "recipient unreachable".
func (c *Client) OnError(fn func(wire.Message)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Client) Send(env domain.Envelope) {
	m, err := wire.Request(env)
	if err != nil {
		log.Warn().Err(err).Str("module", "wsclient").Str("kind", string(env.Kind)).Msg("drop: no wire form")
		return
	}
	c.enqueue(m)
}

func (c *Client) UpdateStatus(s domain.Status) {
	c.enqueue(wire.Message{Type: wire.TypeUpdatePresence, Status: s})
}

func (c *Client) Activity() { c.enqueue(wire.Message{Type: wire.TypeActivity}) }

func (c *Client) SetVisible(v bool) {
	c.enqueue(wire.Message{Type: wire.TypeVisibility, Visible: wire.Bool(v)})
}

// Leave withdraws presence at once instead of waiting out the disconnect grace.
func (c *Client) Leave() { c.enqueue(wire.Message{Type: wire.TypeLeave}) }

func (c *Client) enqueue(m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "wsclient").Msg("encode")
		return
	}
	select {
	case <-c.done:
		log.Warn().Str("module", "wsclient").Str("type", m.Type).Msg("drop: closed")
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("module", "wsclient").Str("type", m.Type).Msg("drop: backpressure")
	}
}

// OnReceive registers fn. Envelopes that arrived before the first handler are
// replayed to it.
func (c *Client) OnReceive(fn core.EnvelopeHandler) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, env := range pending {
		fn(env)
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
		log.Info().Str("module", "wsclient").Str("identity", string(c.self.ID)).Msg("closed")
	})
}

func (c *Client) writeLoop(period time.Duration) {
	ping := time.NewTicker(period)
	defer ping.Stop()
	pingMsg, _ := wire.Encode(wire.Message{Type: wire.TypePing})
	for {
		var data []byte
		select {
		case <-c.done:
			return
		case <-ping.C:
			data = pingMsg
		case data = <-c.send:
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("write")
			c.Close()
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Str("module", "wsclient").Msg("read")
			}
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad frame")
			continue
		}
		c.handle(m)
	}
}

func (c *Client) handle(m wire.Message) {
	switch m.Type {
	case wire.TypePong, wire.TypeJoined:
	case wire.TypeOnlineUsers:
		for _, rec := range m.Users {
			c.mirror.Apply(rec)
		}
	case wire.TypeUserOnline, wire.TypeUserOffline, wire.TypeUserStatusChanged:
		c.mirror.Apply(m.Record())
	case wire.TypeError:
		log.Warn().Str("module", "wsclient").Str("error", m.Error).Msg("server error")
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	default:
		env, err := wire.ParseEvent(c.self.ID, m)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Str("type", m.Type).Msg("drop")
			return
		}
		c.deliver(env)
	}
}

func (c *Client) deliver(env domain.Envelope) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	if len(c.handlers) == 0 {
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return
	}
	handlers := make([]core.EnvelopeHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}
