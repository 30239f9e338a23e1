// Package signal is the server side of the signaling WebSocket: it binds each
// joined connection to the relay hub and the presence registry.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/app/presence"
	"github.com/dkeye/Call/internal/app/relay"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PongWait   time.Duration
	PingPeriod time.Duration
	// AllowAnonymous accepts a bare {identity, displayName} join without a token.
	AllowAnonymous bool
	// CallLimit call-user requests per CallInterval per identity.
	CallLimit    int
	CallInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:      64 << 10,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		AllowAnonymous: true,
		CallLimit:      10,
		CallInterval:   time.Minute,
	}
}

type SignalWSController struct {
	Hub      *relay.Hub
	Presence *presence.Registry
	Verifier core.IdentityVerifier

	opts    Options
	limiter *CallRateLimiter
}

func NewSignalWSController(hub *relay.Hub, reg *presence.Registry, verifier core.IdentityVerifier, opts Options) *SignalWSController {
	return &SignalWSController{
		Hub:      hub,
		Presence: reg,
		Verifier: verifier,
		opts:     opts,
		limiter:  NewCallRateLimiter(opts.CallLimit, opts.CallInterval),
	}
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is one WebSocket connection and, once joined, its identity.
type client struct {
	sid    core.SessionID
	conn   *WsSignalConn
	preset *domain.Identity
	cancel context.CancelFunc

	mu       sync.Mutex
	identity *domain.Identity
	sig      core.Signaler
}

func (cl *client) joined() (*domain.Identity, core.Signaler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.identity, cl.sig
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request. An identity stored in the gin context under
// "identity" (from the cookie session) lets the client join without a token.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	cl := &client{
		sid: sid,
		conn: &WsSignalConn{
			conn: ws,
			send: make(chan core.Frame, 32),
		},
	}
	if v, ok := c.Get("identity"); ok {
		if id, ok := v.(domain.Identity); ok {
			cl.preset = &id
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	cl.cancel = cancel

	go ctl.writePump(ctx, cl.conn)
	go ctl.readPump(ctx, cl)
}

// disconnect runs once when the read pump exits. The hub hook starts the
// presence grace period unless the client left explicitly.
func (ctl *SignalWSController) disconnect(cl *client) {
	cl.cancel()
	cl.conn.Close()
	cl.mu.Lock()
	sig := cl.sig
	cl.sig = nil
	cl.mu.Unlock()
	if sig != nil {
		sig.Close()
	}
}
