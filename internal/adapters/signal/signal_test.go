package signal

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/adapters/wire"
	"github.com/dkeye/Call/internal/app/presence"
	"github.com/dkeye/Call/internal/app/relay"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens map[string]domain.Identity

func (t tokens) Verify(token string) (domain.Identity, error) {
	id, ok := t[token]
	if !ok {
		return domain.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type server struct {
	url string
	reg *presence.Registry
	hub *relay.Hub
}

func newServer(t *testing.T, opts Options, pcfg presence.Config) *server {
	t.Helper()
	reg := presence.NewRegistry(pcfg)
	hub := relay.NewHub(relay.WithDisconnectHook(reg.Disconnected))
	reg.SetBroadcaster(hub.PublishPresence)
	ctl := NewSignalWSController(hub, reg, tokens{"tok-carol": {ID: "carol", DisplayName: "Carol"}}, opts)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	ctx := t.Context()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("sid"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", reg: reg, hub: hub}
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *server) dial(t *testing.T) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (s *server) joinAs(t *testing.T, id, name string) *peer {
	p := s.dial(t)
	p.send(wire.Message{Type: wire.TypeJoin, Identity: domain.IdentityID(id), DisplayName: name})
	joined := p.expect(wire.TypeJoined)
	require.Equal(t, domain.IdentityID(id), joined.Identity)
	return p
}

func (p *peer) send(m wire.Message) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(m))
}

// expect skips frames until one of type typ arrives.
func (p *peer) expect(typ string) wire.Message {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		_, data, err := p.conn.ReadMessage()
		require.NoError(p.t, err, "waiting for %s", typ)
		m, err := wire.Decode(data)
		require.NoError(p.t, err)
		if m.Type == typ {
			return m
		}
	}
}

func TestJoinListsOnlineUsersAndBroadcasts(t *testing.T) {
	s := newServer(t, DefaultOptions(), presence.DefaultConfig())

	alice := s.joinAs(t, "alice", "Alice")
	assert.Empty(t, alice.expect(wire.TypeOnlineUsers).Users)

	bob := s.joinAs(t, "bob", "Bob")
	users := bob.expect(wire.TypeOnlineUsers).Users
	require.Len(t, users, 1)
	assert.Equal(t, domain.IdentityID("alice"), users[0].Identity)

	online := alice.expect(wire.TypeUserOnline)
	assert.Equal(t, domain.IdentityID("bob"), online.Identity)
	assert.Equal(t, "Bob", online.DisplayName)
	assert.Equal(t, domain.StatusOnline, online.Status)

	bob.send(wire.Message{Type: wire.TypeUpdatePresence, Status: domain.StatusBusy})
	changed := alice.expect(wire.TypeUserStatusChanged)
	assert.Equal(t, domain.StatusBusy, changed.Status)

	bob.send(wire.Message{Type: wire.TypeJoin, Identity: "bob"})
	assert.Contains(t, bob.expect(wire.TypeError).Error, "already joined")
}

func TestCallSignalsAreRelayedAsJoinedIdentity(t *testing.T) {
	s := newServer(t, DefaultOptions(), presence.DefaultConfig())
	alice := s.joinAs(t, "alice", "Alice")
	bob := s.joinAs(t, "bob", "Bob")

	alice.send(wire.Message{Type: wire.TypeCallUser, To: "bob", From: "mallory", CallID: "c1", MediaKind: domain.MediaVideo, SDPOffer: "offer"})
	in := bob.expect(wire.TypeIncomingCall)
	assert.Equal(t, domain.IdentityID("alice"), in.From)
	assert.Equal(t, "Alice", in.FromDisplayName)
	assert.Equal(t, domain.MediaVideo, in.MediaKind)
	assert.Equal(t, "offer", in.SDPOffer)
	assert.Equal(t, domain.CallID("c1"), in.CallID)

	bob.send(wire.Message{Type: wire.TypeAnswerCall, To: "alice", CallID: "c1", Accepted: wire.Bool(true), SDPAnswer: "answer"})
	ans := alice.expect(wire.TypeCallAnswered)
	assert.Equal(t, "answer", ans.SDPAnswer)
	assert.Equal(t, domain.IdentityID("bob"), ans.From)

	mid := "0"
	alice.send(wire.Message{Type: wire.TypeICECandidate, To: "bob", CallID: "c1", Candidate: &domain.ICECandidate{Candidate: "candidate:1", SDPMid: &mid}})
	cand := bob.expect(wire.TypeICECandidate)
	require.NotNil(t, cand.Candidate)
	assert.Equal(t, "candidate:1", cand.Candidate.Candidate)

	bob.send(wire.Message{Type: wire.TypeMediaState, To: "alice", CallID: "c1", Audio: wire.Bool(false), Video: wire.Bool(true)})
	ms := alice.expect(wire.TypeMediaState)
	assert.False(t, *ms.Audio)
	assert.True(t, *ms.Video)

	alice.send(wire.Message{Type: wire.TypeEndCall, To: "bob", CallID: "c1", Reason: "hangup"})
	end := bob.expect(wire.TypeCallEnded)
	assert.Equal(t, "hangup", end.Reason)
}

func TestEndCallWithoutRecipientIsBroadcast(t *testing.T) {
	s := newServer(t, DefaultOptions(), presence.DefaultConfig())
	alice := s.joinAs(t, "alice", "Alice")
	bob := s.joinAs(t, "bob", "Bob")
	carol := s.joinAs(t, "carol", "Carol")

	alice.send(wire.Message{Type: wire.TypeEndCall, CallID: "c1", Reason: "cancelled"})
	for _, p := range []*peer{bob, carol} {
		end := p.expect(wire.TypeCallEnded)
		assert.Equal(t, domain.IdentityID("alice"), end.From)
		assert.Equal(t, domain.CallID("c1"), end.CallID)
		assert.Equal(t, "cancelled", end.Reason)
	}

	alice.send(wire.Message{Type: wire.TypeAnswerCall, CallID: "c1", Accepted: wire.Bool(false)})
	assert.Equal(t, "answer-call: missing to", alice.expect(wire.TypeError).Error)
}

func TestCallRequestsAreChecked(t *testing.T) {
	opts := DefaultOptions()
	opts.CallLimit = 1
	s := newServer(t, opts, presence.DefaultConfig())

	stranger := s.dial(t)
	stranger.send(wire.Message{Type: wire.TypeCallUser, To: "bob", CallID: "c0"})
	assert.Equal(t, "not joined", stranger.expect(wire.TypeError).Error)

	alice := s.joinAs(t, "alice", "")
	alice.send(wire.Message{Type: wire.TypeICECandidate, CallID: "c0"})
	assert.Contains(t, alice.expect(wire.TypeError).Error, "missing to")

	alice.send(wire.Message{Type: wire.TypeCallUser, To: "bob"})
	assert.Contains(t, alice.expect(wire.TypeError).Error, "missing callId")

	alice.send(wire.Message{Type: wire.TypeCallUser, To: "bob", CallID: "c1"})
	unreachable := alice.expect(wire.TypeError)
	assert.Equal(t, "recipient unreachable", unreachable.Error)
	assert.Equal(t, domain.CallID("c1"), unreachable.CallID)

	alice.send(wire.Message{Type: wire.TypeCallUser, To: "bob", CallID: "c2"})
	assert.Equal(t, "rate limited", alice.expect(wire.TypeError).Error)

	alice.send(wire.Message{Type: "teleport"})
	assert.Contains(t, alice.expect(wire.TypeError).Error, "unknown type")
}

func TestLeaveAndDisconnectGoOffline(t *testing.T) {
	pcfg := presence.DefaultConfig()
	pcfg.DisconnectGrace = 0
	s := newServer(t, DefaultOptions(), pcfg)
	alice := s.joinAs(t, "alice", "Alice")
	bob := s.joinAs(t, "bob", "Bob")
	carol := s.joinAs(t, "carol", "")

	bob.send(wire.Message{Type: wire.TypeLeave})
	assert.Equal(t, domain.IdentityID("bob"), alice.expect(wire.TypeUserOffline).Identity)
	rec, ok := s.reg.Query("bob")
	require.True(t, ok)
	assert.False(t, rec.Reachable)

	bob.send(wire.Message{Type: wire.TypeJoin, Identity: "bob"})
	bob.expect(wire.TypeJoined)
	assert.Equal(t, domain.IdentityID("bob"), alice.expect(wire.TypeUserOnline).Identity)

	s.reg.Sweep()
	rec, _ = s.reg.Query("carol")
	assert.True(t, rec.Reachable, "only dropped transports are swept")

	require.NoError(t, carol.conn.Close())
	require.Eventually(t, func() bool {
		s.reg.Sweep()
		rec, _ := s.reg.Query("carol")
		return !rec.Reachable
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.IdentityID("carol"), alice.expect(wire.TypeUserOffline).Identity)
}

func TestTokenJoin(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowAnonymous = false
	s := newServer(t, opts, presence.DefaultConfig())

	anon := s.dial(t)
	anon.send(wire.Message{Type: wire.TypeJoin, Identity: "alice"})
	assert.Contains(t, anon.expect(wire.TypeError).Error, "unauthorized")

	anon.send(wire.Message{Type: wire.TypeJoin, Token: "forged"})
	assert.Contains(t, anon.expect(wire.TypeError).Error, "bad token")

	anon.send(wire.Message{Type: wire.TypeJoin, Token: "tok-carol", Identity: "alice"})
	joined := anon.expect(wire.TypeJoined)
	assert.Equal(t, domain.IdentityID("carol"), joined.Identity)
	assert.Equal(t, "Carol", joined.DisplayName)
}

func TestPingRefreshesLiveness(t *testing.T) {
	s := newServer(t, DefaultOptions(), presence.DefaultConfig())
	alice := s.joinAs(t, "alice", "")
	before, _ := s.reg.Query("alice")

	time.Sleep(5 * time.Millisecond)
	alice.send(wire.Message{Type: wire.TypePing})
	alice.expect(wire.TypePong)
	after, _ := s.reg.Query("alice")
	assert.True(t, after.LastSeenAt.After(before.LastSeenAt))

	alice.send(wire.Message{Type: wire.TypeVisibility, Visible: wire.Bool(false)})
	require.Eventually(t, func() bool {
		rec, _ := s.reg.Query("alice")
		return rec.Status == domain.StatusAway
	}, time.Second, 5*time.Millisecond)
	alice.send(wire.Message{Type: wire.TypeVisibility, Visible: wire.Bool(true)})
	require.Eventually(t, func() bool {
		rec, _ := s.reg.Query("alice")
		return rec.Status == domain.StatusOnline
	}, time.Second, 5*time.Millisecond)
}

func TestCallRateLimiterWindow(t *testing.T) {
	rl := NewCallRateLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "windows are per identity")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("alice"))

	rl.Forget("alice")
	assert.True(t, rl.Allow("alice"))

	assert.True(t, NewCallRateLimiter(0, time.Minute).Allow("x"), "zero limit disables")
}

func TestSignalConnDropsWhenFull(t *testing.T) {
	ws := &WsSignalConn{send: make(chan core.Frame, 1)}
	var c core.SignalConnection = ws

	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), ErrBackpressure)
	assert.Equal(t, core.Frame("a"), <-ws.send)

	ws.closed = true
	assert.ErrorIs(t, c.TrySend(core.Frame("c")), ErrClosed)
}
