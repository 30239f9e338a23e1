package relay

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.SignalingChannel = (*Hub)(nil)

type inbox struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (i *inbox) handle(env domain.Envelope) {
	i.mu.Lock()
	i.envs = append(i.envs, env)
	i.mu.Unlock()
}

func (i *inbox) snapshot() []domain.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]domain.Envelope, len(i.envs))
	copy(out, i.envs)
	return out
}

func (i *inbox) len() int { return len(i.snapshot()) }

func TestSendDeliversInOrderPerSender(t *testing.T) {
	h := NewHub()
	a, err := h.Connect("alice")
	require.NoError(t, err)
	b, err := h.Connect("bob")
	require.NoError(t, err)

	var got inbox
	b.OnReceive(got.handle)

	for i := range 100 {
		env, err := domain.NewEnvelope("", "bob", domain.KindICECandidate, "call-1", domain.CandidatePayload{
			Candidate: domain.ICECandidate{Candidate: "candidate:" + strconv.Itoa(i)},
		})
		require.NoError(t, err)
		env.CallID = domain.CallID(strconv.Itoa(i))
		a.Send(env)
	}

	require.Eventually(t, func() bool { return got.len() == 100 }, time.Second, 5*time.Millisecond)
	for i, env := range got.snapshot() {
		assert.Equal(t, domain.IdentityID("alice"), env.From, "sender is stamped by the handle")
		assert.Equal(t, domain.CallID(strconv.Itoa(i)), env.CallID)
	}
}

func TestSendToDisconnectedIsSilent(t *testing.T) {
	h := NewHub()
	a, _ := h.Connect("alice")

	assert.NotPanics(t, func() {
		a.Send(domain.Envelope{To: "nobody", Kind: domain.KindOffer})
	})
	assert.ErrorIs(t, h.Send(domain.Envelope{From: "alice", To: "nobody"}), ErrNotConnected)
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := NewHub()
	a, _ := h.Connect("alice")
	b, _ := h.Connect("bob")
	c, _ := h.Connect("carol")

	var ai, bi, ci inbox
	a.OnReceive(ai.handle)
	b.OnReceive(bi.handle)
	c.OnReceive(ci.handle)

	a.Send(domain.Envelope{Kind: domain.KindCallEnd})

	require.Eventually(t, func() bool { return bi.len() == 1 && ci.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ai.len())
}

func TestCloseTearsDownAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var gone []domain.IdentityID
	h := NewHub(WithDisconnectHook(func(id domain.IdentityID) {
		mu.Lock()
		gone = append(gone, id)
		mu.Unlock()
	}))
	a, _ := h.Connect("alice")
	b, _ := h.Connect("bob")
	var bi inbox
	b.OnReceive(bi.handle)

	b.Close()
	b.Close()
	assert.False(t, h.Connected("bob"))

	a.Send(domain.Envelope{To: "bob", Kind: domain.KindOffer})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, bi.len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.IdentityID{"bob"}, gone)
}

func TestReconnectReplacesWithoutDisconnectHook(t *testing.T) {
	calls := 0
	h := NewHub(WithDisconnectHook(func(domain.IdentityID) { calls++ }))
	old, _ := h.Connect("alice")
	fresh, _ := h.Connect("alice")
	b, _ := h.Connect("bob")

	var oi, fi inbox
	old.OnReceive(oi.handle)
	fresh.OnReceive(fi.handle)
	b.Send(domain.Envelope{To: "alice", Kind: domain.KindOffer})

	require.Eventually(t, func() bool { return fi.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, oi.len())
	assert.Equal(t, 0, calls)
	assert.True(t, h.Connected("alice"))

	old.Close()
	assert.True(t, h.Connected("alice"), "closing a replaced handle keeps the new one")
}

func TestEnvelopesQueuedBeforeHandlerAreKept(t *testing.T) {
	h := NewHub()
	a, _ := h.Connect("alice")
	b, _ := h.Connect("bob")

	a.Send(domain.Envelope{To: "bob", Kind: domain.KindOffer})
	time.Sleep(10 * time.Millisecond)

	var bi inbox
	b.OnReceive(bi.handle)
	require.Eventually(t, func() bool { return bi.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackpressureDrops(t *testing.T) {
	h := NewHub(WithQueueSize(1))
	_, _ = h.Connect("bob")

	require.NoError(t, h.Send(domain.Envelope{From: "alice", To: "bob"}))
	assert.ErrorIs(t, h.Send(domain.Envelope{From: "alice", To: "bob"}), ErrBackpressure)
}

func TestConnectRejectsEmptyIdentity(t *testing.T) {
	h := NewHub()
	_, err := h.Connect("")
	assert.ErrorIs(t, err, domain.ErrIdentityEmpty)
}

func TestPublishPresenceSkipsSubject(t *testing.T) {
	h := NewHub()
	a, _ := h.Connect("alice")
	b, _ := h.Connect("bob")
	var ia, ib inbox
	a.OnReceive(ia.handle)
	b.OnReceive(ib.handle)

	h.PublishPresence(domain.PresenceOnline, domain.PresenceRecord{Identity: "alice", Reachable: true, Status: domain.StatusOnline})
	require.Eventually(t, func() bool { return ib.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, ia.len())

	env := ib.snapshot()[0]
	assert.Equal(t, domain.KindPresenceUpdate, env.Kind)
	var p domain.PresencePayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, domain.PresenceOnline, p.Event)
	assert.Equal(t, domain.IdentityID("alice"), p.Record.Identity)
}
