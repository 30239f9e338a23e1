package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Call/internal/app/presence"
	"github.com/dkeye/Call/internal/app/relay"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	mu    sync.Mutex
	on    bool
	ended func()
	stops atomic.Int32
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, on: true}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return nil }
func (t *fakeTrack) Stopped() bool             { return t.stops.Load() > 0 }
func (t *fakeTrack) Stop()                     { t.stops.Add(1) }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.on = v
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.ended = fn
	t.mu.Unlock()
}

// end simulates the OS closing the capture.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.ended
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeDevices struct {
	deny bool

	mu      sync.Mutex
	tracks  []*fakeTrack
	screens []*fakeTrack
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c core.MediaConstraints) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.deny {
		return nil, core.ErrPermissionDenied
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.LocalTrack
	if c.Audio {
		t := newFakeTrack("mic", webrtc.RTPCodecTypeAudio)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	if c.Video {
		t := newFakeTrack("camera", webrtc.RTPCodecTypeVideo)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (d *fakeDevices) GetDisplayMedia(context.Context) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := newFakeTrack(fmt.Sprintf("screen-%d", len(d.screens)), webrtc.RTPCodecTypeVideo)
	d.screens = append(d.screens, t)
	return t, nil
}

func (d *fakeDevices) all() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(append([]*fakeTrack(nil), d.tracks...), d.screens...)
}

func (d *fakeDevices) screen(i int) *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screens[i]
}

var errNegotiation = errors.New("sdp rejected")

// fakePeer connects as soon as both descriptions are set, unless stall is set.
type fakePeer struct {
	name       string
	stall      bool
	failAnswer bool

	mu        sync.Mutex
	local     bool
	remote    bool
	applied   []string
	early     int
	replaced  [][2]string
	closed    int
	onICE     func(webrtc.ICECandidateInit)
	onState   func(core.PeerState)
	onTrack   func(core.RemoteTrack)
	connected bool
}

func (p *fakePeer) AddLocalTrack(core.LocalTrack) error { return nil }

func (p *fakePeer) ReplaceTrack(old, next core.LocalTrack) error {
	p.mu.Lock()
	p.replaced = append(p.replaced, [2]string{old.ID(), next.ID()})
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	p.setLocal()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if p.failAnswer {
		return nil, errNegotiation
	}
	p.mu.Lock()
	p.remote = true
	p.mu.Unlock()
	p.setLocal()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) ApplyAnswer(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = true
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

// setLocal gathers two candidates synchronously, the way a fast ICE agent would.
func (p *fakePeer) setLocal() {
	p.mu.Lock()
	p.local = true
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		for i := range 2 {
			fn(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", p.name, i)})
		}
	}
	p.maybeConnect()
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := p.local && p.remote && !p.stall && !p.connected
	if ready {
		p.connected = true
	}
	fn := p.onState
	p.mu.Unlock()
	if ready && fn != nil {
		go fn(core.PeerConnected)
	}
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remote {
		p.early++
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(core.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

func (p *fakePeer) emit(st core.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) snapshot() (applied []string, early int, replaced [][2]string, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...), p.early, append([][2]string(nil), p.replaced...), p.closed
}

type fakeFactory struct {
	name       string
	stall      bool
	failAnswer bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(webrtc.Configuration) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: f.name, stall: f.stall, failAnswer: f.failAnswer}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) add(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) states(id domain.CallID) []domain.CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallState
	for _, s := range r.snaps {
		if s.CallID == id && (len(out) == 0 || out[len(out)-1] != s.State) {
			out = append(out, s.State)
		}
	}
	return out
}

type party struct {
	id       domain.IdentityID
	mgr      *Manager
	devices  *fakeDevices
	peers    *fakeFactory
	rec      *recorder
	incoming chan *Session
}

type world struct {
	hub *relay.Hub
	reg *presence.Registry
	cfg Config
}

func newWorld() *world {
	return &world{
		hub: relay.NewHub(),
		reg: presence.NewRegistry(presence.DefaultConfig()),
		cfg: Config{RingTimeout: 5 * time.Second},
	}
}

type partyOption func(*party)

func denyMedia() partyOption   { return func(p *party) { p.devices.deny = true } }
func stallPeers() partyOption  { return func(p *party) { p.peers.stall = true } }
func failAnswers() partyOption { return func(p *party) { p.peers.failAnswer = true } }

func (w *world) join(t *testing.T, id domain.IdentityID, opts ...partyOption) *party {
	t.Helper()
	sig, err := w.hub.Connect(id)
	require.NoError(t, err)
	w.reg.Announce(id, string(id))

	p := &party{
		id:       id,
		devices:  &fakeDevices{},
		peers:    &fakeFactory{name: string(id)},
		rec:      &recorder{},
		incoming: make(chan *Session, 4),
	}
	for _, o := range opts {
		o(p)
	}
	p.mgr = NewManager(domain.Identity{ID: id, DisplayName: string(id)}, sig, w.reg, p.devices, p.peers, w.cfg)
	p.mgr.OnStateChange(p.rec.add)
	p.mgr.OnIncoming(func(s *Session) { p.incoming <- s })
	t.Cleanup(p.mgr.Close)
	return p
}

func (p *party) ring(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-p.incoming:
		return s
	case <-time.After(time.Second):
		t.Fatalf("%s: no incoming call", p.id)
		return nil
	}
}

func waitState(t *testing.T, s *Session, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"want %s, have %s", want, s.State())
}
