package rtc

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackStopped
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// CaptureTrack is one local capture. Muting gates packets at WriteRTP, so the
// sender and its negotiated transceiver stay in place.
type CaptureTrack struct {
	track *webrtc.TrackLocalStaticRTP
	kind  webrtc.RTPCodecType
	state atomic.Int32 // Zero by default (TrackLive)

	mu      sync.Mutex
	onEnded func()
	ended   bool
	stop    chan struct{}
}

func NewCaptureTrack(kind webrtc.RTPCodecType, id, streamID string) (*CaptureTrack, error) {
	capability := opusCapability
	if kind == webrtc.RTPCodecTypeVideo {
		capability = vp8Capability
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &CaptureTrack{track: track, kind: kind, stop: make(chan struct{})}, nil
}

func (t *CaptureTrack) ID() string                { return t.track.ID() }
func (t *CaptureTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *CaptureTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *CaptureTrack) State() TrackState         { return TrackState(t.state.Load()) }
func (t *CaptureTrack) Enabled() bool             { return t.State() == TrackLive }
func (t *CaptureTrack) Stopped() bool             { return t.State() == TrackStopped }

// Done is closed once the capture is stopped or ended.
func (t *CaptureTrack) Done() <-chan struct{} { return t.stop }

func (t *CaptureTrack) SetEnabled(on bool) {
	next := TrackMuted
	if on {
		next = TrackLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// WriteRTP forwards p unless the track is muted. After Stop it reports io.ErrClosedPipe.
func (t *CaptureTrack) WriteRTP(p *rtp.Packet) error {
	switch t.State() {
	case TrackMuted:
		return nil
	case TrackStopped:
		return io.ErrClosedPipe
	}
	return t.track.WriteRTP(p)
}

// Stop releases the capture. It never fires OnEnded.
func (t *CaptureTrack) Stop() {
	t.finish(false)
}

// End is called when the source goes away on its own, e.g. the user closed
// the shared window from the OS.
func (t *CaptureTrack) End() {
	t.finish(true)
}

func (t *CaptureTrack) finish(external bool) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.state.Store(int32(TrackStopped))
	close(t.stop)
	fn := t.onEnded
	t.mu.Unlock()
	if external && fn != nil {
		fn()
	}
}

func (t *CaptureTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// Opus frame carrying 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// pumpSilence feeds the track comfort silence so the far side sees a live
// audio stream until a real source is wired in.
func pumpSilence(t *CaptureTrack, ssrc uint32) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SSRC: ssrc}, Payload: opusSilence}
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			pkt.SequenceNumber++
			pkt.Timestamp += 960
			if err := t.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
				return
			}
		}
	}
}
