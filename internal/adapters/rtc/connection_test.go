package rtc

import (
	"sync"
	"testing"

	"github.com/dkeye/Call/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Factory, core.PeerConnection, core.PeerConnection) {
	t.Helper()
	f, err := NewFactory(DefaultICETimeouts())
	require.NoError(t, err)
	a, err := f.NewPeer(webrtc.Configuration{})
	require.NoError(t, err)
	b, err := f.NewPeer(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return f, a, b
}

func TestOfferAnswerWithoutWaitingForGathering(t *testing.T) {
	_, a, b := newPair(t)

	var mu sync.Mutex
	var gathered []webrtc.ICECandidateInit
	a.OnICECandidate(func(c webrtc.ICECandidateInit) {
		mu.Lock()
		gathered = append(gathered, c)
		mu.Unlock()
	})

	mic, err := NewCaptureTrack(webrtc.RTPCodecTypeAudio, "mic", "s")
	require.NoError(t, err)
	require.NoError(t, a.AddLocalTrack(mic))

	offer, err := a.CreateAndSetOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")

	answer, err := b.ApplyOfferAndCreateAnswer(*offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.ApplyAnswer(*answer))

	mu.Lock()
	defer mu.Unlock()
	for _, c := range gathered {
		assert.NoError(t, b.AddICECandidate(c))
	}
}

func TestReplaceTrackSwapsSender(t *testing.T) {
	_, a, _ := newPair(t)
	cam, err := NewCaptureTrack(webrtc.RTPCodecTypeVideo, "cam", "s")
	require.NoError(t, err)
	screen, err := NewCaptureTrack(webrtc.RTPCodecTypeVideo, "screen", "s")
	require.NoError(t, err)

	assert.ErrorIs(t, a.ReplaceTrack(cam, screen), ErrUnknownTrack)
	require.NoError(t, a.AddLocalTrack(cam))
	require.NoError(t, a.ReplaceTrack(cam, screen))
	require.NoError(t, a.ReplaceTrack(screen, cam))
	assert.ErrorIs(t, a.ReplaceTrack(screen, cam), ErrUnknownTrack)
}

func TestStateMapping(t *testing.T) {
	assert.Equal(t, core.PeerConnected, mapState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, core.PeerFailed, mapState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, core.PeerDisconnected, mapState(webrtc.PeerConnectionStateDisconnected))
	assert.Equal(t, core.PeerClosed, mapState(webrtc.PeerConnectionStateClosed))
	assert.Equal(t, core.PeerNew, mapState(webrtc.PeerConnectionStateNew))
}
