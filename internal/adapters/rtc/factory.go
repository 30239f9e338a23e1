// Package rtc adapts pion/webrtc to the call core's peer and media interfaces.
package rtc

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var ErrUnknownTrack = errors.New("track is not attached to this connection")

// ICETimeouts tolerate a short NAT or relay hiccup before ICE reports
// disconnected, which the call core treats as a dropped call.
type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

func DefaultICETimeouts() ICETimeouts {
	return ICETimeouts{Disconnected: 15 * time.Second, Failed: 30 * time.Second, KeepAlive: 2 * time.Second}
}

// Factory builds peer connections that share one pion API.
type Factory struct {
	api *webrtc.API
	seq atomic.Uint64
}

func NewFactory(t ICETimeouts) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(t.Disconnected, t.Failed, t.KeepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api}, nil
}

func (f *Factory) NewPeer(cfg webrtc.Configuration) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, "pc-"+strconv.FormatUint(f.seq.Add(1), 10)), nil
}
