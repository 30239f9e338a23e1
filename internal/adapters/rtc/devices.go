package rtc

import (
	"context"
	"math/rand/v2"

	"github.com/dkeye/Call/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Devices hands out synthetic captures. Audio carries comfort silence; video
// carries whatever the embedding application writes with WriteRTP.
type Devices struct {
	deny        bool
	denyDisplay bool
}

type DeviceOption func(*Devices)

// DenyPermission makes every capture request fail as if the user refused the prompt.
func DenyPermission() DeviceOption { return func(d *Devices) { d.deny = true } }

func DenyDisplay() DeviceOption { return func(d *Devices) { d.denyDisplay = true } }

func NewDevices(opts ...DeviceOption) *Devices {
	d := &Devices{}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.MediaConstraints) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.deny {
		log.Warn().Str("module", "media").Msg("user media denied")
		return nil, core.ErrPermissionDenied
	}
	stream := "stream-" + uuid.NewString()
	var out []core.LocalTrack
	if c.Audio {
		t, err := NewCaptureTrack(webrtc.RTPCodecTypeAudio, "audio-"+uuid.NewString(), stream)
		if err != nil {
			return nil, err
		}
		go pumpSilence(t, rand.Uint32())
		out = append(out, t)
	}
	if c.Video {
		t, err := NewCaptureTrack(webrtc.RTPCodecTypeVideo, "video-"+uuid.NewString(), stream)
		if err != nil {
			for _, prev := range out {
				prev.Stop()
			}
			return nil, err
		}
		out = append(out, t)
	}
	log.Info().Str("module", "media").Bool("audio", c.Audio).Bool("video", c.Video).Int("tracks", len(out)).Msg("user media captured")
	return out, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.deny || d.denyDisplay {
		return nil, core.ErrPermissionDenied
	}
	t, err := NewCaptureTrack(webrtc.RTPCodecTypeVideo, "screen-"+uuid.NewString(), "screen")
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "media").Str("track_id", t.ID()).Msg("display captured")
	return t, nil
}
