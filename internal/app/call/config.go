package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	// RingTimeout bounds how long a call may stay unanswered on either side.
	RingTimeout time.Duration
	ICEServers  []string
}

func DefaultConfig() Config {
	return Config{
		RingTimeout: 45 * time.Second,
		ICEServers:  []string{"stun:stun.l.google.com:19302"},
	}
}

// withDefaults restores the default ring timeout when none is set; a call
// never rings forever.
func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultConfig().RingTimeout
	}
	return c
}

// WebRTC builds the peer connection configuration. No TURN relays are configured.
func (c Config) WebRTC() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}
