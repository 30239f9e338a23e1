package call

import (
	"context"
	"fmt"

	"github.com/dkeye/Call/internal/domain"
)

func (s *Session) mediaLive() bool {
	return (s.state == domain.StateConnecting || s.state == domain.StateActive) && s.pc != nil
}

func (s *Session) localMediaLocked() MediaState {
	var m MediaState
	if s.audio != nil {
		m.Audio = s.audio.Enabled()
	}
	if s.screen != nil {
		m.Video = true
	} else if s.camera != nil {
		m.Video = s.camera.Enabled()
	}
	return m
}

// announceMedia tells the peer what we send so it can show a placeholder.
func (s *Session) announceMedia() {
	m := s.localMediaLocked()
	s.send(domain.KindMediaState, domain.MediaStatePayload{Audio: m.Audio, Video: m.Video})
	s.emit()
}

// ToggleMute flips the microphone and returns true when it is now muted.
// Without a connected session it does nothing.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mediaLive() || s.audio == nil {
		return false
	}
	s.audio.SetEnabled(!s.audio.Enabled())
	muted := !s.audio.Enabled()
	s.log.Info().Bool("muted", muted).Msg("audio toggled")
	s.announceMedia()
	return muted
}

// ToggleVideo flips the camera and returns true when it is now disabled.
// The capture stays open so re-enabling needs no renegotiation.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mediaLive() || s.camera == nil {
		return false
	}
	s.camera.SetEnabled(!s.camera.Enabled())
	disabled := !s.camera.Enabled()
	s.log.Info().Bool("disabled", disabled).Msg("video toggled")
	s.announceMedia()
	return disabled
}

// ToggleScreenShare swaps the outgoing camera for a display capture, or back.
// It returns whether sharing is now on. Audio-only calls ignore it.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mediaLive() || s.camera == nil {
		return false, nil
	}
	if s.screen != nil {
		s.stopShare()
		return false, nil
	}
	if s.sharing {
		return false, ErrInvalidState
	}

	s.sharing = true
	s.mu.Unlock()
	display, err := s.devices.GetDisplayMedia(ctx)
	s.mu.Lock()
	s.sharing = false

	if err != nil {
		s.log.Warn().Err(err).Msg("display capture")
		return false, fmt.Errorf("screen share: %w", err)
	}
	if !s.mediaLive() {
		display.Stop()
		return false, ErrSessionEnded
	}
	if err := s.pc.ReplaceTrack(s.camera, display); err != nil {
		display.Stop()
		s.log.Error().Err(err).Msg("replace camera with display")
		return false, fmt.Errorf("screen share: %w", err)
	}
	s.screen = display
	display.OnEnded(func() {
		s.post(func() {
			if s.screen == display {
				s.stopShare()
			}
		})
	})
	s.log.Info().Msg("screen share started")
	s.announceMedia()
	return true, nil
}

func (s *Session) stopShare() {
	screen := s.screen
	s.screen = nil
	if err := s.pc.ReplaceTrack(screen, s.camera); err != nil {
		s.log.Error().Err(err).Msg("restore camera")
	}
	screen.Stop()
	s.log.Info().Msg("screen share stopped")
	s.announceMedia()
}

// RemoteMedia reports what the peer says it is sending.
func (s *Session) RemoteMedia() MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteMedia
}
