package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	assert.True(t, StateIdle.CanTransitionTo(StateRequesting))
	assert.True(t, StateIdle.CanTransitionTo(StateRinging))
	assert.True(t, StateRinging.CanTransitionTo(StateConnecting))
	assert.True(t, StateConnecting.CanTransitionTo(StateActive))
	assert.True(t, StateActive.CanTransitionTo(StateEnded))

	assert.False(t, StateActive.CanTransitionTo(StateRinging))
	assert.False(t, StateRinging.CanTransitionTo(StateEnded))
	for _, s := range []CallState{StateEnded, StateRejected, StateFailed, StateMissed} {
		assert.True(t, s.IsTerminal(), s.String())
		assert.False(t, s.Live())
		assert.False(t, s.CanTransitionTo(StateRequesting), "%s is terminal", s)
	}
	assert.False(t, StateIdle.Live())
	assert.True(t, StateConnecting.Live())
}

func TestReasonCodesRoundTrip(t *testing.T) {
	for _, r := range []EndReason{ReasonCancelled, ReasonRejected, ReasonBusy, ReasonUnanswered,
		ReasonPermissionDenied, ReasonMediaUnavailable, ReasonNegotiationFailed, ReasonConnectionLost, ReasonShutdown} {
		assert.Equal(t, r, ParseRemoteReason(r.String()), r.String())
		assert.NotEmpty(t, r.Status())
	}
	assert.Equal(t, ReasonRemoteHangup, ParseRemoteReason(ReasonLocalHangup.String()))
	assert.Equal(t, ReasonRemoteHangup, ParseRemoteReason("weird"))
	assert.Equal(t, ReasonRemoteHangup, ParseRemoteReason(""))
}

func TestEnvelopePayload(t *testing.T) {
	env, err := NewEnvelope("alice", "bob", KindOffer, "c1", OfferPayload{MediaKind: MediaVideo, SDP: "v=0"})
	require.NoError(t, err)
	assert.False(t, env.Broadcast())
	assert.False(t, env.SentAt.IsZero())

	var p OfferPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, MediaVideo, p.MediaKind)

	empty := Envelope{Kind: KindCallEnd}
	assert.Error(t, empty.Decode(&EndPayload{}))
}

func TestIdentityValidation(t *testing.T) {
	id, err := NewIdentity("alice", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.DisplayName)

	_, err = NewIdentity("", "x")
	assert.ErrorIs(t, err, ErrIdentityEmpty)
}

func TestPresenceEffective(t *testing.T) {
	rec := PresenceRecord{Status: StatusBusy}
	assert.Equal(t, StatusOffline, rec.Effective())
	rec.Reachable = true
	assert.Equal(t, StatusBusy, rec.Effective())
}
