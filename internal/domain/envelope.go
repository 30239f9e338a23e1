package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the signaling vocabulary relayed between identities.
type Kind string

const (
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "ice-candidate"
	KindCallEnd        Kind = "call-end"
	KindPresenceUpdate Kind = "presence-update"
	KindMediaState     Kind = "media-state"
)

type CallID string

// Envelope exists only in transit. An empty To addresses every connected
// identity except the sender.
type Envelope struct {
	From    IdentityID      `json:"from"`
	To      IdentityID      `json:"to,omitempty"`
	Kind    Kind            `json:"kind"`
	CallID  CallID          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

func (e Envelope) Broadcast() bool { return e.To == "" }

// NewEnvelope marshals payload and stamps SentAt.
func NewEnvelope(from, to IdentityID, kind Kind, callID CallID, payload any) (Envelope, error) {
	env := Envelope{From: from, To: to, Kind: kind, CallID: callID, SentAt: time.Now()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", e.Kind, err)
	}
	return nil
}

type OfferPayload struct {
	MediaKind       MediaKind `json:"mediaKind"`
	SDP             string    `json:"sdpOffer"`
	FromDisplayName string    `json:"fromDisplayName,omitempty"`
}

type AnswerPayload struct {
	Accepted bool   `json:"accepted"`
	SDP      string `json:"sdpAnswer,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ICECandidate matches the browser RTCIceCandidateInit JSON shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}

type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type PresencePayload struct {
	Event  PresenceEvent  `json:"event"`
	Record PresenceRecord `json:"record"`
}

type MediaStatePayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}
