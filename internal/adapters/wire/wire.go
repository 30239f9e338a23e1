// Package wire is the JSON event vocabulary spoken over the signaling WebSocket.
// Every frame is one Message; Type selects which fields apply.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Call/internal/domain"
)

// Client → server.
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeCallUser       = "call-user"
	TypeAnswerCall     = "answer-call"
	TypeICECandidate   = "ice-candidate"
	TypeEndCall        = "end-call"
	TypeUpdatePresence = "update-presence"
	TypeMediaState     = "media-state"
	TypeActivity       = "activity"
	TypeVisibility     = "visibility"
	TypePing           = "ping"
)

// Server → client. ice-candidate and media-state are shared with the request side.
const (
	TypeJoined            = "joined"
	TypeOnlineUsers       = "online-users"
	TypeUserOnline        = "user-online"
	TypeUserOffline       = "user-offline"
	TypeIncomingCall      = "incoming-call"
	TypeCallAnswered      = "call-answered"
	TypeCallRejected      = "call-rejected"
	TypeCallEnded         = "call-ended"
	TypeUserStatusChanged = "user-status-changed"
	TypePong              = "pong"
	TypeError             = "error"
)

var ErrUnsupported = errors.New("unsupported message")

type Message struct {
	Type string `json:"type"`

	// join
	Token string `json:"token,omitempty"`

	// presence
	Identity    domain.IdentityID       `json:"identity,omitempty"`
	DisplayName string                  `json:"displayName,omitempty"`
	Status      domain.Status           `json:"status,omitempty"`
	Reachable   *bool                   `json:"reachable,omitempty"`
	LastSeenAt  *time.Time              `json:"lastSeenAt,omitempty"`
	Users       []domain.PresenceRecord `json:"users,omitempty"`
	Visible     *bool                   `json:"visible,omitempty"`

	// call signaling
	To              domain.IdentityID    `json:"to,omitempty"`
	From            domain.IdentityID    `json:"from,omitempty"`
	FromDisplayName string               `json:"fromDisplayName,omitempty"`
	CallID          domain.CallID        `json:"callId,omitempty"`
	MediaKind       domain.MediaKind     `json:"mediaKind,omitempty"`
	SDPOffer        string               `json:"sdpOffer,omitempty"`
	SDPAnswer       string               `json:"sdpAnswer,omitempty"`
	Accepted        *bool                `json:"accepted,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	Candidate       *domain.ICECandidate `json:"candidate,omitempty"`
	Audio           *bool                `json:"audio,omitempty"`
	Video           *bool                `json:"video,omitempty"`

	Error string `json:"error,omitempty"`
}

func Bool(v bool) *bool { return &v }

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("bad json: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("missing type")
	}
	return m, nil
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func Errorf(format string, args ...any) Message {
	return Message{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}

// Presence renders a record as a presence event of type t.
func Presence(t string, rec domain.PresenceRecord) Message {
	seen := rec.LastSeenAt
	return Message{
		Type:        t,
		Identity:    rec.Identity,
		DisplayName: rec.DisplayName,
		Status:      rec.Effective(),
		Reachable:   Bool(rec.Reachable),
		LastSeenAt:  &seen,
	}
}

// Record is the inverse of Presence.
func (m Message) Record() domain.PresenceRecord {
	rec := domain.PresenceRecord{Identity: m.Identity, DisplayName: m.DisplayName, Status: m.Status}
	if m.Reachable != nil {
		rec.Reachable = *m.Reachable
	} else {
		rec.Reachable = m.Type != TypeUserOffline
	}
	if m.LastSeenAt != nil {
		rec.LastSeenAt = *m.LastSeenAt
	}
	return rec
}

// Request turns an outgoing envelope into the client request that carries it.
func Request(env domain.Envelope) (Message, error) {
	m := Message{To: env.To, CallID: env.CallID}
	switch env.Kind {
	case domain.KindOffer:
		var p domain.OfferPayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.MediaKind, m.SDPOffer = TypeCallUser, p.MediaKind, p.SDP
	case domain.KindAnswer:
		var p domain.AnswerPayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.Accepted, m.SDPAnswer, m.Reason = TypeAnswerCall, Bool(p.Accepted), p.SDP, p.Reason
	case domain.KindICECandidate:
		var p domain.CandidatePayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.Candidate = TypeICECandidate, &p.Candidate
	case domain.KindCallEnd:
		var p domain.EndPayload
		if len(env.Payload) > 0 {
			if err := env.Decode(&p); err != nil {
				return Message{}, err
			}
		}
		m.Type, m.Reason = TypeEndCall, p.Reason
	case domain.KindMediaState:
		var p domain.MediaStatePayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.Audio, m.Video = TypeMediaState, Bool(p.Audio), Bool(p.Video)
	default:
		return Message{}, fmt.Errorf("%w: envelope kind %q", ErrUnsupported, env.Kind)
	}
	return m, nil
}

// ParseRequest is the server side of Request. from is the joined identity of the
// connection; whatever the client claims as sender is ignored.
func ParseRequest(from domain.IdentityID, fromName string, m Message) (domain.Envelope, error) {
	switch m.Type {
	case TypeCallUser:
		if m.To == "" {
			return domain.Envelope{}, errors.New("call-user: missing to")
		}
		kind := m.MediaKind
		if !kind.Valid() {
			kind = domain.MediaAudio
		}
		return domain.NewEnvelope(from, m.To, domain.KindOffer, m.CallID,
			domain.OfferPayload{MediaKind: kind, SDP: m.SDPOffer, FromDisplayName: fromName})
	case TypeAnswerCall:
		accepted := m.Accepted != nil && *m.Accepted
		return domain.NewEnvelope(from, m.To, domain.KindAnswer, m.CallID,
			domain.AnswerPayload{Accepted: accepted, SDP: m.SDPAnswer, Reason: m.Reason})
	case TypeICECandidate:
		if m.Candidate == nil {
			return domain.Envelope{}, errors.New("ice-candidate: missing candidate")
		}
		return domain.NewEnvelope(from, m.To, domain.KindICECandidate, m.CallID,
			domain.CandidatePayload{Candidate: *m.Candidate})
	case TypeEndCall:
		return domain.NewEnvelope(from, m.To, domain.KindCallEnd, m.CallID, domain.EndPayload{Reason: m.Reason})
	case TypeMediaState:
		p := domain.MediaStatePayload{Audio: m.Audio == nil || *m.Audio, Video: m.Video != nil && *m.Video}
		return domain.NewEnvelope(from, m.To, domain.KindMediaState, m.CallID, p)
	}
	return domain.Envelope{}, fmt.Errorf("%w: %q", ErrUnsupported, m.Type)
}

// Event renders a delivered envelope as the event the recipient's client sees.
func Event(env domain.Envelope) (Message, error) {
	m := Message{From: env.From, CallID: env.CallID}
	switch env.Kind {
	case domain.KindOffer:
		var p domain.OfferPayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.FromDisplayName, m.MediaKind, m.SDPOffer = TypeIncomingCall, p.FromDisplayName, p.MediaKind, p.SDP
	case domain.KindAnswer:
		var p domain.AnswerPayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		if p.Accepted {
			m.Type, m.Accepted, m.SDPAnswer = TypeCallAnswered, Bool(true), p.SDP
		} else {
			m.Type, m.Reason = TypeCallRejected, p.Reason
		}
	case domain.KindICECandidate:
		var p domain.CandidatePayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.Candidate = TypeICECandidate, &p.Candidate
	case domain.KindCallEnd:
		var p domain.EndPayload
		if len(env.Payload) > 0 {
			_ = env.Decode(&p)
		}
		m.Type, m.Reason = TypeCallEnded, p.Reason
	case domain.KindMediaState:
		var p domain.MediaStatePayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		m.Type, m.Audio, m.Video = TypeMediaState, Bool(p.Audio), Bool(p.Video)
	case domain.KindPresenceUpdate:
		var p domain.PresencePayload
		if err := env.Decode(&p); err != nil {
			return Message{}, err
		}
		switch p.Event {
		case domain.PresenceOnline:
			return Presence(TypeUserOnline, p.Record), nil
		case domain.PresenceOffline:
			return Presence(TypeUserOffline, p.Record), nil
		default:
			return Presence(TypeUserStatusChanged, p.Record), nil
		}
	default:
		return Message{}, fmt.Errorf("%w: envelope kind %q", ErrUnsupported, env.Kind)
	}
	return m, nil
}

// ParseEvent is the client side of Event for call events. self becomes To.
func ParseEvent(self domain.IdentityID, m Message) (domain.Envelope, error) {
	switch m.Type {
	case TypeIncomingCall:
		return domain.NewEnvelope(m.From, self, domain.KindOffer, m.CallID,
			domain.OfferPayload{MediaKind: m.MediaKind, SDP: m.SDPOffer, FromDisplayName: m.FromDisplayName})
	case TypeCallAnswered:
		return domain.NewEnvelope(m.From, self, domain.KindAnswer, m.CallID,
			domain.AnswerPayload{Accepted: true, SDP: m.SDPAnswer})
	case TypeCallRejected:
		return domain.NewEnvelope(m.From, self, domain.KindAnswer, m.CallID,
			domain.AnswerPayload{Accepted: false, Reason: m.Reason})
	case TypeICECandidate:
		if m.Candidate == nil {
			return domain.Envelope{}, errors.New("ice-candidate: missing candidate")
		}
		return domain.NewEnvelope(m.From, self, domain.KindICECandidate, m.CallID,
			domain.CandidatePayload{Candidate: *m.Candidate})
	case TypeCallEnded:
		return domain.NewEnvelope(m.From, self, domain.KindCallEnd, m.CallID, domain.EndPayload{Reason: m.Reason})
	case TypeMediaState:
		p := domain.MediaStatePayload{Audio: m.Audio == nil || *m.Audio, Video: m.Video != nil && *m.Video}
		return domain.NewEnvelope(m.From, self, domain.KindMediaState, m.CallID, p)
	}
	return domain.Envelope{}, fmt.Errorf("%w: %q", ErrUnsupported, m.Type)
}
