package domain

import (
	"fmt"
	"slices"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

// CallState represents the lifecycle state of a single call attempt.
type CallState int

const (
	StateIdle CallState = iota
	StateRequesting
	StateRinging
	StateConnecting
	StateActive
	StateEnded
	StateRejected
	StateFailed
	StateMissed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRequesting:
		return "Requesting"
	case StateRinging:
		return "Ringing"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateEnded:
		return "Ended"
	case StateRejected:
		return "Rejected"
	case StateFailed:
		return "Failed"
	case StateMissed:
		return "Missed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func (s CallState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var validTransitions = map[CallState][]CallState{
	StateIdle:       {StateRequesting, StateRinging},
	StateRequesting: {StateConnecting, StateEnded, StateRejected, StateFailed, StateMissed},
	StateRinging:    {StateConnecting, StateRejected, StateFailed, StateMissed},
	StateConnecting: {StateActive, StateEnded, StateRejected, StateFailed, StateMissed},
	StateActive:     {StateEnded},
	StateEnded:      {},
	StateRejected:   {},
	StateFailed:     {},
	StateMissed:     {},
}

func (s CallState) CanTransitionTo(next CallState) bool {
	return slices.Contains(validTransitions[s], next)
}

func (s CallState) IsTerminal() bool {
	switch s {
	case StateEnded, StateRejected, StateFailed, StateMissed:
		return true
	}
	return false
}

// Live reports whether the session occupies its identity's call slot.
func (s CallState) Live() bool {
	return s != StateIdle && !s.IsTerminal()
}

// EndReason explains why a session reached a terminal state.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonLocalHangup
	ReasonRemoteHangup
	ReasonCancelled
	ReasonRejected
	ReasonBusy
	ReasonUnanswered
	ReasonPermissionDenied
	ReasonMediaUnavailable
	ReasonNegotiationFailed
	ReasonConnectionLost
	ReasonShutdown
)

var reasonCodes = map[EndReason]string{
	ReasonNone:              "",
	ReasonLocalHangup:       "hangup",
	ReasonRemoteHangup:      "hangup",
	ReasonCancelled:         "cancelled",
	ReasonRejected:          "rejected",
	ReasonBusy:              "busy",
	ReasonUnanswered:        "unanswered",
	ReasonPermissionDenied:  "permission-denied",
	ReasonMediaUnavailable:  "media-unavailable",
	ReasonNegotiationFailed: "failed",
	ReasonConnectionLost:    "connection-lost",
	ReasonShutdown:          "shutdown",
}

// String is the wire code carried in call-end and answer payloads.
func (r EndReason) String() string {
	if c, ok := reasonCodes[r]; ok {
		return c
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Status is the short user-visible description.
func (r EndReason) Status() string {
	switch r {
	case ReasonLocalHangup, ReasonRemoteHangup, ReasonConnectionLost, ReasonShutdown:
		return "call ended"
	case ReasonCancelled:
		return "call cancelled"
	case ReasonRejected:
		return "call rejected"
	case ReasonBusy:
		return "recipient busy"
	case ReasonUnanswered:
		return "no answer"
	case ReasonPermissionDenied:
		return "permission denied"
	case ReasonMediaUnavailable:
		return "camera or microphone unavailable"
	case ReasonNegotiationFailed:
		return "could not establish connection"
	default:
		return ""
	}
}

// ParseRemoteReason maps a wire code sent by the peer back to its reason.
// Unknown codes read as a plain hangup.
func ParseRemoteReason(code string) EndReason {
	for r, c := range reasonCodes {
		if c == code && r != ReasonLocalHangup && r != ReasonNone {
			return r
		}
	}
	return ReasonRemoteHangup
}
