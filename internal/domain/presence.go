package domain

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is a snapshot; consumers never get a live reference.
type PresenceRecord struct {
	Identity    IdentityID `json:"identity"`
	DisplayName string     `json:"displayName"`
	Reachable   bool       `json:"reachable"`
	Status      Status     `json:"status"`
	LastSeenAt  time.Time  `json:"lastSeenAt"`
}

// Effective is the status consumers must show: unreachable is always offline.
func (r PresenceRecord) Effective() Status {
	if !r.Reachable {
		return StatusOffline
	}
	return r.Status
}

// PresenceEvent names what changed in a presence-update broadcast.
type PresenceEvent string

const (
	PresenceOnline  PresenceEvent = "online"
	PresenceOffline PresenceEvent = "offline"
	PresenceStatus  PresenceEvent = "status"
)
