package core

import "github.com/dkeye/Call/internal/domain"

// SessionID identifies one transport connection (the client token), not a call.
type SessionID string

// PresenceReader is what the call core needs from presence.
type PresenceReader interface {
	Query(id domain.IdentityID) (domain.PresenceRecord, bool)
}

// Reachable reports whether id can currently receive signaling.
func Reachable(p PresenceReader, id domain.IdentityID) bool {
	rec, ok := p.Query(id)
	return ok && rec.Reachable
}

// IdentityVerifier resolves a bearer token issued by the identity provider.
type IdentityVerifier interface {
	Verify(token string) (domain.Identity, error)
}
