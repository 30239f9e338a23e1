// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxIdentityLen    = 64
	MaxDisplayNameLen = 64
)

var (
	ErrIdentityEmpty      = errors.New("identity empty")
	ErrIdentityTooLong    = errors.New("identity too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// IdentityID is the opaque, stable user identifier issued by the identity provider.
type IdentityID string

// Identity is owned by the external identity provider; the call core only reads it.
type Identity struct {
	ID          IdentityID `json:"identity"`
	DisplayName string     `json:"displayName"`
	AvatarRef   string     `json:"avatarRef,omitempty"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty display name falls back to the identifier.
func NewIdentity(id, displayName string) (*Identity, error) {
	if err := ValidateIdentityID(IdentityID(id)); err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = id
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Identity{ID: IdentityID(id), DisplayName: displayName}, nil
}

func ValidateIdentityID(id IdentityID) error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}
