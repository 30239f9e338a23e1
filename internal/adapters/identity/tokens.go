// Package identity is a minimal stand-in for the external identity provider:
// it issues and verifies HS256 tokens that carry a domain.Identity.
package identity

import (
	"errors"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "call"

var ErrSecretRequired = errors.New("identity secret is required")

// Claims is the only supported token shape.
type Claims struct {
	jwt.RegisteredClaims

	DisplayName string `json:"display_name,omitempty"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

type TokenProvider struct {
	secret []byte
	ttl    time.Duration
	// Now is the clock used for issuing and validating.
	Now func() time.Time
}

func NewTokenProvider(secret string, ttl time.Duration) (*TokenProvider, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &TokenProvider{secret: []byte(secret), ttl: ttl, Now: time.Now}, nil
}

func (p *TokenProvider) Issue(id domain.Identity) (string, error) {
	if err := domain.ValidateIdentityID(id.ID); err != nil {
		return "", err
	}
	now := p.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   string(id.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
			ID:        uuid.NewString(),
		},
		DisplayName: id.DisplayName,
		AvatarRef:   id.AvatarRef,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify implements core.IdentityVerifier.
func (p *TokenProvider) Verify(token string) (domain.Identity, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(p.Now),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}); err != nil {
		return domain.Identity{}, err
	}

	id, err := domain.NewIdentity(claims.Subject, claims.DisplayName)
	if err != nil {
		return domain.Identity{}, err
	}
	id.AvatarRef = claims.AvatarRef
	return *id, nil
}
