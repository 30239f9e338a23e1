package identity

import (
	"testing"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ core.IdentityVerifier = (*TokenProvider)(nil)

func TestIssueAndVerify(t *testing.T) {
	p, err := NewTokenProvider("secret", time.Hour)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	p.Now = func() time.Time { return now }

	token, err := p.Issue(domain.Identity{ID: "alice", DisplayName: "Alice", AvatarRef: "avatars/alice.png"})
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	id, err := p.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{ID: "alice", DisplayName: "Alice", AvatarRef: "avatars/alice.png"}, id)
}

func TestVerifyRejects(t *testing.T) {
	p, _ := NewTokenProvider("secret", time.Hour)
	now := time.Unix(1700000000, 0)
	p.Now = func() time.Time { return now }
	token, err := p.Issue(domain.Identity{ID: "alice"})
	require.NoError(t, err)

	other, _ := NewTokenProvider("other", time.Hour)
	other.Now = p.Now
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	now = now.Add(2 * time.Hour)
	_, err = p.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = p.Verify("not-a-token")
	assert.ErrorIs(t, err, jwt.ErrTokenMalformed)
}

func TestIssueValidates(t *testing.T) {
	_, err := NewTokenProvider("", time.Hour)
	assert.ErrorIs(t, err, ErrSecretRequired)

	p, _ := NewTokenProvider("secret", time.Hour)
	_, err = p.Issue(domain.Identity{})
	assert.ErrorIs(t, err, domain.ErrIdentityEmpty)
}

func TestDisplayNameFallsBackToIdentity(t *testing.T) {
	p, _ := NewTokenProvider("secret", time.Hour)
	token, err := p.Issue(domain.Identity{ID: "bob"})
	require.NoError(t, err)
	id, err := p.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.DisplayName)
}
