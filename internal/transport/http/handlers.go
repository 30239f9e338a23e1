package http

import (
	"net/http"

	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionIdentity    = "identity"
	sessionDisplayName = "display_name"
	sessionAvatarRef   = "avatar_ref"
)

type IdentityRequest struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

type IdentityResponse struct {
	Token    string          `json:"token"`
	Identity domain.Identity `json:"identity"`
}

type TokenIssuer interface {
	Issue(domain.Identity) (string, error)
}

type PresenceQuerier interface {
	Query(domain.IdentityID) (domain.PresenceRecord, bool)
	QueryAll() []domain.PresenceRecord
}

// IssueIdentity stands in for the external identity provider: it issues a
// token and remembers the identity in the cookie session.
func IssueIdentity(tokens TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IdentityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		id, err := domain.NewIdentity(req.Identity, req.DisplayName)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id.AvatarRef = req.AvatarRef

		token, err := tokens.Issue(*id)
		if err != nil {
			log.Error().Err(err).Str("module", "transport.http").Msg("issue token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		s := sessions.Default(c)
		s.Set(sessionIdentity, string(id.ID))
		s.Set(sessionDisplayName, id.DisplayName)
		s.Set(sessionAvatarRef, id.AvatarRef)
		if err := s.Save(); err != nil {
			log.Error().Err(err).Str("module", "transport.http").Msg("session save")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
			return
		}
		c.JSON(http.StatusOK, IdentityResponse{Token: token, Identity: *id})
	}
}

// SessionIdentity returns the identity remembered by IssueIdentity, if any.
func SessionIdentity(c *gin.Context) (domain.Identity, bool) {
	s := sessions.Default(c)
	raw, _ := s.Get(sessionIdentity).(string)
	if raw == "" {
		return domain.Identity{}, false
	}
	name, _ := s.Get(sessionDisplayName).(string)
	avatar, _ := s.Get(sessionAvatarRef).(string)
	return domain.Identity{ID: domain.IdentityID(raw), DisplayName: name, AvatarRef: avatar}, true
}

// effective hides the stored status of unreachable identities.
func effective(rec domain.PresenceRecord) domain.PresenceRecord {
	rec.Status = rec.Effective()
	return rec
}

func ListPresence(p PresenceQuerier) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := p.QueryAll()
		out := make([]domain.PresenceRecord, 0, len(all))
		for _, rec := range all {
			if c.Query("reachable") == "true" && !rec.Reachable {
				continue
			}
			out = append(out, effective(rec))
		}
		c.JSON(http.StatusOK, out)
	}
}

func GetPresence(p PresenceQuerier) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok := p.Query(domain.IdentityID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown identity"})
			return
		}
		c.JSON(http.StatusOK, effective(rec))
	}
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
