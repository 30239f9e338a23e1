package http

import (
	"context"
	"os"

	"github.com/dkeye/Call/internal/adapters/identity"
	"github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app/presence"
	"github.com/dkeye/Call/internal/config"
	rest "github.com/dkeye/Call/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Signal   *signal.SignalWSController
	Presence *presence.Registry
	Tokens   *identity.TokenProvider
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", rest.Healthz)

	if st, err := os.Stat(cfg.StaticPath); err == nil && st.IsDir() {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
		log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("serving static files")
	}

	api := r.Group("/api")
	api.POST("/identity", rest.IssueIdentity(d.Tokens))
	api.GET("/presence", rest.ListPresence(d.Presence))
	api.GET("/presence/:id", rest.GetPresence(d.Presence))

	api.GET("/ws/signal", func(c *gin.Context) {
		if id, ok := rest.SessionIdentity(c); ok {
			c.Set("identity", id)
		}
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
