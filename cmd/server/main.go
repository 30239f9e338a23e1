package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Call/internal/adapters/http"
	"github.com/dkeye/Call/internal/adapters/identity"
	sig "github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app/presence"
	"github.com/dkeye/Call/internal/app/relay"
	"github.com/dkeye/Call/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := presence.NewRegistry(presence.Config{
		LivenessTimeout: cfg.Presence.LivenessTimeout,
		DisconnectGrace: cfg.Presence.DisconnectGrace,
		IdleTimeout:     cfg.Presence.IdleTimeout,
	})
	hub := relay.NewHub(relay.WithDisconnectHook(reg.Disconnected))
	reg.SetBroadcaster(hub.PublishPresence)

	tokens, err := identity.NewTokenProvider(cfg.Secret, cfg.Identity.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("identity provider")
	}

	ctl := sig.NewSignalWSController(hub, reg, tokens, sig.Options{
		ReadLimit:      cfg.ReadLimit,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		AllowAnonymous: cfg.Signal.AllowAnonymous,
		CallLimit:      cfg.Signal.CallLimit,
		CallInterval:   cfg.Signal.CallInterval,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{Signal: ctl, Presence: reg, Tokens: tokens})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Call server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reg.Run(gctx, cfg.Presence.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
