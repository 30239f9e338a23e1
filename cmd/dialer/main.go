package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Call/internal/adapters/redisstore"
	"github.com/dkeye/Call/internal/adapters/rtc"
	"github.com/dkeye/Call/internal/adapters/wire"
	"github.com/dkeye/Call/internal/adapters/wsclient"
	"github.com/dkeye/Call/internal/app/call"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

type options struct {
	server     string
	transport  string
	redisAddr  string
	redisDB    int
	identity   string
	name       string
	token      string
	callee     string
	video      bool
	autoAnswer bool
	ring       time.Duration
	stun       []string
	logLevel   string

	cfg *config.Config
}

var errCallDone = errors.New("call finished")

// parseFlags takes its defaults from cfg, so flags only override the config file.
func parseFlags(args []string, cfg *config.Config) (options, error) {
	o := options{cfg: cfg}
	fs := flag.NewFlagSet("dialer", flag.ContinueOnError)
	fs.StringVar(&o.server, "server", fmt.Sprintf("ws://localhost:%d/api/ws/signal", cfg.Port), "signaling WebSocket URL")
	fs.StringVar(&o.transport, "transport", cfg.Transport, "signaling transport: ws or redis")
	fs.StringVar(&o.redisAddr, "redis-addr", cfg.Redis.Addr, "redis address for --transport=redis")
	fs.IntVar(&o.redisDB, "redis-db", cfg.Redis.DB, "redis database for --transport=redis")
	fs.StringVar(&o.identity, "identity", "", "identity to join as")
	fs.StringVar(&o.name, "name", "", "display name")
	fs.StringVar(&o.token, "token", "", "identity token (ws only; overrides --identity)")
	fs.StringVar(&o.callee, "call", "", "identity to call once connected")
	fs.BoolVar(&o.video, "video", false, "place a video call instead of audio")
	fs.BoolVar(&o.autoAnswer, "auto-answer", false, "accept incoming calls")
	fs.DurationVar(&o.ring, "ring-timeout", cfg.Call.RingTimeout, "how long a call may ring")
	fs.StringSliceVar(&o.stun, "stun", cfg.Call.STUNServers, "STUN server URLs")
	fs.StringVar(&o.logLevel, "log-level", cfg.LogLevel, "zerolog level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.ring <= 0 {
		return options{}, fmt.Errorf("--ring-timeout must be positive, got %s", o.ring)
	}
	return o, nil
}

// transport is a connected signaling channel plus whatever presence view comes with it.
type transport struct {
	sig      core.Signaler
	presence core.PresenceReader
	self     domain.Identity
	setBusy  func(bool)
	run      func(ctx context.Context) error
	close    func()
}

func connectWS(ctx context.Context, o options, self domain.Identity) (*transport, error) {
	opts := wsclient.DefaultOptions()
	opts.URL = o.server
	opts.Token = o.token
	opts.Identity = self
	c, err := wsclient.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.OnError(func(m wire.Message) {
		log.Warn().Str("module", "dialer").Str("error", m.Error).Str("call_id", string(m.CallID)).Msg("server refused")
	})
	return &transport{
		sig:      c,
		presence: c.Presence(),
		self:     c.Self(),
		setBusy: func(busy bool) {
			if busy {
				c.UpdateStatus(domain.StatusBusy)
			} else {
				c.UpdateStatus(domain.StatusOnline)
			}
		},
		run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return errors.New("signaling connection lost")
			}
		},
		close: func() {
			c.Leave()
			time.Sleep(100 * time.Millisecond)
			c.Close()
		},
	}, nil
}

func connectRedis(ctx context.Context, o options, self domain.Identity) (*transport, error) {
	rc := o.cfg.Redis
	rdb, err := redisstore.Open(ctx, redisstore.Config{Addr: o.redisAddr, Password: rc.Password, DB: o.redisDB})
	if err != nil {
		return nil, err
	}
	chOpts := redisstore.DefaultChannelOptions()
	if rc.StreamMaxLen > 0 {
		chOpts.MaxLen = rc.StreamMaxLen
	}
	if rc.PollBlock > 0 {
		chOpts.Block = rc.PollBlock
	}
	chOpts.MaxAge = o.ring
	ch, err := redisstore.NewChannel(ctx, rdb, self.ID, chOpts)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	ttl := o.cfg.Presence.LivenessTimeout
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	pres := redisstore.NewPresence(rdb, ttl)
	busy := make(chan bool, 1)
	status := domain.StatusOnline
	return &transport{
		sig:      ch,
		presence: pres,
		self:     self,
		setBusy: func(b bool) {
			select {
			case busy <- b:
			default:
			}
		},
		run: func(ctx context.Context) error {
			rec := domain.PresenceRecord{Identity: self.ID, DisplayName: self.DisplayName}
			return pres.Keepalive(ctx, rec, ttl/3, func() domain.Status {
				select {
				case b := <-busy:
					status = domain.StatusOnline
					if b {
						status = domain.StatusBusy
					}
				default:
				}
				return status
			})
		},
		close: func() {
			ch.Close()
			_ = rdb.Close()
		},
	}, nil
}

func waitReachable(ctx context.Context, p core.PresenceReader, id domain.IdentityID, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if core.Reachable(p, id) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	o, err := parseFlags(os.Args[1:], cfg)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("flags")
	}
	lvl, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		log.Error().Err(err).Str("module", "dialer").Msg("exit")
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	self := domain.Identity{ID: domain.IdentityID(o.identity), DisplayName: o.name}
	if o.token == "" {
		id, err := domain.NewIdentity(o.identity, o.name)
		if err != nil {
			return fmt.Errorf("--identity: %w", err)
		}
		self = *id
	}

	var (
		t   *transport
		err error
	)
	switch o.transport {
	case "ws":
		t, err = connectWS(ctx, o, self)
	case "redis":
		if o.token != "" {
			return errors.New("--token needs --transport=ws")
		}
		t, err = connectRedis(ctx, o, self)
	default:
		return fmt.Errorf("unknown transport %q", o.transport)
	}
	if err != nil {
		return err
	}
	defer t.close()

	peers, err := rtc.NewFactory(rtc.DefaultICETimeouts())
	if err != nil {
		return err
	}
	cfg := call.DefaultConfig()
	cfg.RingTimeout = o.ring
	cfg.ICEServers = o.stun
	mgr := call.NewManager(t.self, t.sig, t.presence, rtc.NewDevices(), peers, cfg)
	defer mgr.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.run(gctx) })

	mgr.OnStateChange(func(s call.Snapshot) {
		log.Info().
			Str("module", "dialer").
			Str("call_id", string(s.CallID)).
			Str("remote", string(s.Remote)).
			Str("state", s.State.String()).
			Str("reason", s.Reason).
			Msg(s.Status)
		t.setBusy(s.State.Live())
	})
	mgr.OnIncoming(func(s *call.Session) {
		log.Info().Str("module", "dialer").Str("call_id", string(s.ID())).Str("from", s.RemoteDisplayName()).
			Str("media", string(s.MediaKind())).Bool("auto_answer", o.autoAnswer).Msg("incoming call")
		if !o.autoAnswer {
			return
		}
		go func() {
			if err := s.Accept(gctx); err != nil {
				log.Warn().Err(err).Str("module", "dialer").Str("call_id", string(s.ID())).Msg("accept failed")
			}
		}()
	})

	if o.callee != "" {
		g.Go(func() error {
			remote := domain.IdentityID(o.callee)
			if !waitReachable(gctx, t.presence, remote, 10*time.Second) {
				return fmt.Errorf("%s: %w", remote, call.ErrRecipientUnreachable)
			}
			kind := domain.MediaAudio
			if o.video {
				kind = domain.MediaVideo
			}
			s, err := mgr.StartCall(gctx, remote, kind)
			if err != nil {
				return err
			}
			select {
			case <-gctx.Done():
				s.End()
			case <-s.Done():
			}
			// A placed call ends the run.
			return errCallDone
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errCallDone) {
		return err
	}
	return nil
}
