package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrBroadcast = errors.New("broadcast is not supported by the poll transport")

const envelopeField = "envelope"

type ChannelOptions struct {
	// MaxLen caps each inbox stream (approximate trimming).
	MaxLen int64
	// Block is how long one XREAD waits for new envelopes.
	Block time.Duration
	Count int64
	// QueueSize bounds envelopes waiting to be written.
	QueueSize int
	// MaxAge drops envelopes sent longer ago than this. Inbox streams outlive
	// the process, so without it a restart replays offers from earlier calls.
	// Zero keeps everything.
	MaxAge time.Duration
}

func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{MaxLen: 1000, Block: 5 * time.Second, Count: 32, QueueSize: 256, MaxAge: 45 * time.Second}
}

// Channel is a core.Signaler over Redis streams. An envelope is consumed by
// deleting it once the handlers ran, so envelopes sent while the recipient was
// not polling are delivered when it starts.
type Channel struct {
	rdb  redis.Cmdable
	self domain.IdentityID
	opts ChannelOptions

	out    chan domain.Envelope
	lastID string
	now    func() time.Time

	mu        sync.RWMutex
	handlers  []core.EnvelopeHandler
	ready     chan struct{}
	readyOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func inboxKey(id domain.IdentityID) string { return "signal:" + string(id) }

func NewChannel(ctx context.Context, rdb redis.Cmdable, self domain.IdentityID, opts ChannelOptions) (*Channel, error) {
	if err := domain.ValidateIdentityID(self); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := newChannel(ctx, rdb, self, opts)
	c.cancel = cancel
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// newChannel builds the channel without its loops.
func newChannel(ctx context.Context, rdb redis.Cmdable, self domain.IdentityID, opts ChannelOptions) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultChannelOptions().QueueSize
	}
	return &Channel{
		rdb:    rdb,
		self:   self,
		opts:   opts,
		out:    make(chan domain.Envelope, opts.QueueSize),
		lastID: "0",
		now:    time.Now,
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: func() {},
	}
}

func (c *Channel) Identity() domain.IdentityID { return c.self }

func (c *Channel) Send(env domain.Envelope) {
	env.From = c.self
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	select {
	case <-c.ctx.Done():
		log.Warn().Str("module", "redisstore").Str("kind", string(env.Kind)).Msg("drop: closed")
		return
	default:
	}
	select {
	case c.out <- env:
	default:
		log.Warn().Str("module", "redisstore").Str("to", string(env.To)).Str("kind", string(env.Kind)).Msg("drop: backpressure")
	}
}

func (c *Channel) OnReceive(fn core.EnvelopeHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		log.Info().Str("module", "redisstore").Str("identity", string(c.self)).Msg("channel closed")
	})
}

func (c *Channel) publish(ctx context.Context, env domain.Envelope) error {
	if env.Broadcast() {
		return ErrBroadcast
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: inboxKey(env.To),
		MaxLen: c.opts.MaxLen,
		Approx: true,
		Values: []any{envelopeField, string(b)},
	}).Err()
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.out:
			if err := c.publish(c.ctx, env); err != nil && c.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "redisstore").Str("to", string(env.To)).Str("kind", string(env.Kind)).Msg("drop")
			}
		}
	}
}

// poll runs one XREAD and consumes what it returned.
func (c *Channel) poll(ctx context.Context) error {
	key := inboxKey(c.self)
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, c.lastID},
		Count:   c.opts.Count,
		Block:   c.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, st := range streams {
		for _, msg := range st.Messages {
			c.lastID = msg.ID
			if env, ok := decodeMessage(msg); ok && c.fresh(env) {
				c.deliver(env)
			}
			if err := c.rdb.XDel(ctx, st.Stream, msg.ID).Err(); err != nil {
				log.Warn().Err(err).Str("module", "redisstore").Str("id", msg.ID).Msg("xdel")
			}
		}
	}
	return nil
}

func decodeMessage(msg redis.XMessage) (domain.Envelope, bool) {
	raw, _ := msg.Values[envelopeField].(string)
	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("id", msg.ID).Msg("bad envelope")
		return domain.Envelope{}, false
	}
	return env, true
}

func (c *Channel) fresh(env domain.Envelope) bool {
	if c.opts.MaxAge <= 0 || env.SentAt.IsZero() {
		return true
	}
	if age := c.now().Sub(env.SentAt); age > c.opts.MaxAge {
		log.Info().Str("module", "redisstore").Str("from", string(env.From)).Str("kind", string(env.Kind)).
			Dur("age", age).Msg("drop: stale")
		return false
	}
	return true
}

func (c *Channel) deliver(env domain.Envelope) {
	c.mu.RLock()
	handlers := make([]core.EnvelopeHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	select {
	case <-c.ctx.Done():
		return
	case <-c.ready:
	}
	backoff := time.Second
	for {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.poll(c.ctx); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "redisstore").Str("identity", string(c.self)).Msg("poll failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}
