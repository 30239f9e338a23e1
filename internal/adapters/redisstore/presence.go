package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func presenceKey(id domain.IdentityID) string { return "presence:" + string(id) }

// Presence keeps one TTL key per reachable identity. A key that expired is an
// identity that stopped heartbeating, so liveness needs no sweeper.
type Presence struct {
	rdb redis.Cmdable
	ttl time.Duration
	// QueryTimeout bounds the lookups behind Query.
	QueryTimeout time.Duration
	Now          func() time.Time
}

func NewPresence(rdb redis.Cmdable, ttl time.Duration) *Presence {
	return &Presence{rdb: rdb, ttl: ttl, QueryTimeout: 2 * time.Second, Now: time.Now}
}

// Put stores rec as reachable and restarts its TTL.
func (p *Presence) Put(ctx context.Context, rec domain.PresenceRecord) error {
	if err := domain.ValidateIdentityID(rec.Identity); err != nil {
		return err
	}
	if rec.Status == "" || rec.Status == domain.StatusOffline {
		rec.Status = domain.StatusOnline
	}
	rec.Reachable = true
	rec.LastSeenAt = p.Now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, presenceKey(rec.Identity), string(b), p.ttl).Err()
}

func (p *Presence) Withdraw(ctx context.Context, id domain.IdentityID) error {
	return p.rdb.Del(ctx, presenceKey(id)).Err()
}

// Get returns false when the key is missing or expired.
func (p *Presence) Get(ctx context.Context, id domain.IdentityID) (domain.PresenceRecord, bool, error) {
	raw, err := p.rdb.Get(ctx, presenceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PresenceRecord{}, false, nil
	}
	if err != nil {
		return domain.PresenceRecord{}, false, err
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.PresenceRecord{}, false, err
	}
	return rec, true, nil
}

// Query satisfies core.PresenceReader. Lookup errors read as unknown.
func (p *Presence) Query(id domain.IdentityID) (domain.PresenceRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.QueryTimeout)
	defer cancel()
	rec, ok, err := p.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("identity", string(id)).Msg("presence lookup")
		return domain.PresenceRecord{}, false
	}
	return rec, ok
}

// Keepalive re-puts rec every interval and withdraws it when ctx is done.
// status, when set, is read before every put so status changes propagate.
func (p *Presence) Keepalive(ctx context.Context, rec domain.PresenceRecord, interval time.Duration, status func() domain.Status) error {
	put := func() {
		if status != nil {
			rec.Status = status()
		}
		if err := p.Put(ctx, rec); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "redisstore").Str("identity", string(rec.Identity)).Msg("presence put")
		}
	}
	put()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wctx, cancel := context.WithTimeout(context.Background(), p.QueryTimeout)
			defer cancel()
			return p.Withdraw(wctx, rec.Identity)
		case <-t.C:
			put()
		}
	}
}
