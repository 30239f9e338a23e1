// Package presence tracks which identities are reachable for signaling and
// their self-reported status.
package presence

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotAnnounced  = errors.New("identity not announced")
	ErrInvalidStatus = errors.New("invalid status")
)

// Broadcaster receives every presence transition. It runs outside the registry
// lock, so it may query the registry, but it must not block for long.
type Broadcaster func(ev domain.PresenceEvent, rec domain.PresenceRecord)

type Config struct {
	// LivenessTimeout is the heartbeat interval plus grace.
	LivenessTimeout time.Duration
	// DisconnectGrace tolerates brief reconnects after a transport drop.
	DisconnectGrace time.Duration
	// IdleTimeout moves online identities without input activity to away. Zero disables it.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 90 * time.Second,
		DisconnectGrace: 30 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}

type entry struct {
	rec          domain.PresenceRecord
	lastActivity time.Time
	// autoAway is set when away came from the idle or visibility policy,
	// so regaining focus only undoes what the policy did.
	autoAway       bool
	hidden         bool
	disconnectedAt time.Time
}

type event struct {
	ev  domain.PresenceEvent
	rec domain.PresenceRecord
}

type Registry struct {
	cfg Config
	// Now is the clock; tests replace it.
	Now func() time.Time

	// emitMu keeps broadcasts in mutation order without holding mu during them.
	emitMu  sync.Mutex
	mu      sync.RWMutex
	entries map[domain.IdentityID]*entry

	broadcast Broadcaster
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		Now:     time.Now,
		entries: make(map[domain.IdentityID]*entry),
	}
}

// SetBroadcaster installs the transition sink. Safe to call at any time.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.emitMu.Lock()
	r.broadcast = b
	r.emitMu.Unlock()
}

// mutate runs fn under the write lock and broadcasts what it produced, in order.
func (r *Registry) mutate(fn func(now time.Time) []event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	events := fn(r.Now())
	r.mu.Unlock()

	if r.broadcast == nil {
		return
	}
	for _, e := range events {
		r.broadcast(e.ev, e.rec)
	}
}

// Announce registers id as reachable. Announcing an already reachable identity
// only refreshes lastSeenAt and cancels a pending disconnect grace.
func (r *Registry) Announce(id domain.IdentityID, displayName string) {
	r.mutate(func(now time.Time) []event {
		e, ok := r.entries[id]
		if !ok {
			e = &entry{}
			r.entries[id] = e
		}
		e.disconnectedAt = time.Time{}
		e.rec.LastSeenAt = now
		e.lastActivity = now
		if displayName != "" {
			e.rec.DisplayName = displayName
		}
		if ok && e.rec.Reachable {
			return nil
		}
		e.rec.Identity = id
		e.rec.Reachable = true
		e.rec.Status = domain.StatusOnline
		e.autoAway = false
		e.hidden = false
		log.Info().Str("module", "app.presence").Str("identity", string(id)).Msg("announced")
		return []event{{domain.PresenceOnline, e.rec}}
	})
}

// Heartbeat refreshes lastSeenAt without changing status.
func (r *Registry) Heartbeat(id domain.IdentityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.rec.Reachable {
		return ErrNotAnnounced
	}
	e.rec.LastSeenAt = r.Now()
	return nil
}

// UpdateStatus is a no-op when the status is unchanged.
func (r *Registry) UpdateStatus(id domain.IdentityID, status domain.Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	var err error
	r.mutate(func(now time.Time) []event {
		e, ok := r.entries[id]
		if !ok || !e.rec.Reachable {
			err = ErrNotAnnounced
			return nil
		}
		e.rec.LastSeenAt = now
		e.autoAway = false
		if e.rec.Status == status {
			return nil
		}
		e.rec.Status = status
		log.Info().Str("module", "app.presence").Str("identity", string(id)).Str("status", string(status)).Msg("status changed")
		return []event{{domain.PresenceStatus, e.rec}}
	})
	return err
}

// Withdraw marks id unreachable as of now.
func (r *Registry) Withdraw(id domain.IdentityID) {
	r.mutate(func(now time.Time) []event {
		e, ok := r.entries[id]
		if !ok || !e.rec.Reachable {
			return nil
		}
		r.markUnreachable(e, now)
		log.Info().Str("module", "app.presence").Str("identity", string(id)).Msg("withdrawn")
		return []event{{domain.PresenceOffline, e.rec}}
	})
}

func (r *Registry) markUnreachable(e *entry, at time.Time) {
	e.rec.Reachable = false
	e.rec.Status = domain.StatusOffline
	e.rec.LastSeenAt = at
	e.disconnectedAt = time.Time{}
	e.autoAway = false
}

// Disconnected starts the grace period for a transport that dropped without Withdraw.
func (r *Registry) Disconnected(id domain.IdentityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.rec.Reachable {
		return
	}
	e.disconnectedAt = r.Now()
	log.Info().Str("module", "app.presence").Str("identity", string(id)).Msg("disconnected, grace started")
}

// Activity records input activity and undoes an idle away.
func (r *Registry) Activity(id domain.IdentityID) {
	r.mutate(func(now time.Time) []event {
		e, ok := r.entries[id]
		if !ok || !e.rec.Reachable {
			return nil
		}
		e.lastActivity = now
		if e.autoAway && !e.hidden && e.rec.Status == domain.StatusAway {
			e.autoAway = false
			e.rec.Status = domain.StatusOnline
			return []event{{domain.PresenceStatus, e.rec}}
		}
		return nil
	})
}

// SetVisible applies the visibility policy: hiding moves online to away at once,
// showing again restores online only if the policy caused the away.
func (r *Registry) SetVisible(id domain.IdentityID, visible bool) {
	r.mutate(func(now time.Time) []event {
		e, ok := r.entries[id]
		if !ok || !e.rec.Reachable {
			return nil
		}
		e.hidden = !visible
		if !visible {
			if e.rec.Status != domain.StatusOnline {
				return nil
			}
			e.rec.Status = domain.StatusAway
			e.autoAway = true
			return []event{{domain.PresenceStatus, e.rec}}
		}
		e.lastActivity = now
		if e.autoAway && e.rec.Status == domain.StatusAway {
			e.autoAway = false
			e.rec.Status = domain.StatusOnline
			return []event{{domain.PresenceStatus, e.rec}}
		}
		return nil
	})
}

// Sweep applies the time-based policies: disconnect grace, liveness and idle.
func (r *Registry) Sweep() {
	r.mutate(func(now time.Time) []event {
		var out []event
		for id, e := range r.entries {
			if !e.rec.Reachable {
				continue
			}
			switch {
			case !e.disconnectedAt.IsZero() && now.Sub(e.disconnectedAt) >= r.cfg.DisconnectGrace:
				r.markUnreachable(e, e.disconnectedAt)
				log.Info().Str("module", "app.presence").Str("identity", string(id)).Msg("grace elapsed, unreachable")
				out = append(out, event{domain.PresenceOffline, e.rec})
			case r.cfg.LivenessTimeout > 0 && now.Sub(e.rec.LastSeenAt) >= r.cfg.LivenessTimeout:
				r.markUnreachable(e, e.rec.LastSeenAt)
				log.Info().Str("module", "app.presence").Str("identity", string(id)).Msg("liveness expired, unreachable")
				out = append(out, event{domain.PresenceOffline, e.rec})
			case r.cfg.IdleTimeout > 0 && e.rec.Status == domain.StatusOnline && now.Sub(e.lastActivity) >= r.cfg.IdleTimeout:
				e.rec.Status = domain.StatusAway
				e.autoAway = true
				out = append(out, event{domain.PresenceStatus, e.rec})
			}
		}
		slices.SortFunc(out, func(a, b event) int { return strings.Compare(string(a.rec.Identity), string(b.rec.Identity)) })
		return out
	})
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep()
		}
	}
}

// Apply stores rec as-is without broadcasting. Clients use it to mirror the
// server's snapshots.
func (r *Registry) Apply(rec domain.PresenceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[rec.Identity]
	if !ok {
		e = &entry{}
		r.entries[rec.Identity] = e
	}
	e.rec = rec
}

func (r *Registry) Query(id domain.IdentityID) (domain.PresenceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.PresenceRecord{}, false
	}
	return e.rec, true
}

// QueryAll returns a snapshot ordered by identity.
func (r *Registry) QueryAll() []domain.PresenceRecord {
	r.mu.RLock()
	out := make([]domain.PresenceRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.rec)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.PresenceRecord) int {
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return out
}
