package signal

import (
	"errors"

	"github.com/dkeye/Call/internal/adapters/wire"
	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

var errUnauthorized = errors.New("unauthorized")

// resolveIdentity prefers a verified token, then the cookie session, then a
// self-declared identity when anonymous joins are allowed.
func (ctl *SignalWSController) resolveIdentity(cl *client, m wire.Message) (domain.Identity, error) {
	if m.Token != "" {
		if ctl.Verifier == nil {
			return domain.Identity{}, errUnauthorized
		}
		return ctl.Verifier.Verify(m.Token)
	}
	if cl.preset != nil {
		return *cl.preset, nil
	}
	if !ctl.opts.AllowAnonymous {
		return domain.Identity{}, errUnauthorized
	}
	id, err := domain.NewIdentity(string(m.Identity), m.DisplayName)
	if err != nil {
		return domain.Identity{}, err
	}
	return *id, nil
}

func (ctl *SignalWSController) handleJoin(cl *client, m wire.Message) {
	if id, _ := cl.joined(); id != nil {
		ctl.sendJSON(cl.conn, wire.Errorf("already joined as %s", id.ID))
		return
	}
	id, err := ctl.resolveIdentity(cl, m)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("join refused")
		ctl.sendJSON(cl.conn, wire.Errorf("join: %v", err))
		return
	}

	sig, err := ctl.Hub.Connect(id.ID)
	if err != nil {
		ctl.sendJSON(cl.conn, wire.Errorf("join: %v", err))
		return
	}
	conn := cl.conn
	sig.OnReceive(func(env domain.Envelope) {
		ev, err := wire.Event(env)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("kind", string(env.Kind)).Msg("undeliverable envelope")
			return
		}
		ctl.sendJSON(conn, ev)
	})

	cl.mu.Lock()
	cl.identity = &id
	cl.sig = sig
	cl.mu.Unlock()

	ctl.Presence.Announce(id.ID, id.DisplayName)
	log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Str("identity", string(id.ID)).Msg("joined")

	ctl.sendJSON(cl.conn, wire.Message{Type: wire.TypeJoined, Identity: id.ID, DisplayName: id.DisplayName})
	ctl.sendJSON(cl.conn, wire.Message{Type: wire.TypeOnlineUsers, Users: ctl.onlineExcept(id.ID)})
}

func (ctl *SignalWSController) onlineExcept(self domain.IdentityID) []domain.PresenceRecord {
	all := ctl.Presence.QueryAll()
	out := make([]domain.PresenceRecord, 0, len(all))
	for _, rec := range all {
		if rec.Reachable && rec.Identity != self {
			out = append(out, rec)
		}
	}
	return out
}

// handleLeave withdraws at once; the connection stays open and may join again.
func (ctl *SignalWSController) handleLeave(cl *client) {
	cl.mu.Lock()
	id, sig := cl.identity, cl.sig
	cl.identity, cl.sig = nil, nil
	cl.mu.Unlock()
	if id == nil {
		return
	}
	ctl.Presence.Withdraw(id.ID)
	ctl.limiter.Forget(id.ID)
	if sig != nil {
		sig.Close()
	}
	log.Info().Str("module", "signal").Str("identity", string(id.ID)).Msg("left")
}

func (ctl *SignalWSController) handleUpdatePresence(cl *client, m wire.Message) {
	id, _ := cl.joined()
	if id == nil {
		ctl.sendJSON(cl.conn, wire.Errorf("not joined"))
		return
	}
	if err := ctl.Presence.UpdateStatus(id.ID, m.Status); err != nil {
		ctl.sendJSON(cl.conn, wire.Errorf("update-presence: %v", err))
	}
}

func (ctl *SignalWSController) handleActivity(cl *client) {
	if id, _ := cl.joined(); id != nil {
		ctl.Presence.Activity(id.ID)
	}
}

func (ctl *SignalWSController) handleVisibility(cl *client, m wire.Message) {
	id, _ := cl.joined()
	if id == nil || m.Visible == nil {
		return
	}
	ctl.Presence.SetVisible(id.ID, *m.Visible)
}
