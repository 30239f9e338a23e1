package signal

import (
	"github.com/dkeye/Call/internal/adapters/wire"
	"github.com/dkeye/Call/internal/core"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards a call request to its recipient as the joined identity.
func (ctl *SignalWSController) handleRelay(cl *client, m wire.Message) {
	id, sig := cl.joined()
	if sig == nil {
		ctl.sendJSON(cl.conn, wire.Errorf("not joined"))
		return
	}
	// An end-call without a recipient goes to everyone connected.
	if m.To == "" && m.Type != wire.TypeEndCall {
		ctl.sendJSON(cl.conn, wire.Errorf("%s: missing to", m.Type))
		return
	}

	if m.Type == wire.TypeCallUser {
		if m.CallID == "" {
			ctl.sendJSON(cl.conn, wire.Errorf("call-user: missing callId"))
			return
		}
		if !ctl.limiter.Allow(id.ID) {
			log.Warn().Str("module", "signal").Str("identity", string(id.ID)).Msg("call rate limited")
			ctl.sendJSON(cl.conn, wire.Errorf("rate limited"))
			return
		}
		if !core.Reachable(ctl.Presence, m.To) {
			ctl.sendJSON(cl.conn, wire.Message{Type: wire.TypeError, Error: "recipient unreachable", To: m.To, CallID: m.CallID})
			return
		}
	}

	env, err := wire.ParseRequest(id.ID, id.DisplayName, m)
	if err != nil {
		ctl.sendJSON(cl.conn, wire.Errorf("%v", err))
		return
	}
	sig.Send(env)
	_ = ctl.Presence.Heartbeat(id.ID)
}
