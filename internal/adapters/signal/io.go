package signal

import (
	"context"
	"time"

	"github.com/dkeye/Call/internal/adapters/wire"
	"github.com/dkeye/Call/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump closing")
		ctl.disconnect(cl)
	}()

	ws := cl.conn.conn
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(ctl.opts.PongWait)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump read error")
				}
				return
			}
			extend()
			ctl.handleSignal(cl, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(cl *client, data []byte) {
	m, err := wire.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(cl.conn, wire.Errorf("bad_payload"))
		return
	}

	switch m.Type {
	case wire.TypeJoin:
		ctl.handleJoin(cl, m)
	case wire.TypeLeave:
		ctl.handleLeave(cl)
	case wire.TypePing:
		ctl.handlePing(cl)
	case wire.TypeUpdatePresence:
		ctl.handleUpdatePresence(cl, m)
	case wire.TypeActivity:
		ctl.handleActivity(cl)
	case wire.TypeVisibility:
		ctl.handleVisibility(cl, m)
	case wire.TypeCallUser, wire.TypeAnswerCall, wire.TypeICECandidate, wire.TypeEndCall, wire.TypeMediaState:
		ctl.handleRelay(cl, m)
	default:
		log.Warn().Str("module", "signal").Str("type", m.Type).Msg("unknown signal")
		ctl.sendJSON(cl.conn, wire.Errorf("unknown type %q", m.Type))
	}
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", m.Type).Msg("sendJSON drop")
	}
}
