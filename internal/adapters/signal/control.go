package signal

import (
	"github.com/dkeye/Call/internal/adapters/wire"
)

// handlePing doubles as the application heartbeat.
func (ctl *SignalWSController) handlePing(cl *client) {
	if id, _ := cl.joined(); id != nil {
		_ = ctl.Presence.Heartbeat(id.ID)
	}
	ctl.sendJSON(cl.conn, wire.Message{Type: wire.TypePong})
}
