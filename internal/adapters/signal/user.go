package signal

import (
	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/domain"
)

func (ctl *SignalWSController) handleWhoAmI(h domain.Handle, conn *WsSignalConn) {
	resp := wire.Message{Type: wire.TypeWhoAmI, ID: h}
	if id, ok := ctl.Rooms.Rooms.RoomOf(h); ok {
		resp.RoomID = id
	}
	ctl.sendJSON(conn, resp)
}
