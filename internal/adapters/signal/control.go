package signal

import "github.com/dkeye/callsig/internal/adapters/signal/wire"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, wire.Message{Type: wire.TypePong})
}
