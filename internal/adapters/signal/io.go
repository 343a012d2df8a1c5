package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/domain"
)

const defaultReadLimit = 64 << 10

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	defer c.Close()
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
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

func (ctl *SignalWSController) readPump(ctx context.Context, h domain.Handle, c *WsSignalConn, handle messageHandler) {
	defer func() {
		log.Info().Str("module", "signal").Str("handle", string(h)).Msg("readPump closing")
		c.Close()
	}()
	limit := ctl.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.conn.SetReadLimit(limit)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("handle", string(h)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("handle", string(h)).Msg("readPump read error")
				}
				return
			}
			handle(h, c, data)
		}
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, m wire.Message) {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func encode(m wire.Message) []byte {
	b, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", m.Type).Msg("encode")
	}
	return b
}
