package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

// The raw protocol addresses rooms by "room" and has no acknowledgements:
// a join is forwarded to the peer already waiting, everything else is
// relayed to the other member as is.
func (ctl *SignalWSController) handlePairMessage(h domain.Handle, c *WsSignalConn, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		ctl.sendJSON(c, wire.Message{Type: wire.TypeError, Message: wire.MsgBadPayload})
		return
	}
	metrics.RelayMessages.WithLabelValues("pair." + msg.Type).Inc()

	switch msg.Type {
	case wire.TypeJoin:
		ctl.handlePairJoin(h, c, msg)
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeCandidate:
		out := wire.Message{
			Type:      msg.Type,
			Room:      msg.Room,
			Offer:     msg.Offer,
			Answer:    msg.Answer,
			Candidate: msg.Candidate,
		}
		if err := ctl.Pairs.Relay(h, msg.Room, "", encode(out)); err != nil {
			ctl.sendJSON(c, wire.Message{Type: wire.TypeError, Room: msg.Room, Message: errorText(err)})
		}
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown pair message")
	}
}

func (ctl *SignalWSController) handlePairJoin(h domain.Handle, c *WsSignalConn, msg wire.Message) {
	ctl.leaveOther(ctl.Pairs, h, msg.Room, wire.Message{})
	room, err := ctl.Pairs.JoinOrCreate(h, msg.Room)
	if err != nil {
		ctl.sendJSON(c, wire.Message{Type: wire.TypeError, Room: msg.Room, Message: errorText(err)})
		return
	}
	if len(room.Participants) > 1 {
		_ = ctl.Pairs.Relay(h, room.ID, "", encode(wire.Message{Type: wire.TypeJoin, Room: room.ID, From: h}))
	}
}

func (ctl *SignalWSController) disconnectPair(h domain.Handle, c *WsSignalConn) {
	id, _, left := ctl.Pairs.Disconnect(h, c)
	if left {
		log.Info().Str("module", "signal").Str("handle", string(h)).Str("room", string(id)).Msg("left pair room")
	}
}
