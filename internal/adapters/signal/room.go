package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/app/rooms"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

func (ctl *SignalWSController) handleRoomMessage(h domain.Handle, c *WsSignalConn, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("handle", string(h)).Msg("bad room payload")
		ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomError, Message: wire.MsgBadPayload})
		return
	}
	metrics.RelayMessages.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case wire.TypeCreateRoom:
		ctl.handleCreateRoom(h, c, msg)
	case wire.TypeJoinRoom:
		ctl.handleJoinRoom(h, c, msg)
	case wire.TypeLeaveRoom:
		ctl.leave(ctl.Rooms, h, msg.RoomID, userLeft(h))
	case wire.TypeOffer:
		ctl.relay(h, c, msg.RoomID, "", wire.Message{Type: wire.TypeOffer, Offer: msg.Offer, From: h})
	case wire.TypeAnswer:
		ctl.relay(h, c, msg.RoomID, msg.To, wire.Message{Type: wire.TypeAnswer, Answer: msg.Answer, From: h})
	case wire.TypeICE:
		ctl.relay(h, c, msg.RoomID, msg.To, wire.Message{Type: wire.TypeICE, Candidate: msg.Candidate, From: h})
	case wire.TypePing:
		ctl.handlePing(c)
	case wire.TypeWhoAmI:
		ctl.handleWhoAmI(h, c)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown room message")
	}
}

func (ctl *SignalWSController) handleCreateRoom(h domain.Handle, c *WsSignalConn, msg wire.Message) {
	if !ctl.Limiter.Allow(h) {
		ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomError, Message: wire.MsgRateLimited})
		return
	}
	ctl.leaveOther(ctl.Rooms, h, msg.RoomID, userLeft(h))

	room, err := ctl.Rooms.CreateRoom(h, msg.RoomID)
	if err != nil {
		ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomError, RoomID: msg.RoomID, Message: errorText(err)})
		return
	}
	ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomCreated, RoomID: room.ID})
}

func (ctl *SignalWSController) handleJoinRoom(h domain.Handle, c *WsSignalConn, msg wire.Message) {
	ctl.leaveOther(ctl.Rooms, h, msg.RoomID, userLeft(h))

	room, err := ctl.Rooms.JoinRoom(h, msg.RoomID)
	if err != nil {
		ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomError, RoomID: msg.RoomID, Message: errorText(err)})
		return
	}
	ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomJoined, RoomID: room.ID, Participants: room.Participants})
	if err := ctl.Rooms.Relay(h, room.ID, "", encode(wire.Message{Type: wire.TypeUserJoined, ID: h})); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("room", string(room.ID)).Msg("user-joined fan-out")
	}
}

func (ctl *SignalWSController) relay(h domain.Handle, c *WsSignalConn, id domain.RoomID, to domain.Handle, out wire.Message) {
	if err := ctl.Rooms.Relay(h, id, to, encode(out)); err != nil {
		ctl.sendJSON(c, wire.Message{Type: wire.TypeRoomError, RoomID: id, Message: errorText(err)})
	}
}

// leave removes h from id and tells the remaining members with note, if
// it has a type.
func (ctl *SignalWSController) leave(o *orch.Orchestrator, h domain.Handle, id domain.RoomID, note wire.Message) {
	rest, left := o.LeaveRoom(h, id)
	if left && note.Type != "" {
		o.SendAll(rest, h, encode(note))
	}
}

// leaveOther announces the implicit leave of a room other than target.
func (ctl *SignalWSController) leaveOther(o *orch.Orchestrator, h domain.Handle, target domain.RoomID, note wire.Message) {
	if cur, ok := o.Rooms.RoomOf(h); ok && cur != target {
		ctl.leave(o, h, cur, note)
	}
}

func (ctl *SignalWSController) disconnectRoom(h domain.Handle, c *WsSignalConn) {
	ctl.Limiter.Forget(h)
	id, rest, left := ctl.Rooms.Disconnect(h, c)
	if !left {
		return
	}
	log.Info().Str("module", "signal").Str("handle", string(h)).Str("room", string(id)).Msg("disconnected from room")
	ctl.Rooms.SendAll(rest, h, encode(userLeft(h)))
}

func userLeft(h domain.Handle) wire.Message {
	return wire.Message{Type: wire.TypeUserLeft, ID: h}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomExists):
		return wire.MsgRoomExists
	case errors.Is(err, domain.ErrRoomNotFound):
		return wire.MsgRoomNotFound
	case errors.Is(err, domain.ErrRoomFull):
		return wire.MsgRoomFull
	case errors.Is(err, rooms.ErrNotMember):
		return wire.MsgNotInRoom
	default:
		return err.Error()
	}
}
