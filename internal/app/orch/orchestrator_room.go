package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

// Connect binds a new connection. A previous connection of the same
// handle is kicked.
func (o *Orchestrator) Connect(h domain.Handle, conn core.SignalConn, cancel context.CancelFunc) {
	if prev := o.Registry.Bind(h, conn, cancel); prev != nil {
		log.Info().Str("module", "orch").Str("handle", string(h)).Msg("replacing previous connection")
		prev()
	}
}

func (o *Orchestrator) CreateRoom(h domain.Handle, id domain.RoomID) (domain.Room, error) {
	if id == "" {
		id = domain.NewRoomID()
	}
	return o.Rooms.Create(id, h)
}

func (o *Orchestrator) JoinRoom(h domain.Handle, id domain.RoomID) (domain.Room, error) {
	return o.Rooms.Join(id, h)
}

// JoinOrCreate joins id, creating it when it does not exist yet.
func (o *Orchestrator) JoinOrCreate(h domain.Handle, id domain.RoomID) (domain.Room, error) {
	for {
		room, err := o.Rooms.Join(id, h)
		if !errors.Is(err, domain.ErrRoomNotFound) {
			return room, err
		}
		room, err = o.Rooms.Create(id, h)
		if !errors.Is(err, domain.ErrRoomExists) {
			return room, err
		}
		// lost a create race, join the winner's room
	}
}

// LeaveRoom removes h from id and returns who is left to be told.
func (o *Orchestrator) LeaveRoom(h domain.Handle, id domain.RoomID) ([]domain.Participant, bool) {
	return o.Rooms.Leave(id, h)
}

// Disconnect is the implicit leave of a closing connection. It does
// nothing when conn was already replaced by a newer connection of h.
func (o *Orchestrator) Disconnect(h domain.Handle, conn core.SignalConn) (domain.RoomID, []domain.Participant, bool) {
	if !o.Registry.Unbind(h, conn) {
		return "", nil, false
	}
	return o.Rooms.Disconnect(h)
}

// Kick cancels the connection of h; its read loop then disconnects it.
func (o *Orchestrator) Kick(h domain.Handle) {
	o.Registry.Cancel(h)
}
