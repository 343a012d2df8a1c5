// Package orch ties relay connections to the room directory: it owns the
// membership side of the relay and applies the backpressure policy.
package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/rooms"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *rooms.Directory
	Policy   app.Policy
}

func New(reg *app.Registry, dir *rooms.Directory, policy app.Policy) *Orchestrator {
	return &Orchestrator{Registry: reg, Rooms: dir, Policy: policy}
}

// Relay forwards f from a member to the rest of its room, or only to to
// when set.
func (o *Orchestrator) Relay(from domain.Handle, id domain.RoomID, to domain.Handle, f core.Frame) error {
	res, err := o.Rooms.Broadcast(id, from, to, func(h domain.Handle) error {
		conn, ok := o.Registry.Conn(h)
		if !ok {
			return rooms.ErrNotMember
		}
		return conn.TrySend(f)
	})
	if err != nil {
		return err
	}
	o.onDropped(id, res.Dropped)
	return nil
}

// Send delivers f to one connection.
func (o *Orchestrator) Send(h domain.Handle, f core.Frame) {
	conn, ok := o.Registry.Conn(h)
	if !ok {
		return
	}
	if err := conn.TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", string(h)).Msg("send failed")
	}
}

// SendAll delivers f to each participant except skip.
func (o *Orchestrator) SendAll(ps []domain.Participant, skip domain.Handle, f core.Frame) {
	for _, p := range ps {
		if p.Handle != skip {
			o.Send(p.Handle, f)
		}
	}
}

func (o *Orchestrator) onDropped(id domain.RoomID, dropped []domain.Handle) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(id, slow) {
		case app.KickMember:
			metrics.RelayKicks.Inc()
			log.Warn().Str("module", "orch").Str("room", string(id)).Str("handle", string(slow)).Msg("kicking slow member")
			o.Kick(slow)
		case app.DropFrame, app.NoAction:
		}
	}
}
