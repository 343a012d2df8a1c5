package app

import "github.com/dkeye/callsig/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a relay member that could not take a
// message.
type Policy interface {
	OnBackPressure(room domain.RoomID, member domain.Handle) BackpressureAction
}

// SimplePolicy disconnects slow members; a signaling peer that misses
// messages cannot negotiate anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.Handle) BackpressureAction {
	return KickMember
}
