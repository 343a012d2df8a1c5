package rooms

import (
	"slices"

	"github.com/dkeye/callsig/internal/domain"
)

// room state is touched only inside ops run by its goroutine.
type room struct {
	id   domain.RoomID
	ops  chan func()
	done chan struct{}

	members []domain.Participant
	deleted bool
}

func (r *room) run(stop <-chan struct{}) {
	defer close(r.done)
	for {
		select {
		case <-stop:
			return
		case op := <-r.ops:
			op()
			if r.deleted {
				return
			}
		}
	}
}

// do runs op on the room goroutine and waits for it. It reports false if
// the goroutine already exited.
func (r *room) do(op func()) bool {
	finished := make(chan struct{})
	select {
	case r.ops <- func() { op(); close(finished) }:
		<-finished
		return true
	case <-r.done:
		return false
	}
}

func (r *room) index(h domain.Handle) int {
	return slices.IndexFunc(r.members, func(p domain.Participant) bool { return p.Handle == h })
}

func (r *room) snapshot() domain.Room {
	return domain.Room{ID: r.id, Participants: slices.Clone(r.members)}
}
