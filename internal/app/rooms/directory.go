// Package rooms is the room directory of the broadcast relay. Each room is
// owned by one goroutine which serializes membership and fan-out; the
// directory lock only guards the id and handle indexes.
package rooms

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

var (
	ErrNotMember = errors.New("not a member of the room")
	ErrClosed    = errors.New("directory closed")
)

// PublishResult reports a fan-out. Dropped members could not take the
// message and are left to the caller's backpressure policy.
type PublishResult struct {
	SentTo  int
	Dropped []domain.Handle
}

type Directory struct {
	capacity int

	mu       sync.Mutex
	rooms    map[domain.RoomID]*room
	byHandle map[domain.Handle]domain.RoomID
	stop     chan struct{}
	closed   bool
}

// NewDirectory returns an empty directory. capacity bounds the members of
// every room; zero means unbounded.
func NewDirectory(capacity int) *Directory {
	return &Directory{
		capacity: capacity,
		rooms:    make(map[domain.RoomID]*room),
		byHandle: make(map[domain.Handle]domain.RoomID),
		stop:     make(chan struct{}),
	}
}

// Create makes a room with h as its initiator. A handle already in another
// room leaves it first.
func (d *Directory) Create(id domain.RoomID, h domain.Handle) (domain.Room, error) {
	if !id.Valid() {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	d.leaveOther(h, id)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.Room{}, ErrClosed
	}
	if _, ok := d.rooms[id]; ok {
		return domain.Room{}, domain.ErrRoomExists
	}
	r := &room{
		id:      id,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		members: []domain.Participant{{Handle: h, IsInitiator: true}},
	}
	snap := r.snapshot()
	d.rooms[id] = r
	d.byHandle[h] = id
	go r.run(d.stop)

	metrics.RelayRooms.Inc()
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("handle", string(h)).Msg("room created")
	return snap, nil
}

// Join adds h to an existing room. Joining a room that is being deleted
// fails with domain.ErrRoomNotFound, never resurrects it.
func (d *Directory) Join(id domain.RoomID, h domain.Handle) (domain.Room, error) {
	d.leaveOther(h, id)
	r := d.lookup(id)
	if r == nil {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	var (
		snap domain.Room
		err  error
	)
	ok := r.do(func() {
		if r.deleted {
			err = domain.ErrRoomNotFound
			return
		}
		if r.index(h) < 0 {
			if d.capacity > 0 && len(r.members) >= d.capacity {
				err = domain.ErrRoomFull
				return
			}
			r.members = append(r.members, domain.Participant{Handle: h})
			d.mu.Lock()
			d.byHandle[h] = id
			d.mu.Unlock()
			log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("handle", string(h)).Int("members", len(r.members)).Msg("member joined")
		}
		snap = r.snapshot()
	})
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return snap, err
}

// Leave removes h from the room and deletes the room when it empties.
// It returns the members left behind; leaving a room one is not in is a
// no-op reporting false.
func (d *Directory) Leave(id domain.RoomID, h domain.Handle) ([]domain.Participant, bool) {
	r := d.lookup(id)
	if r == nil {
		return nil, false
	}
	var (
		rest []domain.Participant
		left bool
	)
	r.do(func() {
		i := r.index(h)
		if r.deleted || i < 0 {
			return
		}
		left = true
		r.members = slices.Delete(r.members, i, i+1)
		rest = slices.Clone(r.members)

		d.mu.Lock()
		if d.byHandle[h] == id {
			delete(d.byHandle, h)
		}
		if len(r.members) == 0 {
			// deletion is atomic with the membership check: any join
			// queued behind this op sees deleted
			r.deleted = true
			delete(d.rooms, id)
		}
		d.mu.Unlock()

		log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("handle", string(h)).Int("members", len(r.members)).Msg("member left")
		if r.deleted {
			metrics.RelayRooms.Dec()
			log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room deleted")
		}
	})
	return rest, left
}

// Disconnect leaves whatever room h is in.
func (d *Directory) Disconnect(h domain.Handle) (domain.RoomID, []domain.Participant, bool) {
	id, ok := d.RoomOf(h)
	if !ok {
		return "", nil, false
	}
	rest, left := d.Leave(id, h)
	return id, rest, left
}

// Broadcast hands a message to every member but from via send. With to
// set, only that member is addressed. from must be a member.
func (d *Directory) Broadcast(id domain.RoomID, from, to domain.Handle, send func(domain.Handle) error) (PublishResult, error) {
	r := d.lookup(id)
	if r == nil {
		return PublishResult{}, domain.ErrRoomNotFound
	}
	var (
		res PublishResult
		err error
	)
	ok := r.do(func() {
		if r.deleted {
			err = domain.ErrRoomNotFound
			return
		}
		if r.index(from) < 0 {
			err = ErrNotMember
			return
		}
		for _, m := range r.members {
			if m.Handle == from || (to != "" && m.Handle != to) {
				continue
			}
			if send(m.Handle) != nil {
				res.Dropped = append(res.Dropped, m.Handle)
				continue
			}
			res.SentTo++
		}
	})
	if !ok {
		return PublishResult{}, domain.ErrRoomNotFound
	}
	log.Debug().Str("module", "app.rooms").Str("room", string(id)).Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res, err
}

// Get returns a snapshot of a live room.
func (d *Directory) Get(id domain.RoomID) (domain.Room, bool) {
	r := d.lookup(id)
	if r == nil {
		return domain.Room{}, false
	}
	var (
		snap domain.Room
		live bool
	)
	r.do(func() {
		if !r.deleted {
			snap, live = r.snapshot(), true
		}
	})
	return snap, live
}

// List snapshots every live room, ordered by id.
func (d *Directory) List() []domain.Room {
	d.mu.Lock()
	ids := make([]domain.RoomID, 0, len(d.rooms))
	for id := range d.rooms {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	slices.Sort(ids)

	out := make([]domain.Room, 0, len(ids))
	for _, id := range ids {
		if snap, ok := d.Get(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (d *Directory) RoomOf(h domain.Handle) (domain.RoomID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byHandle[h]
	return id, ok
}

// Close stops every room goroutine. Later calls fail as if rooms were gone.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.stop)
	metrics.RelayRooms.Sub(float64(len(d.rooms)))
	clear(d.rooms)
	clear(d.byHandle)
}

func (d *Directory) lookup(id domain.RoomID) *room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[id]
}

func (d *Directory) leaveOther(h domain.Handle, target domain.RoomID) {
	if cur, ok := d.RoomOf(h); ok && cur != target {
		d.Leave(cur, h)
	}
}
