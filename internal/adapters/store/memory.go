package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/rs/zerolog/log"
)

type candKey struct {
	id   domain.SessionID
	role domain.Role
}

// Memory is an in-process store. Every subscriber gets its own FIFO, so
// updates of one record are observed in write order.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   uint64
	sessions map[domain.SessionID]*domain.Session
	cands    map[candKey][]domain.Candidate
	subs     map[domain.SessionID]map[uint64]*core.Dispatcher[*domain.Session]
	candSubs map[candKey]map[uint64]*core.Dispatcher[domain.Candidate]
	callee   map[domain.UserID]map[uint64]*core.Dispatcher[calleeEvent]
	missed   []domain.MissedCall
	users    map[domain.UserID]domain.User
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		sessions: make(map[domain.SessionID]*domain.Session),
		cands:    make(map[candKey][]domain.Candidate),
		subs:     make(map[domain.SessionID]map[uint64]*core.Dispatcher[*domain.Session]),
		candSubs: make(map[candKey]map[uint64]*core.Dispatcher[domain.Candidate]),
		callee:   make(map[domain.UserID]map[uint64]*core.Dispatcher[calleeEvent]),
		users:    make(map[domain.UserID]domain.User),
	}
}

var errClosed = errors.New("store closed")

func (m *Memory) Get(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.WrapTransport("get", errClosed)
	}
	return m.sessions[id].Clone(), nil
}

func (m *Memory) Publish(ctx context.Context, id domain.SessionID, patch domain.Patch) (*domain.Session, error) {
	return m.Update(ctx, id, func(*domain.Session) (domain.Patch, error) { return patch, nil })
}

func (m *Memory) Update(ctx context.Context, id domain.SessionID, fn core.UpdateFunc) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapTransport("update", err)
	}
	defer observe("update")()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.WrapTransport("update", errClosed)
	}
	cur := m.sessions[id]
	patch, err := fn(cur.Clone())
	if errors.Is(err, core.ErrNoChange) {
		return cur.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	next, err := patch.Apply(id, cur, m.now())
	if err != nil {
		return nil, err
	}
	if cur != nil && next.UpdatedAt.Equal(cur.UpdatedAt) {
		// terminal repeat, nothing to fan out
		return next, nil
	}
	m.sessions[id] = next
	m.notifyLocked(id, cur, next)
	log.Debug().Str("module", "store.memory").Str("session", string(id)).Str("status", string(next.Status)).Msg("session written")
	return next.Clone(), nil
}

func (m *Memory) notifyLocked(id domain.SessionID, prev, next *domain.Session) {
	for _, s := range m.subs[id] {
		s.Push(next.Clone())
	}
	for _, callee := range affectedCallees(prev, next) {
		for _, s := range m.callee[callee] {
			s.Push(calleeEvent{id: id, rec: next.Clone()})
		}
	}
}

func (m *Memory) Subscribe(ctx context.Context, id domain.SessionID, fn func(*domain.Session)) (core.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.WrapTransport("subscribe", errClosed)
	}
	sub := core.NewDispatcher(fn)
	if cur := m.sessions[id]; cur != nil {
		sub.Push(cur.Clone())
	}
	m.nextID++
	key := m.nextID
	if m.subs[id] == nil {
		m.subs[id] = make(map[uint64]*core.Dispatcher[*domain.Session])
	}
	m.subs[id][key] = sub
	return m.unsubscriber(ctx, sub.Close, func() { delete(m.subs[id], key) }), nil
}

func (m *Memory) SubscribeCallee(ctx context.Context, callee domain.UserID, fn func(domain.SessionID, *domain.Session)) (core.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.WrapTransport("subscribe", errClosed)
	}
	sub := core.NewDispatcher(func(ev calleeEvent) { fn(ev.id, ev.rec) })
	for id, rec := range m.sessions {
		if rec.CalleeID == callee {
			sub.Push(calleeEvent{id: id, rec: rec.Clone()})
		}
	}
	m.nextID++
	key := m.nextID
	if m.callee[callee] == nil {
		m.callee[callee] = make(map[uint64]*core.Dispatcher[calleeEvent])
	}
	m.callee[callee][key] = sub
	return m.unsubscriber(ctx, sub.Close, func() { delete(m.callee[callee], key) }), nil
}

func (m *Memory) AppendCandidate(ctx context.Context, id domain.SessionID, role domain.Role, c domain.Candidate) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapTransport("appendCandidate", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.WrapTransport("appendCandidate", errClosed)
	}
	k := candKey{id, role}
	m.cands[k] = append(m.cands[k], c)
	for _, s := range m.candSubs[k] {
		s.Push(c)
	}
	return nil
}

func (m *Memory) SubscribeCandidates(ctx context.Context, id domain.SessionID, role domain.Role, fn func(domain.Candidate)) (core.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.WrapTransport("subscribeCandidates", errClosed)
	}
	k := candKey{id, role}
	sub := core.NewDispatcher(fn)
	for _, c := range m.cands[k] {
		sub.Push(c)
	}
	m.nextID++
	key := m.nextID
	if m.candSubs[k] == nil {
		m.candSubs[k] = make(map[uint64]*core.Dispatcher[domain.Candidate])
	}
	m.candSubs[k][key] = sub
	return m.unsubscriber(ctx, sub.Close, func() { delete(m.candSubs[k], key) }), nil
}

func (m *Memory) DeleteAllCandidates(_ context.Context, id domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.WrapTransport("deleteCandidates", errClosed)
	}
	delete(m.cands, candKey{id, domain.RoleCaller})
	delete(m.cands, candKey{id, domain.RoleCallee})
	return nil
}

func (m *Memory) ListCandidates(_ context.Context, id domain.SessionID, role domain.Role) ([]domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cands[candKey{id, role}]), nil
}

func (m *Memory) DeleteSession(_ context.Context, id domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	m.notifyLocked(id, cur, nil)
	return nil
}

func (m *Memory) ListRinging(_ context.Context, before time.Time) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, rec := range m.sessions {
		if rec.Status == domain.StatusRinging && rec.UpdatedAt.Before(before) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *Memory) RecordMissedCall(_ context.Context, mc domain.MissedCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc.At.IsZero() {
		mc.At = m.now()
	}
	m.missed = append(m.missed, mc)
	return nil
}

func (m *Memory) MissedCalls(_ context.Context, callee domain.UserID) ([]domain.MissedCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MissedCall
	for _, mc := range m.missed {
		if mc.CalleeID == callee {
			out = append(out, mc)
		}
	}
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) PutUser(_ context.Context, u domain.User) error {
	if !u.ID.Valid() {
		return domain.ErrUserIDInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// Close detaches every subscriber; later calls fail with a transport error.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, s := range subs {
			s.Close()
		}
	}
	for _, subs := range m.candSubs {
		for _, s := range subs {
			s.Close()
		}
	}
	for _, subs := range m.callee {
		for _, s := range subs {
			s.Close()
		}
	}
	return nil
}

func (m *Memory) unsubscriber(ctx context.Context, closeSub func(), forget func()) core.Unsubscribe {
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			closeSub()
			m.mu.Lock()
			forget()
			m.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, unsub)
	return unsub
}
