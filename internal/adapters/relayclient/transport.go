package relayclient

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

func (c *Client) Get(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.WrapTransport("get", ErrClosed)
	}
	if id != domain.SessionID(c.room) {
		return nil, nil
	}
	return c.mirror.Clone(), nil
}

func (c *Client) Publish(ctx context.Context, id domain.SessionID, patch domain.Patch) (*domain.Session, error) {
	return c.Update(ctx, id, func(*domain.Session) (domain.Patch, error) { return patch, nil })
}

// Update merges into the mirror and relays what the peer must learn: a new
// offer, an answer addressed to the caller, or a leave once the record
// turns terminal.
func (c *Client) Update(ctx context.Context, id domain.SessionID, fn core.UpdateFunc) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapTransport("update", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.WrapTransport("update", ErrClosed)
	}
	if c.room == "" || id != domain.SessionID(c.room) {
		return nil, domain.WrapTransport("update", ErrNoRoom)
	}

	cur := c.mirror
	patch, err := fn(cur.Clone())
	if errors.Is(err, core.ErrNoChange) {
		return cur.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	next, err := patch.Apply(id, cur, c.now())
	if err != nil {
		return nil, err
	}
	if cur != nil && next.UpdatedAt.Equal(cur.UpdatedAt) {
		return next, nil
	}
	if err := c.emitLocked(cur, next, patch); err != nil {
		return nil, err
	}
	c.commitLocked(cur, next)
	return next.Clone(), nil
}

func (c *Client) emitLocked(cur, next *domain.Session, patch domain.Patch) error {
	if patch.Offer != nil {
		raw, err := wire.Raw(patch.Offer)
		if err != nil {
			return err
		}
		if err := c.write(wire.Message{Type: wire.TypeOffer, RoomID: c.room, Offer: raw}); err != nil {
			return err
		}
	}
	if patch.Answer != nil {
		raw, err := wire.Raw(patch.Answer)
		if err != nil {
			return err
		}
		msg := wire.Message{Type: wire.TypeAnswer, RoomID: c.room, To: domain.Handle(next.CallerID), Answer: raw}
		if err := c.write(msg); err != nil {
			return err
		}
	}
	if next.Status.Terminal() && (cur == nil || !cur.Status.Terminal()) {
		return c.write(wire.Message{Type: wire.TypeLeaveRoom, RoomID: c.room})
	}
	return nil
}

func (c *Client) commitLocked(prev, next *domain.Session) {
	c.mirror = next
	for _, s := range c.recSubs {
		if s.id == next.ID {
			s.d.Push(next.Clone())
		}
	}
	for _, s := range c.calleeSubs {
		if (prev != nil && prev.CalleeID == s.callee) || next.CalleeID == s.callee {
			s.d.Push(calleeEvent{id: next.ID, rec: next.Clone()})
		}
	}
}

func (c *Client) Subscribe(ctx context.Context, id domain.SessionID, fn func(*domain.Session)) (core.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.WrapTransport("subscribe", ErrClosed)
	}
	d := core.NewDispatcher(fn)
	if c.mirror != nil && c.mirror.ID == id {
		d.Push(c.mirror.Clone())
	}
	c.nextID++
	key := c.nextID
	c.recSubs[key] = recSub{id: id, d: d}
	return c.unsubscriber(ctx, d.Close, func() { delete(c.recSubs, key) }), nil
}

func (c *Client) SubscribeCallee(ctx context.Context, callee domain.UserID, fn func(domain.SessionID, *domain.Session)) (core.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.WrapTransport("subscribe", ErrClosed)
	}
	d := core.NewDispatcher(func(ev calleeEvent) { fn(ev.id, ev.rec) })
	if c.mirror != nil && c.mirror.CalleeID == callee {
		d.Push(calleeEvent{id: c.mirror.ID, rec: c.mirror.Clone()})
	}
	c.nextID++
	key := c.nextID
	c.calleeSubs[key] = calleeSub{callee: callee, d: d}
	return c.unsubscriber(ctx, d.Close, func() { delete(c.calleeSubs, key) }), nil
}

func (c *Client) AppendCandidate(ctx context.Context, id domain.SessionID, _ domain.Role, cand domain.Candidate) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapTransport("appendCandidate", err)
	}
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" || id != domain.SessionID(room) {
		return domain.WrapTransport("appendCandidate", ErrNoRoom)
	}
	raw, err := wire.Raw(cand)
	if err != nil {
		return err
	}
	return c.write(wire.Message{Type: wire.TypeICE, RoomID: room, Candidate: raw})
}

func (c *Client) SubscribeCandidates(ctx context.Context, id domain.SessionID, role domain.Role, fn func(domain.Candidate)) (core.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.WrapTransport("subscribeCandidates", ErrClosed)
	}
	d := core.NewDispatcher(fn)
	if id == domain.SessionID(c.room) {
		for _, cand := range c.cands[role] {
			d.Push(cand)
		}
	}
	c.nextID++
	key := c.nextID
	c.candSubs[key] = candSub{id: id, role: role, d: d}
	return c.unsubscriber(ctx, d.Close, func() { delete(c.candSubs, key) }), nil
}

// DeleteAllCandidates forgets the candidates relayed so far; the relay
// itself keeps none.
func (c *Client) DeleteAllCandidates(_ context.Context, id domain.SessionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == domain.SessionID(c.room) {
		c.cands = make(map[domain.Role][]domain.Candidate)
	}
	return nil
}

func (c *Client) remoteOfferLocked(msg wire.Message) {
	var offer domain.Description
	if err := json.Unmarshal(msg.Offer, &offer); err != nil || c.room == "" {
		c.log.Warn().Err(err).Str("from", string(msg.From)).Msg("dropping offer")
		return
	}
	caller := domain.UserID(msg.From)
	kind := kindOf(offer.SDP)
	ringing := domain.StatusRinging
	c.applyRemoteLocked("offer", domain.Patch{
		Reset:    true,
		CallerID: &caller,
		CalleeID: &c.self,
		Kind:     &kind,
		Status:   &ringing,
		Offer:    &offer,
	})
}

func (c *Client) remoteAnswerLocked(msg wire.Message) {
	var ans domain.Description
	if err := json.Unmarshal(msg.Answer, &ans); err != nil || c.mirror == nil {
		c.log.Warn().Err(err).Str("from", string(msg.From)).Msg("dropping answer")
		return
	}
	answered := domain.StatusAnswered
	c.applyRemoteLocked("answer", domain.Patch{Answer: &ans, Status: &answered})
}

func (c *Client) remoteCandidateLocked(msg wire.Message) {
	var cand domain.Candidate
	if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
		c.log.Warn().Err(err).Str("from", string(msg.From)).Msg("dropping candidate")
		return
	}
	role := domain.RoleCaller
	if c.mirror != nil && c.mirror.CalleeID == domain.UserID(msg.From) {
		role = domain.RoleCallee
	}
	id := domain.SessionID(c.room)
	c.cands[role] = append(c.cands[role], cand)
	for _, s := range c.candSubs {
		if s.id == id && s.role == role {
			s.d.Push(cand)
		}
	}
}

// peerLeftLocked ends the mirrored session when its other party leaves.
func (c *Client) peerLeftLocked(h domain.Handle) {
	if c.mirror == nil || c.mirror.Status.Terminal() || !c.mirror.Involves(domain.UserID(h)) {
		return
	}
	c.applyRemoteLocked("userLeft", domain.EndPatch(domain.StatusEnded))
}

func (c *Client) applyRemoteLocked(op string, patch domain.Patch) {
	id := domain.SessionID(c.room)
	next, err := patch.Apply(id, c.mirror, c.now())
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("remote update rejected")
		return
	}
	c.commitLocked(c.mirror, next)
}

func (c *Client) unsubscriber(ctx context.Context, closeSub func(), forget func()) core.Unsubscribe {
	var detached bool
	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if detached {
			return
		}
		detached = true
		closeSub()
		forget()
	}
	context.AfterFunc(ctx, unsub)
	return unsub
}

func kindOf(sdp string) domain.Kind {
	if strings.Contains(sdp, "m=video") {
		return domain.KindVideo
	}
	return domain.KindAudio
}
