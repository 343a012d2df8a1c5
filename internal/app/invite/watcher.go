// Package invite keeps the single incoming-call slot of one party: it
// watches every session addressed to the party and presents at most one
// ringing invitation at a time.
package invite

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

var ErrNotRunning = errors.New("watcher not running")

// Reason says why the slot changed.
type Reason string

const (
	ReasonPresented         Reason = "presented"
	ReasonNavigating        Reason = "navigating"
	ReasonEndedRemotely     Reason = "ended-remotely"
	ReasonAnsweredElsewhere Reason = "answered-elsewhere"
	ReasonAnswered          Reason = "answered"
	ReasonDeclined          Reason = "declined"
)

type Invitation struct {
	SessionID  domain.SessionID
	CallerID   domain.UserID
	CalleeID   domain.UserID
	Kind       domain.Kind
	Caller     domain.User
	ReceivedAt time.Time

	createdAt time.Time
}

// Event is one slot change. Cleared is false only when Invitation was
// just presented.
type Event struct {
	Invitation Invitation
	Cleared    bool
	Reason     Reason
}

type Options struct {
	ReconcileInterval time.Duration
	// LookupTimeout bounds reads and the caller lookup.
	LookupTimeout time.Duration
	Buffer        int
}

func (o Options) withDefaults() Options {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Second
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 3 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 16
	}
	return o
}

type (
	recordEvt struct {
		id  domain.SessionID
		rec *domain.Session
	}
	viewingEvt struct{ id domain.SessionID }
	actionEvt  struct {
		reason Reason
		reply  chan actionResult
	}
	currentEvt struct{ reply chan actionResult }
)

type actionResult struct {
	inv Invitation
	ok  bool
}

type Watcher struct {
	local   domain.UserID
	watcher core.SessionWatcher
	getter  core.SessionGetter
	users   core.UserDirectory
	history core.ChatHistory
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	inbox   *core.Inbox[any]
	updates chan Event
	done    chan struct{}

	// owned by Run
	backlog []Event
	slot    *Invitation
	viewing domain.SessionID
	// attempts dismissed locally, keyed by their CreatedAt, so a redelivered
	// ringing record is not presented again
	dismissed map[domain.SessionID]time.Time
}

// New builds a watcher for local. users and history may be nil.
func New(local domain.UserID, watcher core.SessionWatcher, getter core.SessionGetter,
	users core.UserDirectory, history core.ChatHistory, opts Options) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		local:     local,
		watcher:   watcher,
		getter:    getter,
		users:     users,
		history:   history,
		opts:      opts,
		log:       log.With().Str("module", "invite").Str("local", string(local)).Logger(),
		now:       time.Now,
		inbox:     core.NewInbox[any](),
		updates:   make(chan Event, opts.Buffer),
		done:      make(chan struct{}),
		dismissed: make(map[domain.SessionID]time.Time),
	}
}

// Updates delivers slot changes in order. Updates the consumer has not
// taken yet are queued, not dropped. It is closed when Run returns.
func (w *Watcher) Updates() <-chan Event { return w.updates }

// SetViewing records the session the party currently has open; empty
// means none.
func (w *Watcher) SetViewing(id domain.SessionID) { w.inbox.Push(viewingEvt{id: id}) }

// Answer takes the pending invitation for answering. No missed call is
// recorded for it.
func (w *Watcher) Answer(ctx context.Context) (Invitation, bool, error) {
	return w.ask(ctx, actionEvt{reason: ReasonAnswered, reply: make(chan actionResult, 1)})
}

// Decline clears the pending invitation. The decline itself is written
// by the call machine.
func (w *Watcher) Decline(ctx context.Context) (Invitation, bool, error) {
	return w.ask(ctx, actionEvt{reason: ReasonDeclined, reply: make(chan actionResult, 1)})
}

// Current returns the pending invitation, if any.
func (w *Watcher) Current(ctx context.Context) (Invitation, bool, error) {
	reply := make(chan actionResult, 1)
	if !w.inbox.Push(currentEvt{reply: reply}) {
		return Invitation{}, false, ErrNotRunning
	}
	return w.await(ctx, reply)
}

func (w *Watcher) ask(ctx context.Context, ev actionEvt) (Invitation, bool, error) {
	if !w.inbox.Push(ev) {
		return Invitation{}, false, ErrNotRunning
	}
	return w.await(ctx, ev.reply)
}

func (w *Watcher) await(ctx context.Context, reply chan actionResult) (Invitation, bool, error) {
	select {
	case r := <-reply:
		return r.inv, r.ok, nil
	case <-w.done:
		return Invitation{}, false, ErrNotRunning
	case <-ctx.Done():
		return Invitation{}, false, ctx.Err()
	}
}

// Run subscribes to the party's sessions and processes events until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer close(w.updates)
	defer w.inbox.Close()

	unsub, err := w.watcher.SubscribeCallee(ctx, w.local, func(id domain.SessionID, rec *domain.Session) {
		w.inbox.Push(recordEvt{id: id, rec: rec})
	})
	if err != nil {
		return domain.WrapTransport("subscribeCallee", err)
	}
	defer unsub()

	tick := time.NewTicker(w.opts.ReconcileInterval)
	defer tick.Stop()
	w.log.Info().Msg("watching invitations")

	for {
		var (
			out  chan Event
			head Event
		)
		if len(w.backlog) > 0 {
			out, head = w.updates, w.backlog[0]
		}
		select {
		case <-ctx.Done():
			return nil
		case out <- head:
			w.backlog = w.backlog[1:]
		case <-tick.C:
			w.reconcile(ctx)
		case <-w.inbox.Ready():
			for _, ev := range w.inbox.Drain() {
				w.handle(ctx, ev)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case recordEvt:
		w.handleRecord(ctx, ev.id, ev.rec)
	case viewingEvt:
		w.viewing = ev.id
		if w.slot != nil && w.slot.SessionID == ev.id {
			w.dismiss(ReasonNavigating)
		}
	case actionEvt:
		if w.slot == nil {
			ev.reply <- actionResult{}
			return
		}
		inv := *w.slot
		w.dismiss(ev.reason)
		ev.reply <- actionResult{inv: inv, ok: true}
	case currentEvt:
		if w.slot == nil {
			ev.reply <- actionResult{}
			return
		}
		ev.reply <- actionResult{inv: *w.slot, ok: true}
	}
}

func (w *Watcher) handleRecord(ctx context.Context, id domain.SessionID, rec *domain.Session) {
	if rec == nil || rec.Status.Terminal() {
		delete(w.dismissed, id)
	}
	if w.slot != nil && w.slot.SessionID == id {
		w.check(rec)
		return
	}
	if !w.invites(rec) {
		return
	}
	if at, ok := w.dismissed[id]; ok && at.Equal(rec.CreatedAt) {
		return
	}
	if w.viewing == id {
		// already open; the call screen handles it
		w.dismissed[id] = rec.CreatedAt
		metrics.Invitations.WithLabelValues(string(ReasonNavigating)).Inc()
		w.emit(Event{Invitation: w.invitation(ctx, id, rec), Cleared: true, Reason: ReasonNavigating})
		return
	}
	if w.slot != nil {
		metrics.Invitations.WithLabelValues("busy").Inc()
		w.log.Info().Str("session", string(id)).Str("pending", string(w.slot.SessionID)).Msg("busy, invitation not presented")
		return
	}
	inv := w.invitation(ctx, id, rec)
	w.slot = &inv
	metrics.Invitations.WithLabelValues(string(ReasonPresented)).Inc()
	w.log.Info().Str("session", string(id)).Str("caller", string(rec.CallerID)).Msg("invitation presented")
	w.emit(Event{Invitation: inv, Reason: ReasonPresented})
}

// check clears the slot when rec no longer rings for the local party.
func (w *Watcher) check(rec *domain.Session) {
	switch {
	case w.invites(rec):
	case rec != nil && rec.CalleeID == w.local &&
		(rec.Status == domain.StatusAnswered || rec.Status == domain.StatusActive):
		w.clear(ReasonAnsweredElsewhere)
	default:
		w.clear(ReasonEndedRemotely)
	}
}

func (w *Watcher) reconcile(ctx context.Context) {
	if w.slot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.LookupTimeout)
	defer cancel()
	rec, err := w.getter.Get(ctx, w.slot.SessionID)
	if err != nil {
		w.log.Warn().Err(err).Str("session", string(w.slot.SessionID)).Msg("reconcile read")
		return
	}
	w.check(rec)
}

func (w *Watcher) invites(rec *domain.Session) bool {
	return rec != nil && rec.Status == domain.StatusRinging && rec.CalleeID == w.local && rec.CallerID != w.local
}

// dismiss clears the slot for a local reason; the attempt is remembered so
// it is not presented again.
func (w *Watcher) dismiss(reason Reason) {
	w.dismissed[w.slot.SessionID] = w.slot.createdAt
	inv := *w.slot
	w.slot = nil
	metrics.Invitations.WithLabelValues(string(reason)).Inc()
	w.log.Info().Str("session", string(inv.SessionID)).Str("reason", string(reason)).Msg("invitation cleared")
	w.emit(Event{Invitation: inv, Cleared: true, Reason: reason})
}

// clear empties the slot for a remote reason. A call that ended before
// being picked up is a missed call.
func (w *Watcher) clear(reason Reason) {
	inv := *w.slot
	w.slot = nil
	metrics.Invitations.WithLabelValues(string(reason)).Inc()
	w.log.Info().Str("session", string(inv.SessionID)).Str("reason", string(reason)).Msg("invitation cleared")
	if reason == ReasonEndedRemotely {
		w.recordMissed(inv)
	}
	w.emit(Event{Invitation: inv, Cleared: true, Reason: reason})
}

func (w *Watcher) recordMissed(inv Invitation) {
	if w.history == nil {
		return
	}
	metrics.MissedCalls.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.LookupTimeout)
	defer cancel()
	err := w.history.RecordMissedCall(ctx, domain.MissedCall{
		ChatID:   inv.SessionID,
		Kind:     inv.Kind,
		CallerID: inv.CallerID,
		CalleeID: inv.CalleeID,
		At:       w.now(),
	})
	if err != nil {
		w.log.Warn().Err(err).Str("session", string(inv.SessionID)).Msg("record missed call")
	}
}

func (w *Watcher) invitation(ctx context.Context, id domain.SessionID, rec *domain.Session) Invitation {
	inv := Invitation{
		SessionID:  id,
		CallerID:   rec.CallerID,
		CalleeID:   rec.CalleeID,
		Kind:       rec.Kind,
		Caller:     domain.User{ID: rec.CallerID, DisplayName: string(rec.CallerID)},
		ReceivedAt: w.now(),
		createdAt:  rec.CreatedAt,
	}
	if w.users == nil {
		return inv
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.LookupTimeout)
	defer cancel()
	u, err := w.users.GetUser(ctx, rec.CallerID)
	if err != nil || u == nil {
		w.log.Debug().Err(err).Str("caller", string(rec.CallerID)).Msg("caller lookup, using id")
		return inv
	}
	inv.Caller = *u
	return inv
}

// emit queues ev behind any undelivered updates. A slow consumer delays
// updates but never loses one.
func (w *Watcher) emit(ev Event) {
	if len(w.backlog) == 0 {
		select {
		case w.updates <- ev:
			return
		default:
		}
	}
	w.backlog = append(w.backlog, ev)
}
