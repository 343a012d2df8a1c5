package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

var (
	ErrInvalidParams = errors.New("invalid call params")
	ErrMissingDeps   = errors.New("transport and engine factory are required")
)

type (
	startEvt struct {
		ctx   context.Context
		reply chan error
	}
	tracksEvt struct {
		tracks []core.LocalTrack
		reply  chan error
	}
	endEvt struct {
		ctx     context.Context
		ringing bool
		reply   chan struct{}
	}
	declineEvt struct {
		ctx   context.Context
		reply chan error
	}
	recordEvt      struct{ rec *domain.Session }
	connEvt        struct{ state core.ConnState }
	localCandEvt   struct{ c domain.Candidate }
	remoteCandEvt  struct{ c domain.Candidate }
	remoteTrackEvt struct{ t core.RemoteTrack }
	ringTimeoutEvt struct{}
)

// Machine is the single owner of one call attempt. Public methods post
// into its inbox; all state below the inbox is touched only by run.
type Machine struct {
	p    Params
	deps Deps
	opts Options
	log  zerolog.Logger

	inbox  *core.Inbox[any]
	notify *core.Inbox[func()]
	done   chan struct{}

	// life scopes subscriptions and candidate publishing; it ends in
	// teardown, not with the context of whichever call started them
	life     context.Context
	stopLife context.CancelFunc
	pubs     conc.WaitGroup

	snapMu sync.Mutex
	snap   Snapshot

	state        State
	role         domain.Role
	roleResolved bool
	err          error

	engine       core.Engine
	tracks       []core.LocalTrack
	remoteTracks []core.RemoteTrack
	unsubs       []core.Unsubscribe

	localOffer  *domain.Description
	publishedAt time.Time
	observedOwn bool
	remoteSet   bool
	seenRemote  map[string]struct{}
	pending     []domain.Candidate
	localQueue  []domain.Candidate
	ringTimer   *time.Timer
	tornDown    bool
}

// New validates the attempt and starts its goroutine in StateIdle.
func New(p Params, deps Deps, opts Options) (*Machine, error) {
	if !p.Local.Valid() || !p.Remote.Valid() || p.Local == p.Remote || p.SessionID == "" || !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: local=%q remote=%q session=%q kind=%q", ErrInvalidParams, p.Local, p.Remote, p.SessionID, p.Kind)
	}
	if deps.Transport == nil || deps.NewEngine == nil {
		return nil, ErrMissingDeps
	}
	if deps.Listener == nil {
		deps.Listener = ListenerFuncs{}
	}
	m := &Machine{
		p:          p,
		deps:       deps,
		opts:       opts.withDefaults(),
		log:        log.With().Str("module", "call").Str("session", string(p.SessionID)).Str("local", string(p.Local)).Logger(),
		inbox:      core.NewInbox[any](),
		notify:     core.NewInbox[func()](),
		done:       make(chan struct{}),
		state:      StateIdle,
		seenRemote: make(map[string]struct{}),
	}
	m.life, m.stopLife = context.WithCancel(context.Background())
	m.snap = Snapshot{SessionID: p.SessionID, State: StateIdle}
	notifierDone := make(chan struct{})
	go m.runNotifier(notifierDone)
	go m.run(notifierDone)
	return m, nil
}

// Start resolves the role and begins negotiation. It is a no-op once the
// machine left StateIdle. A non-nil error means the call failed.
func (m *Machine) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.inbox.Push(startEvt{ctx: ctx, reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireLocalMedia opens local devices for kind and hands the tracks to
// the machine, which attaches them to the engine as soon as it exists.
// Acquisition may wait on a permission prompt and does not hold the machine.
func (m *Machine) AcquireLocalMedia(ctx context.Context, kind domain.Kind) error {
	if m.deps.Media == nil {
		return &domain.MediaError{Reason: domain.MediaNoDevice, Kind: kind}
	}
	tracks, err := m.deps.Media.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !m.inbox.Push(tracksEvt{tracks: tracks, reply: reply}) {
		stopTracks(tracks)
		return domain.ErrTerminal
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End tears the call down. Repeated calls are no-ops. It returns once
// teardown finished or ctx is done.
func (m *Machine) End(ctx context.Context, callerInitiatedWhileRinging bool) {
	reply := make(chan struct{}, 1)
	if !m.inbox.Push(endEvt{ctx: ctx, ringing: callerInitiatedWhileRinging, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// Decline rejects a call still ringing for the local party.
func (m *Machine) Decline(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.inbox.Push(declineEvt{ctx: ctx, reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTransportUpdate feeds a record observed on the transport; nil means
// the record is gone. Redundant deliveries are harmless.
func (m *Machine) OnTransportUpdate(rec *domain.Session) { m.inbox.Push(recordEvt{rec: rec.Clone()}) }

func (m *Machine) OnConnectivityChange(s core.ConnState) { m.inbox.Push(connEvt{state: s}) }

func (m *Machine) OnLocalCandidate(c domain.Candidate) { m.inbox.Push(localCandEvt{c: c}) }

func (m *Machine) OnRemoteCandidate(c domain.Candidate) { m.inbox.Push(remoteCandEvt{c: c}) }

// Snapshot returns the latest published view of the machine.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

// Done is closed after the machine reached a terminal state, finished
// teardown and delivered every listener notification.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) run(notifierDone chan struct{}) {
	defer func() {
		m.notify.Push(nil)
		<-notifierDone
		close(m.done)
	}()
	for {
		<-m.inbox.Ready()
		for _, ev := range m.inbox.Drain() {
			m.handle(ev)
		}
		if m.state.Terminal() && m.tornDown {
			// late posts are answered from the terminal state
			for _, ev := range m.inbox.Close() {
				m.handle(ev)
			}
			return
		}
	}
}

func (m *Machine) runNotifier(done chan struct{}) {
	defer close(done)
	for {
		<-m.notify.Ready()
		for _, fn := range m.notify.Drain() {
			if fn == nil {
				m.notify.Close()
				return
			}
			fn()
		}
	}
}

func (m *Machine) handle(ev any) {
	switch ev := ev.(type) {
	case startEvt:
		ev.reply <- m.handleStart(ev.ctx)
	case tracksEvt:
		ev.reply <- m.handleTracks(ev.tracks)
	case endEvt:
		m.finish(ev.ctx, ev.ringing)
		ev.reply <- struct{}{}
	case declineEvt:
		ev.reply <- m.handleDecline(ev.ctx)
	case recordEvt:
		m.handleRecord(ev.rec)
	case connEvt:
		m.handleConn(ev.state)
	case localCandEvt:
		m.handleLocalCandidate(ev.c)
	case remoteCandEvt:
		m.handleRemoteCandidate(ev.c)
	case remoteTrackEvt:
		if m.state.Terminal() {
			return
		}
		m.remoteTracks = append(m.remoteTracks, ev.t)
		l := m.deps.Listener
		m.notify.Push(func() { l.OnRemoteTrack(ev.t) })
	case ringTimeoutEvt:
		if m.state == StateAwaitingAnswer {
			m.log.Info().Dur("after", m.opts.RingTimeout).Msg("ring timeout, ending call")
			m.finish(context.Background(), true)
		}
	default:
		m.log.Error().Type("event", ev).Msg("unknown event")
	}
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Info().Str("from", string(m.state)).Str("to", string(s)).Msg("transition")
	m.state = s
	metrics.CallTransitions.WithLabelValues(string(s)).Inc()

	snap := Snapshot{SessionID: m.p.SessionID, State: s, Err: m.err}
	if m.roleResolved {
		snap.Role = m.role
	}
	switch s {
	case StateEnded:
		snap.Outcome = OutcomeEnded
	case StateFailed:
		snap.Outcome = OutcomeFailed
	}
	if snap.Outcome != OutcomeNone {
		metrics.CallOutcomes.WithLabelValues(string(snap.Outcome)).Inc()
	}
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()

	l := m.deps.Listener
	m.notify.Push(func() { l.OnState(snap) })
}

func stopTracks(tracks []core.LocalTrack) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("track", t.ID()).Msg("stop track")
		}
	}
}
