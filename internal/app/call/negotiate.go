package call

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

var (
	errBecameCallee       = errors.New("record rings for local party")
	errAttemptGone        = errors.New("attempt replaced or ended")
	errConnectivityFailed = errors.New("connectivity failed")
)

func (m *Machine) handleStart(ctx context.Context) error {
	if m.state != StateIdle {
		return nil
	}
	m.setState(StateRequestingCapabilities)

	if len(m.tracks) == 0 && m.deps.Media != nil {
		tracks, err := m.deps.Media.Acquire(ctx, m.p.Kind)
		if err != nil {
			return m.fail(ctx, err)
		}
		m.tracks = tracks
	}

	engine, err := m.deps.NewEngine()
	if err != nil {
		return m.fail(ctx, &domain.NegotiationError{Op: "newEngine", Err: err})
	}
	m.engine = engine
	engine.OnLocalCandidate(m.OnLocalCandidate)
	engine.OnConnectionStateChange(m.OnConnectivityChange)
	engine.OnRemoteTrack(func(t core.RemoteTrack) { m.inbox.Push(remoteTrackEvt{t: t}) })
	engine.OnSignalingStateChange(func(s core.SignalingState) {
		m.log.Debug().Str("signaling", string(s)).Msg("signaling state")
	})
	for _, t := range m.tracks {
		if err := engine.AddTrack(t); err != nil {
			return m.fail(ctx, &domain.NegotiationError{Op: "addTrack", Err: err})
		}
	}

	m.setState(StateCreatingOffer)
	offer, err := engine.CreateOffer(ctx)
	if err != nil {
		return m.fail(ctx, &domain.NegotiationError{Op: "createOffer", Err: err})
	}

	// Role resolution and the caller's write happen in one transaction, so
	// two parties starting at once cannot both publish an offer.
	var seen *domain.Session
	rec, err := m.deps.Transport.Update(ctx, m.p.SessionID, func(cur *domain.Session) (domain.Patch, error) {
		seen = cur
		if ResolveRole(m.p.Local, cur) == domain.RoleCallee {
			return domain.Patch{}, errBecameCallee
		}
		ringing := domain.StatusRinging
		return domain.Patch{
			Reset:    true,
			CallerID: &m.p.Local,
			CalleeID: &m.p.Remote,
			Kind:     &m.p.Kind,
			Status:   &ringing,
			Offer:    &offer,
		}, nil
	})
	switch {
	case errors.Is(err, errBecameCallee):
		return m.startCallee(ctx, seen)
	case err != nil:
		return m.fail(ctx, domain.WrapTransport("publishOffer", err))
	}

	m.resolve(domain.RoleCaller)
	m.localOffer = &offer
	m.publishedAt = rec.UpdatedAt
	if err := engine.SetLocalDescription(ctx, offer); err != nil {
		return m.fail(ctx, &domain.NegotiationError{Op: "setLocalOffer", Err: err})
	}
	if err := m.subscribe(); err != nil {
		return m.fail(ctx, err)
	}
	m.setState(StateAwaitingAnswer)
	if m.opts.RingTimeout > 0 {
		m.ringTimer = time.AfterFunc(m.opts.RingTimeout, func() { m.inbox.Push(ringTimeoutEvt{}) })
	}
	return nil
}

func (m *Machine) startCallee(ctx context.Context, rec *domain.Session) error {
	m.resolve(domain.RoleCallee)
	if err := m.subscribe(); err != nil {
		return m.fail(ctx, err)
	}
	if rec != nil && rec.Offer != nil {
		return m.answer(ctx, rec)
	}
	m.log.Info().Msg("callee waiting for offer")
	return nil
}

func (m *Machine) resolve(role domain.Role) {
	m.role = role
	m.roleResolved = true
	if m.p.RoleHint != "" && m.p.RoleHint != role {
		m.log.Info().Str("hint", string(m.p.RoleHint)).Str("role", string(role)).Msg("role hint overridden by record")
	} else {
		m.log.Info().Str("role", string(role)).Msg("role resolved")
	}
	for _, c := range m.localQueue {
		m.publishLocalCandidate(c)
	}
	m.localQueue = nil
}

// subscribe attaches to the record and to the remote party's candidates
// for the lifetime of the machine.
func (m *Machine) subscribe() error {
	ctx := m.life
	unsub, err := m.deps.Transport.Subscribe(ctx, m.p.SessionID, m.OnTransportUpdate)
	if err != nil {
		return domain.WrapTransport("subscribe", err)
	}
	m.unsubs = append(m.unsubs, unsub)
	unsub, err = m.deps.Transport.SubscribeCandidates(ctx, m.p.SessionID, m.role.Other(), m.OnRemoteCandidate)
	if err != nil {
		return domain.WrapTransport("subscribeCandidates", err)
	}
	m.unsubs = append(m.unsubs, unsub)
	return nil
}

func (m *Machine) handleTracks(tracks []core.LocalTrack) error {
	if m.state.Terminal() {
		stopTracks(tracks)
		return domain.ErrTerminal
	}
	if len(m.tracks) > 0 {
		stopTracks(tracks)
		return nil
	}
	m.tracks = tracks
	if m.engine == nil {
		return nil
	}
	for _, t := range tracks {
		if err := m.engine.AddTrack(t); err != nil {
			return &domain.NegotiationError{Op: "addTrack", Err: err}
		}
	}
	return nil
}

func (m *Machine) handleRecord(rec *domain.Session) {
	if m.state.Terminal() || !m.roleResolved {
		return
	}
	if rec != nil && m.role == domain.RoleCaller && rec.CallerID == m.p.Local && !rec.UpdatedAt.Before(m.publishedAt) {
		m.observedOwn = true
	}
	if rec == nil || rec.Status.Terminal() {
		if m.stale(rec) {
			m.log.Debug().Msg("ignoring stale record")
			return
		}
		m.endedExternally()
		return
	}

	ctx := context.Background()
	switch {
	case m.role == domain.RoleCallee && rec.Offer != nil && !m.remoteSet &&
		rec.Status == domain.StatusRinging && rec.CalleeID == m.p.Local:
		_ = m.answer(ctx, rec)
	case m.role == domain.RoleCaller && rec.Answer != nil && !m.remoteSet &&
		m.engine.SignalingState() == core.SignalingHaveLocalOffer &&
		rec.Offer != nil && m.localOffer != nil && rec.Offer.SDP == m.localOffer.SDP:
		m.applyAnswer(ctx, *rec.Answer)
	}
}

// stale reports whether a gone or terminal record predates the attempt the
// caller is still establishing.
func (m *Machine) stale(rec *domain.Session) bool {
	if m.role != domain.RoleCaller {
		return false
	}
	switch m.state {
	case StateRequestingCapabilities, StateCreatingOffer, StateAwaitingAnswer:
	default:
		return false
	}
	if m.publishedAt.IsZero() {
		return true
	}
	if rec == nil {
		return !m.observedOwn
	}
	return !rec.UpdatedAt.After(m.publishedAt)
}

func (m *Machine) answer(ctx context.Context, rec *domain.Session) error {
	m.setState(StateReceivedOffer)
	offer := *rec.Offer
	if err := m.engine.SetRemoteDescription(ctx, offer); err != nil {
		return m.fail(ctx, &domain.NegotiationError{Op: "setRemoteOffer", Err: err})
	}
	m.remoteSet = true
	m.flushPending(ctx)

	m.setState(StateCreatingAnswer)
	ans, err := m.engine.CreateAnswer(ctx)
	if err != nil {
		return m.fail(ctx, &domain.NegotiationError{Op: "createAnswer", Err: err})
	}
	if err := m.engine.SetLocalDescription(ctx, ans); err != nil {
		return m.fail(ctx, &domain.NegotiationError{Op: "setLocalAnswer", Err: err})
	}

	answered := domain.StatusAnswered
	next, err := m.deps.Transport.Update(ctx, m.p.SessionID, func(cur *domain.Session) (domain.Patch, error) {
		if cur == nil || cur.Status.Terminal() || cur.Offer == nil || cur.Offer.SDP != offer.SDP {
			return domain.Patch{}, errAttemptGone
		}
		return domain.Patch{Answer: &ans, Status: &answered}, nil
	})
	switch {
	case errors.Is(err, errAttemptGone), errors.Is(err, domain.ErrTerminal):
		m.endedExternally()
		return nil
	case err != nil:
		return m.fail(ctx, domain.WrapTransport("publishAnswer", err))
	}
	m.publishedAt = next.UpdatedAt
	m.setState(StateConnecting)
	return nil
}

func (m *Machine) applyAnswer(ctx context.Context, ans domain.Description) {
	if err := m.engine.SetRemoteDescription(ctx, ans); err != nil {
		_ = m.fail(ctx, &domain.NegotiationError{Op: "setRemoteAnswer", Err: err})
		return
	}
	m.remoteSet = true
	m.stopRingTimer()
	m.setState(StateConnecting)
	m.flushPending(ctx)
}

func (m *Machine) handleConn(s core.ConnState) {
	if m.state.Terminal() {
		return
	}
	m.log.Debug().Str("conn", string(s)).Msg("connectivity")
	ctx := context.Background()
	switch s {
	case core.ConnConnected:
		m.stopRingTimer()
		if m.state == StateActive {
			return
		}
		m.setState(StateActive)
		m.publishActive(ctx)
	case core.ConnDisconnected:
		m.setState(StateReconnecting)
	case core.ConnFailed:
		_ = m.fail(ctx, &domain.NegotiationError{Op: "connectivity", Err: errConnectivityFailed})
	case core.ConnClosed:
		m.finish(ctx, false)
	}
}

// publishActive is a best-effort status ping.
func (m *Machine) publishActive(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CleanupTimeout)
	defer cancel()
	active := domain.StatusActive
	_, err := m.deps.Transport.Update(ctx, m.p.SessionID, func(cur *domain.Session) (domain.Patch, error) {
		if cur == nil || cur.Status.Terminal() || cur.Status == domain.StatusActive || !cur.Involves(m.p.Local) {
			return domain.Patch{}, core.ErrNoChange
		}
		return domain.Patch{Status: &active}, nil
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("publish active status")
	}
}

func (m *Machine) handleLocalCandidate(c domain.Candidate) {
	if m.state.Terminal() || m.engine == nil || m.engine.IsClosed() {
		metrics.Candidates.WithLabelValues("local", "dropped").Inc()
		return
	}
	if !m.roleResolved {
		m.localQueue = append(m.localQueue, c)
		return
	}
	m.publishLocalCandidate(c)
}

// publishLocalCandidate retries off the actor so a flapping transport
// cannot hold up the session. Teardown cancels and waits for it.
func (m *Machine) publishLocalCandidate(c domain.Candidate) {
	role := m.role
	m.pubs.Go(func() {
		backoff := m.opts.CandidateBackoff
		var err error
		for attempt := 1; attempt <= m.opts.CandidateRetries; attempt++ {
			ctx, cancel := context.WithTimeout(m.life, m.opts.CleanupTimeout)
			err = m.deps.Transport.AppendCandidate(ctx, m.p.SessionID, role, c)
			cancel()
			if err == nil {
				metrics.Candidates.WithLabelValues("local", "sent").Inc()
				return
			}
			if attempt == m.opts.CandidateRetries {
				break
			}
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-m.life.Done():
				metrics.Candidates.WithLabelValues("local", "dropped").Inc()
				return
			}
		}
		metrics.Candidates.WithLabelValues("local", "error").Inc()
		m.log.Warn().Err(err).Msg("local candidate not published")
	})
}

func (m *Machine) handleRemoteCandidate(c domain.Candidate) {
	if m.state.Terminal() || m.engine == nil {
		return
	}
	if _, dup := m.seenRemote[c.Candidate]; dup {
		metrics.Candidates.WithLabelValues("remote", "duplicate").Inc()
		return
	}
	m.seenRemote[c.Candidate] = struct{}{}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		metrics.Candidates.WithLabelValues("remote", "buffered").Inc()
		return
	}
	m.applyCandidate(context.Background(), c)
}

func (m *Machine) flushPending(ctx context.Context) {
	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		m.applyCandidate(ctx, c)
	}
}

func (m *Machine) applyCandidate(ctx context.Context, c domain.Candidate) {
	err := m.engine.AddICECandidate(ctx, c)
	switch {
	case err == nil:
		metrics.Candidates.WithLabelValues("remote", "applied").Inc()
	case errors.Is(err, domain.ErrEngineClosed):
		metrics.Candidates.WithLabelValues("remote", "dropped").Inc()
	default:
		metrics.Candidates.WithLabelValues("remote", "error").Inc()
		m.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("apply remote candidate")
	}
}

func (m *Machine) handleDecline(ctx context.Context) error {
	if m.state.Terminal() {
		return nil
	}
	declined := domain.StatusDeclined
	_, err := m.deps.Transport.Update(ctx, m.p.SessionID, func(cur *domain.Session) (domain.Patch, error) {
		if cur == nil || cur.CalleeID != m.p.Local || cur.Status != domain.StatusRinging {
			return domain.Patch{}, core.ErrNoChange
		}
		return domain.EndPatch(declined), nil
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("publish decline")
	}
	m.finish(ctx, false)
	return domain.WrapTransport("decline", err)
}

func (m *Machine) stopRingTimer() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}
