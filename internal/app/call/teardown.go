package call

import (
	"context"

	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

// fail moves to StateFailed and tears down, publishing the end of the
// call to the remote party. It returns err for request replies.
func (m *Machine) fail(ctx context.Context, err error) error {
	if m.state.Terminal() {
		return err
	}
	m.log.Error().Err(err).Str("state", string(m.state)).Msg("call failed")
	m.err = err
	m.setState(StateFailed)
	m.teardown(ctx, false)
	return err
}

// finish is the idempotent end of the call.
func (m *Machine) finish(ctx context.Context, callerInitiatedWhileRinging bool) {
	if m.tornDown {
		return
	}
	m.teardown(ctx, callerInitiatedWhileRinging)
	if m.state != StateFailed {
		m.setState(StateEnded)
	}
}

func (m *Machine) endedExternally() {
	m.log.Info().Msg("call ended by remote party")
	l := m.deps.Listener
	m.notify.Push(l.OnEndedExternally)
	m.finish(context.Background(), false)
}

// teardown runs every cleanup step once. Steps are isolated: an error or
// panic in one is logged and the next still runs.
func (m *Machine) teardown(ctx context.Context, callerInitiatedWhileRinging bool) {
	if m.tornDown {
		return
	}
	m.tornDown = true
	m.stopRingTimer()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
	defer cancel()

	m.step("media", func() error {
		tracks := m.tracks
		m.tracks = nil
		m.remoteTracks = nil
		var first error
		for _, t := range tracks {
			if err := t.Stop(); err != nil && first == nil {
				first = err
			}
		}
		return first
	})

	m.step("engine", func() error {
		if m.engine == nil {
			return nil
		}
		return m.engine.Close()
	})

	m.step("unsubscribe", func() error {
		unsubs := m.unsubs
		m.unsubs = nil
		for _, u := range unsubs {
			u()
		}
		m.stopLife()
		// no candidate may land after the delete below
		m.pubs.Wait()
		return nil
	})

	// The caller knew the record was ringing if no answer ever arrived.
	wasRinging := m.role == domain.RoleCaller && !m.publishedAt.IsZero() && !m.remoteSet
	m.step("publish-end", func() error {
		if !m.ownsRecord() {
			return nil
		}
		_, err := m.deps.Transport.Update(ctx, m.p.SessionID, func(cur *domain.Session) (domain.Patch, error) {
			if cur == nil || cur.Status.Terminal() || !m.partyOfRecord(cur) {
				wasRinging = false
				return domain.Patch{}, core.ErrNoChange
			}
			wasRinging = cur.Status == domain.StatusRinging
			return domain.EndPatch(domain.StatusEnded), nil
		})
		return err
	})

	m.step("missed-call", func() error {
		if !callerInitiatedWhileRinging || m.role != domain.RoleCaller || !wasRinging || m.deps.History == nil {
			return nil
		}
		metrics.MissedCalls.Inc()
		return m.deps.History.RecordMissedCall(ctx, domain.MissedCall{
			ChatID:   m.p.SessionID,
			Kind:     m.p.Kind,
			CallerID: m.p.Local,
			CalleeID: m.p.Remote,
		})
	})

	m.step("candidates", func() error {
		return m.deps.Transport.DeleteAllCandidates(ctx, m.p.SessionID)
	})
}

// ownsRecord reports whether this attempt ever had a say in the record:
// a caller that published its offer, or a resolved callee.
func (m *Machine) ownsRecord() bool {
	if !m.roleResolved {
		return false
	}
	return m.role == domain.RoleCallee || !m.publishedAt.IsZero()
}

func (m *Machine) partyOfRecord(cur *domain.Session) bool {
	if m.role == domain.RoleCaller {
		// a newer attempt by the same caller carries a different offer
		return cur.CallerID == m.p.Local &&
			(m.localOffer == nil || cur.Offer == nil || cur.Offer.SDP == m.localOffer.SDP)
	}
	return cur.CalleeID == m.p.Local
}

func (m *Machine) step(name string, fn func() error) {
	var err error
	if r := panics.Try(func() { err = fn() }); r != nil {
		err = r.AsError()
	}
	if err != nil {
		m.log.Warn().Err(err).Str("step", name).Msg("teardown step failed")
	}
}
