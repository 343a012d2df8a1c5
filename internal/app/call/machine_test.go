package call_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/callsig/internal/adapters/store"
	"github.com/dkeye/callsig/internal/app/call"
	"github.com/dkeye/callsig/internal/app/call/calltest"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/core/mock_core"
	"github.com/dkeye/callsig/internal/domain"
)

const sid domain.SessionID = "chat-alice-bob"

const wait = 2 * time.Second

type states struct {
	mu    sync.Mutex
	seen  []call.State
	ended atomic.Int32
}

func (s *states) listener() call.Listener {
	return call.ListenerFuncs{
		State: func(snap call.Snapshot) {
			s.mu.Lock()
			s.seen = append(s.seen, snap.State)
			s.mu.Unlock()
		},
		EndedExternally: func() { s.ended.Add(1) },
	}
}

func (s *states) count(st call.State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.seen {
		if v == st {
			n++
		}
	}
	return n
}

type party struct {
	m       *call.Machine
	engines *calltest.Factory
	media   *calltest.Media
	states  *states
}

func newParty(t *testing.T, tr core.Transport, hist core.ChatHistory, local, remote domain.UserID, opts call.Options) *party {
	t.Helper()
	p := &party{
		engines: &calltest.Factory{Name: string(local)},
		media:   &calltest.Media{},
		states:  &states{},
	}
	m, err := call.New(
		call.Params{Local: local, Remote: remote, SessionID: sid, Kind: domain.KindVideo},
		call.Deps{
			Transport: tr,
			NewEngine: p.engines.New,
			Media:     p.media,
			History:   hist,
			Listener:  p.states.listener(),
		},
		opts,
	)
	require.NoError(t, err)
	p.m = m
	t.Cleanup(func() {
		m.End(context.Background(), false)
		<-m.Done()
	})
	return p
}

func waitState(t *testing.T, m *call.Machine, want call.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Snapshot().State == want }, wait, 2*time.Millisecond,
		"want %s, have %s", want, m.Snapshot().State)
}

func record(t *testing.T, tr core.SessionGetter) *domain.Session {
	t.Helper()
	rec, err := tr.Get(context.Background(), sid)
	require.NoError(t, err)
	return rec
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	f := &calltest.Factory{}
	_, err := call.New(call.Params{Local: "a", Remote: "a", SessionID: sid, Kind: domain.KindAudio},
		call.Deps{Transport: store.NewMemory(), NewEngine: f.New}, call.Options{})
	assert.ErrorIs(t, err, call.ErrInvalidParams)

	_, err = call.New(call.Params{Local: "a", Remote: "b", SessionID: sid, Kind: domain.KindAudio},
		call.Deps{}, call.Options{})
	assert.ErrorIs(t, err, call.ErrMissingDeps)
}

// caller rings, callee answers, both connect, record goes active
func TestScenarioA_CallAnsweredAndConnected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	hist := &calltest.History{}
	x := newParty(t, st, hist, "alice", "bob", call.Options{})

	require.NoError(t, x.m.Start(ctx))
	snap := x.m.Snapshot()
	assert.Equal(t, call.StateAwaitingAnswer, snap.State)
	assert.Equal(t, domain.RoleCaller, snap.Role)

	rec := record(t, st)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusRinging, rec.Status)
	assert.Equal(t, domain.UserID("bob"), rec.CalleeID)
	assert.Equal(t, domain.KindVideo, rec.Kind)
	assert.Equal(t, x.engines.Last().Local(), rec.Offer)

	y := newParty(t, st, hist, "bob", "alice", call.Options{})
	require.NoError(t, y.m.Start(ctx))
	assert.Equal(t, domain.RoleCallee, y.m.Snapshot().Role)
	waitState(t, y.m, call.StateConnecting)
	waitState(t, x.m, call.StateConnecting)

	rec = record(t, st)
	assert.Equal(t, domain.StatusAnswered, rec.Status)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "answer", rec.Answer.Type)

	x.engines.Last().EmitCandidate("cand-x")
	y.engines.Last().EmitCandidate("cand-y")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"cand-x"}, y.engines.Last().Applied()) &&
			assert.ObjectsAreEqual([]string{"cand-y"}, x.engines.Last().Applied())
	}, wait, 2*time.Millisecond)

	x.engines.Last().EmitConn(core.ConnConnected)
	y.engines.Last().EmitConn(core.ConnConnected)
	waitState(t, x.m, call.StateActive)
	waitState(t, y.m, call.StateActive)
	require.Eventually(t, func() bool { return record(t, st).Status == domain.StatusActive }, wait, 2*time.Millisecond)

	x.m.End(ctx, false)
	waitState(t, y.m, call.StateEnded)
	<-y.m.Done()
	assert.Equal(t, int32(1), y.states.ended.Load())
	assert.Equal(t, call.OutcomeEnded, y.m.Snapshot().Outcome)

	rec = record(t, st)
	assert.Equal(t, domain.StatusEnded, rec.Status)
	assert.Nil(t, rec.Offer)
	assert.Nil(t, rec.Answer)
	assert.Empty(t, hist.Missed())
	assert.True(t, x.media.AllStopped())
	assert.True(t, y.media.AllStopped())
}

// caller hangs up while ringing
func TestScenarioB_CallerHangsUpWhileRinging(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	hist := &calltest.History{}
	x := newParty(t, st, hist, "alice", "bob", call.Options{})
	require.NoError(t, x.m.Start(ctx))
	x.engines.Last().EmitCandidate("cand-x")
	require.Eventually(t, func() bool {
		c, _ := st.ListCandidates(ctx, sid, domain.RoleCaller)
		return len(c) == 1
	}, wait, 2*time.Millisecond)

	x.m.End(ctx, true)
	<-x.m.Done()

	rec := record(t, st)
	assert.Equal(t, domain.StatusEnded, rec.Status)
	assert.Nil(t, rec.Offer)
	assert.Nil(t, rec.Answer)

	missed := hist.Missed()
	require.Len(t, missed, 1)
	assert.Equal(t, domain.UserID("bob"), missed[0].CalleeID)
	assert.Equal(t, domain.UserID("alice"), missed[0].CallerID)
	assert.Equal(t, sid, missed[0].ChatID)
	assert.Equal(t, domain.KindVideo, missed[0].Kind)

	left, err := st.ListCandidates(ctx, sid, domain.RoleCaller)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.True(t, x.engines.Last().IsClosed())
	assert.True(t, x.media.AllStopped())
}

// both parties start at once on a fresh session id
func TestScenarioC_ConcurrentStartYieldsOneCaller(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx := context.Background()
		st := store.NewMemory()
		x := newParty(t, st, nil, "alice", "bob", call.Options{})
		y := newParty(t, st, nil, "bob", "alice", call.Options{})

		var wg sync.WaitGroup
		for _, p := range []*party{x, y} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, p.m.Start(ctx))
			}()
		}
		wg.Wait()

		waitState(t, x.m, call.StateConnecting)
		waitState(t, y.m, call.StateConnecting)
		rx, ry := x.m.Snapshot().Role, y.m.Snapshot().Role
		require.NotEqual(t, rx, ry)

		caller, callee := x, y
		if ry == domain.RoleCaller {
			caller, callee = y, x
		}
		rec := record(t, st)
		assert.Equal(t, caller.engines.Last().Local(), rec.Offer)
		assert.Equal(t, "answer", callee.engines.Last().Local().Type)

		x.m.End(ctx, false)
		<-x.m.Done()
		<-y.m.Done()
	}
}

// connectivity fails after the call connected
func TestScenarioD_ConnectivityFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	hist := &calltest.History{}
	x := newParty(t, st, hist, "alice", "bob", call.Options{})
	y := newParty(t, st, hist, "bob", "alice", call.Options{})
	require.NoError(t, x.m.Start(ctx))
	require.NoError(t, y.m.Start(ctx))
	waitState(t, x.m, call.StateConnecting)

	x.engines.Last().EmitConn(core.ConnConnected)
	waitState(t, x.m, call.StateActive)
	x.engines.Last().EmitConn(core.ConnFailed)
	<-x.m.Done()

	snap := x.m.Snapshot()
	assert.Equal(t, call.StateFailed, snap.State)
	assert.Equal(t, call.OutcomeFailed, snap.Outcome)
	assert.ErrorIs(t, snap.Err, domain.ErrNegotiation)

	// terminal latch
	x.engines.Last().EmitConn(core.ConnConnected)
	assert.Equal(t, call.StateFailed, x.m.Snapshot().State)

	<-y.m.Done()
	assert.Equal(t, call.StateEnded, y.m.Snapshot().State)
	assert.Equal(t, domain.StatusEnded, record(t, st).Status)
	assert.Empty(t, hist.Missed())
}

func TestDuplicateTransportUpdatesTransitionOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	x := newParty(t, st, nil, "alice", "bob", call.Options{})
	require.NoError(t, x.m.Start(ctx))

	answered := domain.StatusAnswered
	rec, err := st.Publish(ctx, sid, domain.Patch{
		Answer: &domain.Description{Type: "answer", SDP: "answer/remote"},
		Status: &answered,
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		x.m.OnTransportUpdate(rec)
	}
	waitState(t, x.m, call.StateConnecting)

	x.m.OnTransportUpdate(rec)
	x.m.OnTransportUpdate(rec)
	require.Eventually(t, func() bool { return x.states.count(call.StateConnecting) == 1 }, wait, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, x.states.count(call.StateConnecting))
	assert.Equal(t, call.StateConnecting, x.m.Snapshot().State)
	assert.Equal(t, "answer/remote", x.engines.Last().Remote().SDP)
}

func TestEarlyRemoteCandidatesAreBufferedNotLost(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	x := newParty(t, st, nil, "alice", "bob", call.Options{})
	require.NoError(t, x.m.Start(ctx))

	x.m.OnRemoteCandidate(domain.Candidate{Candidate: "c1"})
	x.m.OnRemoteCandidate(domain.Candidate{Candidate: "c2"})
	x.m.OnRemoteCandidate(domain.Candidate{Candidate: "c1"})

	answered := domain.StatusAnswered
	_, err := st.Publish(ctx, sid, domain.Patch{
		Answer: &domain.Description{Type: "answer", SDP: "answer/remote"},
		Status: &answered,
	})
	require.NoError(t, err)
	waitState(t, x.m, call.StateConnecting)

	x.m.OnRemoteCandidate(domain.Candidate{Candidate: "c3"})
	x.m.OnRemoteCandidate(domain.Candidate{Candidate: "c2"})
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"c1", "c2", "c3"}, x.engines.Last().Applied())
	}, wait, 2*time.Millisecond)
}

func TestRingTimeoutRecordsMissedCall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	hist := &calltest.History{}
	x := newParty(t, st, hist, "alice", "bob", call.Options{RingTimeout: 30 * time.Millisecond})
	require.NoError(t, x.m.Start(ctx))

	select {
	case <-x.m.Done():
	case <-time.After(wait):
		t.Fatal("ring timeout did not end the call")
	}
	assert.Equal(t, call.StateEnded, x.m.Snapshot().State)
	assert.Equal(t, domain.StatusEnded, record(t, st).Status)
	require.Len(t, hist.Missed(), 1)
	assert.Equal(t, domain.UserID("bob"), hist.Missed()[0].CalleeID)
}

func TestCalleeDeclineEndsCaller(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	hist := &calltest.History{}
	x := newParty(t, st, hist, "alice", "bob", call.Options{})
	y := newParty(t, st, hist, "bob", "alice", call.Options{})
	require.NoError(t, x.m.Start(ctx))

	require.NoError(t, y.m.Decline(ctx))
	<-y.m.Done()
	<-x.m.Done()

	assert.Equal(t, domain.StatusDeclined, record(t, st).Status)
	assert.Equal(t, call.StateEnded, x.m.Snapshot().State)
	assert.Equal(t, int32(1), x.states.ended.Load())
	assert.Empty(t, hist.Missed())
	assert.Zero(t, y.engines.Count())
}

func TestStaleTerminalRecordIsReplacedByFreshCaller(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// an old attempt in which alice was the callee, already over
	_, err := st.Publish(ctx, sid, domain.Patch{
		CallerID: ptr[domain.UserID]("bob"),
		CalleeID: ptr[domain.UserID]("alice"),
		Kind:     ptr(domain.KindAudio),
		Status:   ptr(domain.StatusRinging),
		Offer:    &domain.Description{Type: "offer", SDP: "old"},
	})
	require.NoError(t, err)
	_, err = st.Publish(ctx, sid, domain.EndPatch(domain.StatusEnded))
	require.NoError(t, err)

	x := newParty(t, st, nil, "alice", "bob", call.Options{})
	require.NoError(t, x.m.Start(ctx))
	assert.Equal(t, domain.RoleCaller, x.m.Snapshot().Role)

	// a late copy of the old record must not end the fresh attempt
	x.m.OnTransportUpdate(&domain.Session{ID: sid, CallerID: "bob", CalleeID: "alice", Status: domain.StatusEnded})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, call.StateAwaitingAnswer, x.m.Snapshot().State)

	rec := record(t, st)
	assert.Equal(t, domain.StatusRinging, rec.Status)
	assert.Equal(t, domain.KindVideo, rec.Kind)
}

func TestMediaUnavailableFailsStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	x := newParty(t, st, nil, "alice", "bob", call.Options{})
	x.media.Err = &domain.MediaError{Reason: domain.MediaPermissionDenied, Kind: domain.KindVideo}

	err := x.m.Start(ctx)
	var me *domain.MediaError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, domain.MediaPermissionDenied, me.Reason)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)

	<-x.m.Done()
	assert.Equal(t, call.OutcomeFailed, x.m.Snapshot().Outcome)
	assert.Nil(t, record(t, st))
	assert.Zero(t, x.engines.Count())
}

func TestAcquiredMediaIsAttachedOnStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	x := newParty(t, st, nil, "alice", "bob", call.Options{})
	require.NoError(t, x.m.AcquireLocalMedia(ctx, domain.KindVideo))
	require.NoError(t, x.m.Start(ctx))
	require.NoError(t, x.m.Start(ctx))

	assert.Equal(t, 1, x.media.Acquired())
	assert.Equal(t, 1, x.engines.Count())
	assert.Equal(t, 1, x.engines.Last().Tracks())
}

func TestRemoteTrackReachesListener(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	got := make(chan core.RemoteTrack, 1)
	f := &calltest.Factory{Name: "alice"}
	m, err := call.New(
		call.Params{Local: "alice", Remote: "bob", SessionID: sid, Kind: domain.KindAudio},
		call.Deps{Transport: st, NewEngine: f.New, Listener: call.ListenerFuncs{
			RemoteTrack: func(tr core.RemoteTrack) { got <- tr },
		}},
		call.Options{},
	)
	require.NoError(t, err)
	defer func() { m.End(ctx, false); <-m.Done() }()
	require.NoError(t, m.Start(ctx))

	f.Last().EmitTrack(&calltest.Track{TrackID: "remote-audio", TrackKind: "audio"})
	select {
	case tr := <-got:
		assert.Equal(t, "remote-audio", tr.ID())
	case <-time.After(wait):
		t.Fatal("remote track not delivered")
	}
}

type countingStore struct {
	*store.Memory
	deletes atomic.Int32
}

func (c *countingStore) DeleteAllCandidates(ctx context.Context, id domain.SessionID) error {
	c.deletes.Add(1)
	return c.Memory.DeleteAllCandidates(ctx, id)
}

func TestEnd_IsolatesFailingCleanupSteps(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	st := &countingStore{Memory: store.NewMemory()}
	hist := &calltest.History{}

	track := mock_core.NewMockLocalTrack(ctrl)
	track.EXPECT().Stop().DoAndReturn(func() error { panic("device vanished") }).Times(1)
	media := mock_core.NewMockMediaSource(ctrl)
	media.EXPECT().Acquire(gomock.Any(), domain.KindAudio).Return([]core.LocalTrack{track}, nil)

	engine := mock_core.NewMockEngine(ctrl)
	engine.EXPECT().OnLocalCandidate(gomock.Any())
	engine.EXPECT().OnConnectionStateChange(gomock.Any())
	engine.EXPECT().OnRemoteTrack(gomock.Any())
	engine.EXPECT().OnSignalingStateChange(gomock.Any())
	engine.EXPECT().AddTrack(track).Return(nil)
	engine.EXPECT().CreateOffer(gomock.Any()).Return(domain.Description{Type: "offer", SDP: "o"}, nil)
	engine.EXPECT().SetLocalDescription(gomock.Any(), domain.Description{Type: "offer", SDP: "o"}).Return(nil)
	engine.EXPECT().IsClosed().Return(false).AnyTimes()
	engine.EXPECT().SignalingState().Return(core.SignalingHaveLocalOffer).AnyTimes()
	engine.EXPECT().Close().Return(errors.New("engine already torn")).Times(1)

	m, err := call.New(
		call.Params{Local: "alice", Remote: "bob", SessionID: sid, Kind: domain.KindAudio},
		call.Deps{
			Transport: st,
			NewEngine: func() (core.Engine, error) { return engine, nil },
			Media:     media,
			History:   hist,
		},
		call.Options{RingTimeout: -1},
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	m.End(ctx, true)
	m.End(ctx, true)
	<-m.Done()

	assert.Equal(t, int32(1), st.deletes.Load())
	assert.Equal(t, domain.StatusEnded, record(t, st).Status)
	assert.Len(t, hist.Missed(), 1)
	assert.Equal(t, call.StateEnded, m.Snapshot().State)
}

// Start's context only bounds Start; the call outlives it
func TestCanceledStartContextKeepsCallAlive(t *testing.T) {
	st := store.NewMemory()
	hist := &calltest.History{}
	x := newParty(t, st, hist, "alice", "bob", call.Options{RingTimeout: 300 * time.Millisecond})
	y := newParty(t, st, hist, "bob", "alice", call.Options{})

	xctx, xcancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, x.m.Start(xctx))
	xcancel()
	time.Sleep(50 * time.Millisecond)

	yctx, ycancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, y.m.Start(yctx))
	ycancel()
	waitState(t, y.m, call.StateConnecting)
	waitState(t, x.m, call.StateConnecting)

	// past the ring timeout: the answer stopped it
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, call.StateConnecting, x.m.Snapshot().State)
	assert.Empty(t, hist.Missed())

	x.engines.Last().EmitCandidate("cand-x")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"cand-x"}, y.engines.Last().Applied())
	}, wait, 2*time.Millisecond)

	x.m.End(context.Background(), false)
	<-x.m.Done()
	<-y.m.Done()
	assert.Equal(t, call.OutcomeEnded, y.m.Snapshot().Outcome)
	assert.Equal(t, int32(1), y.states.ended.Load())
}

func connected(t *testing.T, st *store.Memory, hist core.ChatHistory) (x, y *party) {
	t.Helper()
	ctx := context.Background()
	x = newParty(t, st, hist, "alice", "bob", call.Options{})
	y = newParty(t, st, hist, "bob", "alice", call.Options{})
	require.NoError(t, x.m.Start(ctx))
	require.NoError(t, y.m.Start(ctx))
	waitState(t, x.m, call.StateConnecting)
	x.engines.Last().EmitConn(core.ConnConnected)
	waitState(t, x.m, call.StateActive)
	return x, y
}

func TestReconnectingReturnsToActive(t *testing.T) {
	st := store.NewMemory()
	var actives atomic.Int32
	unsub, err := st.Subscribe(context.Background(), sid, func(rec *domain.Session) {
		if rec != nil && rec.Status == domain.StatusActive {
			actives.Add(1)
		}
	})
	require.NoError(t, err)
	defer unsub()

	x, _ := connected(t, st, nil)
	require.Eventually(t, func() bool { return actives.Load() == 1 }, wait, 2*time.Millisecond)

	x.engines.Last().EmitConn(core.ConnDisconnected)
	waitState(t, x.m, call.StateReconnecting)
	x.engines.Last().EmitConn(core.ConnConnected)
	waitState(t, x.m, call.StateActive)

	assert.Equal(t, 2, x.states.count(call.StateActive))
	assert.Equal(t, 1, x.states.count(call.StateReconnecting))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), actives.Load(), "active status published once")
	assert.Equal(t, domain.StatusActive, record(t, st).Status)
}

func TestConnClosedEndsWithoutMissedCall(t *testing.T) {
	st := store.NewMemory()
	hist := &calltest.History{}
	x, y := connected(t, st, hist)

	x.engines.Last().EmitConn(core.ConnClosed)
	<-x.m.Done()
	snap := x.m.Snapshot()
	assert.Equal(t, call.StateEnded, snap.State)
	assert.Equal(t, call.OutcomeEnded, snap.Outcome)
	assert.NoError(t, snap.Err)

	<-y.m.Done()
	assert.Equal(t, domain.StatusEnded, record(t, st).Status)
	assert.Empty(t, hist.Missed())
}

type flakyCandidates struct {
	*store.Memory
	attempts atomic.Int32
}

func (f *flakyCandidates) AppendCandidate(context.Context, domain.SessionID, domain.Role, domain.Candidate) error {
	f.attempts.Add(1)
	return domain.WrapTransport("appendCandidate", errors.New("flapping"))
}

func TestCandidateRetriesDoNotStallTheCall(t *testing.T) {
	ctx := context.Background()
	st := &flakyCandidates{Memory: store.NewMemory()}
	x := newParty(t, st, nil, "alice", "bob", call.Options{CandidateRetries: 3, CandidateBackoff: time.Second})
	require.NoError(t, x.m.Start(ctx))

	x.engines.Last().EmitCandidate("cand-x")
	require.Eventually(t, func() bool { return st.attempts.Load() == 1 }, wait, 2*time.Millisecond)

	// the machine keeps handling events while the retry backs off
	x.engines.Last().EmitConn(core.ConnDisconnected)
	waitState(t, x.m, call.StateReconnecting)

	began := time.Now()
	x.m.End(ctx, false)
	<-x.m.Done()
	assert.Less(t, time.Since(began), 500*time.Millisecond)
	assert.Equal(t, int32(1), st.attempts.Load(), "teardown stops pending retries")
}

func ptr[T any](v T) *T { return &v }
