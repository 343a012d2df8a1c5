package relayclient_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/relayclient"
	"github.com/dkeye/callsig/internal/adapters/signal"
	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/call"
	"github.com/dkeye/callsig/internal/app/call/calltest"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/app/rooms"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const wait = 2 * time.Second

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	roomDir := rooms.NewDirectory(0)
	pairDir := rooms.NewDirectory(2)
	t.Cleanup(roomDir.Close)
	t.Cleanup(pairDir.Close)
	ctl := signal.NewSignalWSController(
		orch.New(app.NewRegistry(), roomDir, app.SimplePolicy{}),
		orch.New(app.NewRegistry(), pairDir, app.SimplePolicy{}),
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		c.Set("client_token", token)
		c.Next()
	})
	r.GET("/api/ws/signal", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/signal"
}

func dial(t *testing.T, url string, h domain.Handle) *relayclient.Client {
	t.Helper()
	c, err := relayclient.Dial(context.Background(), url, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRoomsMapRelayErrors(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	a := dial(t, url, "alice")
	b := dial(t, url, "bob")

	room, err := a.CreateRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), room.ID)
	assert.Equal(t, domain.RoomID("r1"), a.Room())

	_, err = b.CreateRoom(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomExists)

	_, err = b.JoinRoom(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	room, err = b.JoinRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Participant{
		{Handle: "alice", IsInitiator: true},
		{Handle: "bob"},
	}, room.Participants)
}

func TestUpdateOutsideRoomFails(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "alice")
	_, err := a.Publish(context.Background(), "r1", domain.Patch{})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, relayclient.ErrNoRoom)
}

func TestWaitPeer(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	a := dial(t, url, "alice")
	b := dial(t, url, "bob")

	_, err := a.WaitPeer(ctx)
	assert.ErrorIs(t, err, relayclient.ErrNoRoom)

	_, err = a.CreateRoom(ctx, "r1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = a.WaitPeer(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = b.JoinRoom(ctx, "r1")
	require.NoError(t, err)

	waitCtx, cancelWait := context.WithTimeout(ctx, wait)
	defer cancelWait()
	h, err := a.WaitPeer(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.Handle("bob"), h)

	// the joiner already sees the creator
	h, err = b.WaitPeer(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, domain.Handle("alice"), h)
}

type pair struct {
	alice, bob         *relayclient.Client
	aEngines, bEngines *calltest.Factory
}

func joinedPair(t *testing.T) pair {
	t.Helper()
	ctx := context.Background()
	url := startRelay(t)
	p := pair{
		alice:    dial(t, url, "alice"),
		bob:      dial(t, url, "bob"),
		aEngines: &calltest.Factory{Name: "alice"},
		bEngines: &calltest.Factory{Name: "bob"},
	}
	_, err := p.alice.CreateRoom(ctx, "r1")
	require.NoError(t, err)
	_, err = p.bob.JoinRoom(ctx, "r1")
	require.NoError(t, err)
	return p
}

func machine(t *testing.T, tr core.Transport, f *calltest.Factory, local, remote domain.UserID) *call.Machine {
	t.Helper()
	m, err := call.New(
		call.Params{Local: local, Remote: remote, SessionID: "r1", Kind: domain.KindAudio},
		call.Deps{Transport: tr, NewEngine: f.New, Media: &calltest.Media{}},
		call.Options{},
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.End(context.Background(), false)
		<-m.Done()
	})
	return m
}

func waitState(t *testing.T, m *call.Machine, want call.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Snapshot().State == want }, wait, 2*time.Millisecond,
		"want %s, have %s", want, m.Snapshot().State)
}

func ringing(t *testing.T, c *relayclient.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := c.Get(context.Background(), "r1")
		return err == nil && rec != nil && rec.Status == domain.StatusRinging
	}, wait, 2*time.Millisecond)
}

func TestCallOverRelay(t *testing.T) {
	ctx := context.Background()
	p := joinedPair(t)

	invites := make(chan domain.SessionID, 4)
	unsub, err := p.bob.SubscribeCallee(ctx, "bob", func(id domain.SessionID, rec *domain.Session) {
		if rec != nil && rec.Status == domain.StatusRinging {
			invites <- id
		}
	})
	require.NoError(t, err)
	defer unsub()

	x := machine(t, p.alice, p.aEngines, "alice", "bob")
	require.NoError(t, x.Start(ctx))
	assert.Equal(t, call.StateAwaitingAnswer, x.Snapshot().State)

	select {
	case id := <-invites:
		assert.Equal(t, domain.SessionID("r1"), id)
	case <-time.After(wait):
		t.Fatal("no invitation relayed")
	}
	rec, err := p.bob.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), rec.CallerID)
	assert.Equal(t, domain.UserID("bob"), rec.CalleeID)
	assert.Equal(t, p.aEngines.Last().Local(), rec.Offer)

	y := machine(t, p.bob, p.bEngines, "bob", "alice")
	require.NoError(t, y.Start(ctx))
	assert.Equal(t, domain.RoleCallee, y.Snapshot().Role)
	waitState(t, y, call.StateConnecting)
	waitState(t, x, call.StateConnecting)

	p.aEngines.Last().EmitCandidate("cand-x")
	p.bEngines.Last().EmitCandidate("cand-y")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"cand-x"}, p.bEngines.Last().Applied()) &&
			assert.ObjectsAreEqual([]string{"cand-y"}, p.aEngines.Last().Applied())
	}, wait, 2*time.Millisecond)

	p.aEngines.Last().EmitConn(core.ConnConnected)
	p.bEngines.Last().EmitConn(core.ConnConnected)
	waitState(t, x, call.StateActive)
	waitState(t, y, call.StateActive)

	x.End(ctx, false)
	<-x.Done()
	waitState(t, y, call.StateEnded)
	<-y.Done()
	assert.Equal(t, call.OutcomeEnded, y.Snapshot().Outcome)
}

func TestDeclineOverRelayEndsCaller(t *testing.T) {
	ctx := context.Background()
	p := joinedPair(t)

	x := machine(t, p.alice, p.aEngines, "alice", "bob")
	require.NoError(t, x.Start(ctx))
	ringing(t, p.bob)

	y := machine(t, p.bob, p.bEngines, "bob", "alice")
	_ = y.Decline(ctx)
	<-y.Done()

	waitState(t, x, call.StateEnded)
	<-x.Done()
	rec, err := p.alice.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, rec.Status.Terminal())
}
