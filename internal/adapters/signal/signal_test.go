package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/app"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/app/rooms"
	"github.com/dkeye/callsig/internal/domain"
)

func newServer(t *testing.T, limiter *RoomRateLimiter) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	roomDir := rooms.NewDirectory(0)
	pairDir := rooms.NewDirectory(2)
	t.Cleanup(roomDir.Close)
	t.Cleanup(pairDir.Close)

	ctl := NewSignalWSController(
		orch.New(app.NewRegistry(), roomDir, app.SimplePolicy{}),
		orch.New(app.NewRegistry(), pairDir, app.SimplePolicy{}),
		limiter,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("client_token", c.Query("h"))
		c.Next()
	})
	r.GET("/signal", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	r.GET("/pair", func(c *gin.Context) { ctl.HandlePair(ctx, c) })

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, base, path, handle string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(base+path+"?h="+handle, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, m wire.Message) {
	t.Helper()
	b, err := wire.Encode(m)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func recv(t *testing.T, c *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	m, err := wire.Decode(data)
	require.NoError(t, err)
	return m
}

func TestRoomProtocolRelaysNegotiation(t *testing.T) {
	base := newServer(t, nil)
	a := dial(t, base, "/signal", "alice")
	b := dial(t, base, "/signal", "bob")

	send(t, a, wire.Message{Type: wire.TypeCreateRoom, RoomID: "r1"})
	created := recv(t, a)
	assert.Equal(t, wire.TypeRoomCreated, created.Type)
	assert.Equal(t, domain.RoomID("r1"), created.RoomID)

	send(t, b, wire.Message{Type: wire.TypeJoinRoom, RoomID: "r1"})
	joined := recv(t, b)
	require.Equal(t, wire.TypeRoomJoined, joined.Type)
	assert.Equal(t, []domain.Participant{
		{Handle: "alice", IsInitiator: true},
		{Handle: "bob"},
	}, joined.Participants)

	note := recv(t, a)
	assert.Equal(t, wire.TypeUserJoined, note.Type)
	assert.Equal(t, domain.Handle("bob"), note.ID)

	offer, err := wire.Raw(map[string]string{"type": "offer", "sdp": "v=0"})
	require.NoError(t, err)
	send(t, b, wire.Message{Type: wire.TypeOffer, RoomID: "r1", Offer: offer})
	got := recv(t, a)
	assert.Equal(t, wire.TypeOffer, got.Type)
	assert.Equal(t, domain.Handle("bob"), got.From)
	assert.JSONEq(t, string(offer), string(got.Offer))

	answer, err := wire.Raw(map[string]string{"type": "answer", "sdp": "v=0"})
	require.NoError(t, err)
	send(t, a, wire.Message{Type: wire.TypeAnswer, RoomID: "r1", To: "bob", Answer: answer})
	got = recv(t, b)
	assert.Equal(t, wire.TypeAnswer, got.Type)
	assert.Equal(t, domain.Handle("alice"), got.From)

	require.NoError(t, b.Close())
	left := recv(t, a)
	assert.Equal(t, wire.TypeUserLeft, left.Type)
	assert.Equal(t, domain.Handle("bob"), left.ID)
}

func TestRoomProtocolErrors(t *testing.T) {
	base := newServer(t, nil)
	a := dial(t, base, "/signal", "alice")
	b := dial(t, base, "/signal", "bob")

	send(t, a, wire.Message{Type: wire.TypeCreateRoom, RoomID: "dup"})
	require.Equal(t, wire.TypeRoomCreated, recv(t, a).Type)

	send(t, b, wire.Message{Type: wire.TypeCreateRoom, RoomID: "dup"})
	e := recv(t, b)
	assert.Equal(t, wire.TypeRoomError, e.Type)
	assert.Equal(t, wire.MsgRoomExists, e.Message)

	send(t, b, wire.Message{Type: wire.TypeJoinRoom, RoomID: "nope"})
	e = recv(t, b)
	assert.Equal(t, wire.TypeRoomError, e.Type)
	assert.Equal(t, wire.MsgRoomNotFound, e.Message)

	send(t, b, wire.Message{Type: wire.TypeOffer, RoomID: "dup"})
	e = recv(t, b)
	assert.Equal(t, wire.MsgNotInRoom, e.Message)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("{")))
	e = recv(t, b)
	assert.Equal(t, wire.MsgBadPayload, e.Message)
}

func TestCreateWithoutIDGeneratesOne(t *testing.T) {
	base := newServer(t, nil)
	a := dial(t, base, "/signal", "alice")

	send(t, a, wire.Message{Type: wire.TypeCreateRoom})
	created := recv(t, a)
	require.Equal(t, wire.TypeRoomCreated, created.Type)
	assert.True(t, created.RoomID.Valid())

	send(t, a, wire.Message{Type: wire.TypeWhoAmI})
	who := recv(t, a)
	assert.Equal(t, domain.Handle("alice"), who.ID)
	assert.Equal(t, created.RoomID, who.RoomID)
}

func TestPingPong(t *testing.T) {
	base := newServer(t, nil)
	a := dial(t, base, "/signal", "alice")
	send(t, a, wire.Message{Type: wire.TypePing})
	assert.Equal(t, wire.TypePong, recv(t, a).Type)
}

func TestCreateIsRateLimited(t *testing.T) {
	base := newServer(t, NewRoomRateLimiter(0.001, 1))
	a := dial(t, base, "/signal", "alice")

	send(t, a, wire.Message{Type: wire.TypeCreateRoom, RoomID: "one"})
	require.Equal(t, wire.TypeRoomCreated, recv(t, a).Type)

	send(t, a, wire.Message{Type: wire.TypeCreateRoom, RoomID: "two"})
	e := recv(t, a)
	assert.Equal(t, wire.TypeRoomError, e.Type)
	assert.Equal(t, wire.MsgRateLimited, e.Message)
}

func TestSwitchingRoomsAnnouncesLeave(t *testing.T) {
	base := newServer(t, nil)
	a := dial(t, base, "/signal", "alice")
	b := dial(t, base, "/signal", "bob")

	send(t, a, wire.Message{Type: wire.TypeCreateRoom, RoomID: "first"})
	require.Equal(t, wire.TypeRoomCreated, recv(t, a).Type)
	send(t, b, wire.Message{Type: wire.TypeJoinRoom, RoomID: "first"})
	require.Equal(t, wire.TypeRoomJoined, recv(t, b).Type)
	require.Equal(t, wire.TypeUserJoined, recv(t, a).Type)

	send(t, b, wire.Message{Type: wire.TypeCreateRoom, RoomID: "second"})
	require.Equal(t, wire.TypeRoomCreated, recv(t, b).Type)

	left := recv(t, a)
	assert.Equal(t, wire.TypeUserLeft, left.Type)
	assert.Equal(t, domain.Handle("bob"), left.ID)
}

func TestPairProtocolAdmitsTwo(t *testing.T) {
	base := newServer(t, nil)
	a := dial(t, base, "/pair", "alice")
	b := dial(t, base, "/pair", "bob")
	c := dial(t, base, "/pair", "carol")

	send(t, a, wire.Message{Type: wire.TypeJoin, Room: "p"})
	// the first join has no acknowledgement; make sure it landed
	send(t, a, wire.Message{Type: wire.TypeOffer, Room: "nowhere"})
	require.Equal(t, wire.TypeError, recv(t, a).Type)

	send(t, b, wire.Message{Type: wire.TypeJoin, Room: "p"})
	j := recv(t, a)
	assert.Equal(t, wire.TypeJoin, j.Type)
	assert.Equal(t, domain.Handle("bob"), j.From)

	send(t, c, wire.Message{Type: wire.TypeJoin, Room: "p"})
	e := recv(t, c)
	assert.Equal(t, wire.TypeError, e.Type)
	assert.Equal(t, wire.MsgRoomFull, e.Message)

	cand, err := wire.Raw(map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	require.NoError(t, err)
	send(t, b, wire.Message{Type: wire.TypeCandidate, Room: "p", Candidate: cand})
	got := recv(t, a)
	assert.Equal(t, wire.TypeCandidate, got.Type)
	assert.JSONEq(t, string(cand), string(got.Candidate))
}

func TestRateLimiterIsPerHandle(t *testing.T) {
	rl := NewRoomRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))

	var none *RoomRateLimiter
	assert.True(t, none.Allow("a"))
}
