// Package relayclient maps the broadcast relay's room protocol onto the
// signaling transport contract. One joined room stands for one session;
// the client keeps a local mirror of the session record built from what
// it sent and what the peer relayed.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/adapters/signal/wire"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var (
	ErrClosed = errors.New("relay connection closed")
	ErrNoRoom = errors.New("not in a room")
)

const writeWait = 5 * time.Second

var (
	_ core.Transport      = (*Client)(nil)
	_ core.SessionWatcher = (*Client)(nil)
	_ core.RoomRelay      = (*Client)(nil)
)

type recSub struct {
	id domain.SessionID
	d  *core.Dispatcher[*domain.Session]
}

type candSub struct {
	id   domain.SessionID
	role domain.Role
	d    *core.Dispatcher[domain.Candidate]
}

type calleeSub struct {
	callee domain.UserID
	d      *core.Dispatcher[calleeEvent]
}

type calleeEvent struct {
	id  domain.SessionID
	rec *domain.Session
}

type Client struct {
	handle domain.Handle
	self   domain.UserID
	conn   *websocket.Conn
	log    zerolog.Logger
	now    func() time.Time
	done   chan struct{}

	writeMu sync.Mutex
	reqMu   sync.Mutex

	mu         sync.Mutex
	waiter     chan wire.Message
	room       domain.RoomID
	mirror     *domain.Session
	cands      map[domain.Role][]domain.Candidate
	nextID     uint64
	recSubs    map[uint64]recSub
	candSubs   map[uint64]candSub
	calleeSubs map[uint64]calleeSub
	closed     bool

	// other members of the joined room; arrived is closed once one is known
	peers   map[domain.Handle]struct{}
	arrived chan struct{}
}

// Dial connects to the relay's room endpoint as handle. The relay knows
// the handle from the client-token cookie.
func Dial(ctx context.Context, url string, handle domain.Handle) (*Client, error) {
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: "ct", Value: string(handle)}).String())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, domain.WrapTransport("dial", err)
	}
	c := &Client{
		handle:     handle,
		self:       domain.UserID(handle),
		conn:       conn,
		log:        log.With().Str("module", "relayclient").Str("handle", string(handle)).Logger(),
		now:        time.Now,
		done:       make(chan struct{}),
		cands:      make(map[domain.Role][]domain.Candidate),
		recSubs:    make(map[uint64]recSub),
		candSubs:   make(map[uint64]candSub),
		calleeSubs: make(map[uint64]calleeSub),
		peers:      make(map[domain.Handle]struct{}),
		arrived:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Room returns the room currently joined, if any.
func (c *Client) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// WaitPeer blocks until another member is in the joined room and returns
// its handle. The relay drops negotiation sent to an empty room.
func (c *Client) WaitPeer(ctx context.Context) (domain.Handle, error) {
	for {
		c.mu.Lock()
		if c.room == "" {
			c.mu.Unlock()
			return "", ErrNoRoom
		}
		for h := range c.peers {
			c.mu.Unlock()
			return h, nil
		}
		arrived := c.arrived
		c.mu.Unlock()

		select {
		case <-arrived:
		case <-c.done:
			return "", domain.WrapTransport("waitPeer", ErrClosed)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Client) CreateRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	r, err := c.request(ctx, "createRoom", wire.Message{Type: wire.TypeCreateRoom, RoomID: id})
	if err != nil {
		return domain.Room{}, err
	}
	if r.Type == wire.TypeRoomError {
		return domain.Room{}, roomError(r.Message)
	}
	return domain.Room{
		ID:           r.RoomID,
		Participants: []domain.Participant{{Handle: c.handle, IsInitiator: true}},
	}, nil
}

func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	r, err := c.request(ctx, "joinRoom", wire.Message{Type: wire.TypeJoinRoom, RoomID: id})
	if err != nil {
		return domain.Room{}, err
	}
	if r.Type == wire.TypeRoomError {
		return domain.Room{}, roomError(r.Message)
	}
	return domain.Room{ID: r.RoomID, Participants: r.Participants}, nil
}

func (c *Client) LeaveRoom(ctx context.Context, id domain.RoomID) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapTransport("leaveRoom", err)
	}
	if err := c.write(wire.Message{Type: wire.TypeLeaveRoom, RoomID: id}); err != nil {
		return err
	}
	c.mu.Lock()
	if c.room == id {
		c.enterLocked("")
	}
	c.mu.Unlock()
	return nil
}

// Close drops the connection and every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, s := range c.recSubs {
		s.d.Close()
	}
	for _, s := range c.candSubs {
		s.d.Close()
	}
	for _, s := range c.calleeSubs {
		s.d.Close()
	}
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// request sends m and waits for the room reply. Requests are serialized
// since the protocol does not correlate replies.
func (c *Client) request(ctx context.Context, op string, m wire.Message) (wire.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	wait := make(chan wire.Message, 1)
	c.mu.Lock()
	c.waiter = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiter = nil
		c.mu.Unlock()
	}()

	if err := c.write(m); err != nil {
		return wire.Message{}, err
	}
	select {
	case r := <-wait:
		return r, nil
	case <-c.done:
		return wire.Message{}, domain.WrapTransport(op, ErrClosed)
	case <-ctx.Done():
		return wire.Message{}, domain.WrapTransport(op, ctx.Err())
	}
}

func (c *Client) write(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return domain.WrapTransport(m.Type, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return domain.WrapTransport(m.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read loop stopped")
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad relay message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case wire.TypeRoomCreated, wire.TypeRoomJoined:
		c.enterLocked(msg.RoomID)
		for _, p := range msg.Participants {
			c.peerJoinedLocked(p.Handle)
		}
		c.replyLocked(msg)
	case wire.TypeRoomError:
		if !c.replyLocked(msg) {
			c.log.Warn().Str("room", string(msg.RoomID)).Str("error", msg.Message).Msg("relay error")
		}
	case wire.TypeOffer:
		c.remoteOfferLocked(msg)
	case wire.TypeAnswer:
		c.remoteAnswerLocked(msg)
	case wire.TypeICE:
		c.remoteCandidateLocked(msg)
	case wire.TypeUserLeft:
		c.peerGoneLocked(msg.ID)
		c.peerLeftLocked(msg.ID)
	case wire.TypeUserJoined:
		c.log.Info().Str("peer", string(msg.ID)).Msg("peer joined")
		c.peerJoinedLocked(msg.ID)
	case wire.TypePong:
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignored relay message")
	}
}

func (c *Client) replyLocked(msg wire.Message) bool {
	if c.waiter == nil {
		return false
	}
	c.waiter <- msg
	c.waiter = nil
	return true
}

// enterLocked switches the mirror to a new room.
func (c *Client) enterLocked(id domain.RoomID) {
	if c.room == id {
		return
	}
	c.room = id
	c.mirror = nil
	c.cands = make(map[domain.Role][]domain.Candidate)
	c.peers = make(map[domain.Handle]struct{})
	c.arrived = make(chan struct{})
}

func (c *Client) peerJoinedLocked(h domain.Handle) {
	if h == "" || h == c.handle {
		return
	}
	if _, ok := c.peers[h]; ok {
		return
	}
	if len(c.peers) == 0 {
		close(c.arrived)
	}
	c.peers[h] = struct{}{}
}

func (c *Client) peerGoneLocked(h domain.Handle) {
	if _, ok := c.peers[h]; !ok {
		return
	}
	delete(c.peers, h)
	if len(c.peers) == 0 {
		c.arrived = make(chan struct{})
	}
}

func roomError(text string) error {
	switch text {
	case wire.MsgRoomExists:
		return domain.ErrRoomExists
	case wire.MsgRoomNotFound:
		return domain.ErrRoomNotFound
	case wire.MsgRoomFull:
		return domain.ErrRoomFull
	default:
		return fmt.Errorf("relay: %s", text)
	}
}
