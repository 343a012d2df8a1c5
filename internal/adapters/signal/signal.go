// Package signal is the websocket side of the broadcast relay. It speaks
// the room protocol on one endpoint and the raw two-party protocol on
// another; membership lives in the orchestrators.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const defaultSendQueue = 32

type SignalWSController struct {
	Rooms      *orch.Orchestrator
	Pairs      *orch.Orchestrator
	Limiter    *RoomRateLimiter
	SendQueue  int
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(rooms, pairs *orch.Orchestrator, limiter *RoomRateLimiter) *SignalWSController {
	return &SignalWSController{
		Rooms:     rooms,
		Pairs:     pairs,
		Limiter:   limiter,
		SendQueue: defaultSendQueue,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type messageHandler func(h domain.Handle, c *WsSignalConn, data []byte)

// HandleSignal upgrades to the room protocol.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ctl.serve(ctx, c, ctl.Rooms, ctl.handleRoomMessage, ctl.disconnectRoom)
}

// HandlePair upgrades to the raw two-party protocol.
func (ctl *SignalWSController) HandlePair(ctx context.Context, c *gin.Context) {
	ctl.serve(ctx, c, ctl.Pairs, ctl.handlePairMessage, ctl.disconnectPair)
}

func (ctl *SignalWSController) serve(
	ctx context.Context,
	c *gin.Context,
	o *orch.Orchestrator,
	handle messageHandler,
	disconnect func(domain.Handle, *WsSignalConn),
) {
	h := domain.Handle(c.GetString("client_token"))
	if h == "" {
		h = domain.Handle(uuid.NewString())
	}
	log.Info().Str("module", "signal").Str("handle", string(h)).Str("path", c.Request.URL.Path).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	queue := ctl.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, queue),
	}

	ctx, cancel := context.WithCancel(ctx)
	// a kick cancels ctx; closing the socket unblocks the read loop
	context.AfterFunc(ctx, conn.Close)
	o.Connect(h, conn, cancel)

	go func() {
		defer cancel()
		var wg conc.WaitGroup
		wg.Go(func() { ctl.writePump(ctx, conn) })
		wg.Go(func() { ctl.readPump(ctx, h, conn, handle) })
		wg.Wait()
		disconnect(h, conn)
	}()
}
