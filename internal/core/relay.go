package core

import (
	"context"

	"github.com/dkeye/callsig/internal/domain"
)

// Frame is one encoded relay message.
type Frame []byte

// SignalConn is the server-side view of one relay connection.
type SignalConn interface {
	// TrySend queues f without blocking; a full queue is an error.
	TrySend(f Frame) error
	Close()
}

// RoomRelay is the client-side room contract of the broadcast relay.
type RoomRelay interface {
	CreateRoom(ctx context.Context, id domain.RoomID) (domain.Room, error)
	JoinRoom(ctx context.Context, id domain.RoomID) (domain.Room, error)
	LeaveRoom(ctx context.Context, id domain.RoomID) error
}
