package domain

import (
	"strings"

	"github.com/google/uuid"
)

const MaxRoomIDLen = 36

type (
	RoomID string
	Handle string
)

// Participant is one connected handle inside a room.
// The first joiner of a room is its initiator.
type Participant struct {
	Handle      Handle `json:"id"`
	IsInitiator bool   `json:"isInitiator"`
}

// Room is a read-only snapshot of a relay room.
type Room struct {
	ID           RoomID        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

// NewRoomID returns a short random room code.
func NewRoomID() RoomID {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	return RoomID(s[:8])
}

func (id RoomID) Valid() bool {
	return len(id) > 0 && len(id) <= MaxRoomIDLen
}
