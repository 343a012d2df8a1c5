// Package wire is the JSON message set of the broadcast relay, shared by
// the server and the client. Descriptions and candidates are carried as
// raw JSON; the relay never looks inside them.
package wire

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/callsig/internal/domain"
)

// Room protocol.
const (
	TypeCreateRoom  = "create-room"
	TypeRoomCreated = "room-created"
	TypeRoomError   = "room-error"
	TypeJoinRoom    = "join-room"
	TypeRoomJoined  = "room-joined"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeICE         = "ice-candidate"
	TypeLeaveRoom   = "leave-room"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeWhoAmI      = "whoami"
)

// Raw two-party protocol.
const (
	TypeJoin      = "join"
	TypeCandidate = "candidate"
	TypeError     = "error"
)

// Room error texts.
const (
	MsgRoomExists   = "room already exists"
	MsgRoomNotFound = "room not found"
	MsgRoomFull     = "room full"
	MsgNotInRoom    = "not in room"
	MsgBadPayload   = "bad payload"
	MsgRateLimited  = "too many rooms, slow down"
)

// Message is the envelope of every relay message; each type uses a
// subset of the fields.
type Message struct {
	Type         string               `json:"type"`
	RoomID       domain.RoomID        `json:"roomId,omitempty"`
	Room         domain.RoomID        `json:"room,omitempty"`
	Offer        json.RawMessage      `json:"offer,omitempty"`
	Answer       json.RawMessage      `json:"answer,omitempty"`
	Candidate    json.RawMessage      `json:"candidate,omitempty"`
	To           domain.Handle        `json:"to,omitempty"`
	From         domain.Handle        `json:"from,omitempty"`
	ID           domain.Handle        `json:"id,omitempty"`
	Participants []domain.Participant `json:"participants,omitempty"`
	Message      string               `json:"message,omitempty"`
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Raw marshals v for an opaque payload field.
func Raw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	return json.RawMessage(b), err
}
