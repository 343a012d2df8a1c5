package domain

import "time"

// MissedCall is the side effect written to chat history when a ringing call
// went unanswered.
type MissedCall struct {
	ChatID   SessionID `json:"chatId"`
	Kind     Kind      `json:"callType"`
	CallerID UserID    `json:"callerId"`
	CalleeID UserID    `json:"calleeId"`
	At       time.Time `json:"at"`
}
