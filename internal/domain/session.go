package domain

import "time"

type SessionID string

// Kind is the media kind of a session; immutable once set.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindRoom  Kind = "room"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindRoom:
		return true
	}
	return false
}

// Status is the persisted status of a session record.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusDeclined Status = "declined"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusFailed
}

// Role is the resolved role of a party within one session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// Channel returns the candidate channel name owned by the role.
func (r Role) Channel() string {
	return string(r) + "Candidates"
}

// Description is an opaque negotiation description with its type tag.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one network path hint. The payload is opaque to the core.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Session is the persisted record of one call attempt.
type Session struct {
	ID        SessionID    `json:"id"`
	CallerID  UserID       `json:"callerId"`
	CalleeID  UserID       `json:"calleeId"`
	Kind      Kind         `json:"callType"`
	Status    Status       `json:"status"`
	Offer     *Description `json:"offer,omitempty"`
	Answer    *Description `json:"answer,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy so readers never share descriptions with the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Offer != nil {
		o := *s.Offer
		out.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		out.Answer = &a
	}
	return &out
}

// Involves reports whether id is the caller or callee of record.
func (s *Session) Involves(id UserID) bool {
	return s != nil && (s.CallerID == id || s.CalleeID == id)
}

// Patch is a merge-write against a session record. Nil fields are left
// untouched; the Clear flags remove a description explicitly.
type Patch struct {
	CallerID    *UserID      `json:"callerId,omitempty"`
	CalleeID    *UserID      `json:"calleeId,omitempty"`
	Kind        *Kind        `json:"callType,omitempty"`
	Status      *Status      `json:"status,omitempty"`
	Offer       *Description `json:"offer,omitempty"`
	Answer      *Description `json:"answer,omitempty"`
	ClearOffer  bool         `json:"clearOffer,omitempty"`
	ClearAnswer bool         `json:"clearAnswer,omitempty"`
	// Reset starts a new attempt: the previous record, terminal or not, is
	// replaced instead of merged.
	Reset bool `json:"reset,omitempty"`
}

// EndPatch is the terminal write used by teardown.
func EndPatch(status Status) Patch {
	return Patch{Status: &status, ClearOffer: true, ClearAnswer: true}
}

// Apply merges p into cur (nil means absent) and returns the new record.
// It enforces the record invariants; cur is never modified. UpdatedAt is
// strictly increasing per record even if the clock is not.
func (p Patch) Apply(id SessionID, cur *Session, now time.Time) (*Session, error) {
	if cur != nil && !now.After(cur.UpdatedAt) {
		now = cur.UpdatedAt.Add(time.Nanosecond)
	}
	next := cur.Clone()
	if next == nil || p.Reset {
		next = &Session{ID: id, CreatedAt: now}
	}
	if cur != nil && !p.Reset && cur.Status.Terminal() {
		if p.isTerminalRepeat(cur) {
			return cur.Clone(), nil
		}
		return nil, ErrTerminal
	}
	if p.CallerID != nil {
		next.CallerID = *p.CallerID
	}
	if p.CalleeID != nil {
		next.CalleeID = *p.CalleeID
	}
	if p.Kind != nil {
		if next.Kind != "" && next.Kind != *p.Kind {
			return nil, ErrKindImmutable
		}
		next.Kind = *p.Kind
	}
	if p.ClearOffer {
		next.Offer = nil
	}
	if p.ClearAnswer {
		next.Answer = nil
	}
	if p.Offer != nil {
		o := *p.Offer
		next.Offer = &o
	}
	if p.Answer != nil {
		if next.Offer == nil {
			return nil, ErrAnswerBeforeOffer
		}
		a := *p.Answer
		next.Answer = &a
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	next.UpdatedAt = now
	return next, nil
}

// isTerminalRepeat reports whether p only restates the terminal state cur
// already holds, which is accepted as a no-op.
func (p Patch) isTerminalRepeat(cur *Session) bool {
	if p.Offer != nil || p.Answer != nil || p.CallerID != nil || p.CalleeID != nil || p.Kind != nil {
		return false
	}
	return p.Status == nil || p.Status.Terminal()
}
