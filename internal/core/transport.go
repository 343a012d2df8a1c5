// Package core holds the capabilities the call layer is written against:
// signaling transports, negotiation engines and their collaborators.
package core

import (
	"context"
	"errors"

	"github.com/dkeye/callsig/internal/domain"
)

// ErrNoChange aborts an Update without writing.
var ErrNoChange = errors.New("no change")

// Unsubscribe detaches a listener; safe to call more than once.
type Unsubscribe func()

// UpdateFunc computes a patch from the current record (nil when absent).
// Returning ErrNoChange leaves the record untouched.
type UpdateFunc func(cur *domain.Session) (domain.Patch, error)

// SessionGetter reads one session record; (nil, nil) means absent.
type SessionGetter interface {
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)
}

// Transport is the signaling contract the call state machine depends on.
// Delivery is at-least-once; records are last-write-wins and candidates an
// unordered set. Failures wrap domain.ErrTransport.
type Transport interface {
	SessionGetter
	// Publish merges patch into the record.
	Publish(ctx context.Context, id domain.SessionID, patch domain.Patch) (*domain.Session, error)
	// Update is an atomic read-modify-write of one record.
	Update(ctx context.Context, id domain.SessionID, fn UpdateFunc) (*domain.Session, error)
	// Subscribe delivers the current record, if any, and every later change.
	// A nil record means the session was deleted.
	Subscribe(ctx context.Context, id domain.SessionID, fn func(*domain.Session)) (Unsubscribe, error)
	AppendCandidate(ctx context.Context, id domain.SessionID, role domain.Role, c domain.Candidate) error
	SubscribeCandidates(ctx context.Context, id domain.SessionID, role domain.Role, fn func(domain.Candidate)) (Unsubscribe, error)
	DeleteAllCandidates(ctx context.Context, id domain.SessionID) error
}

// SessionWatcher observes every session addressed to one callee.
type SessionWatcher interface {
	SubscribeCallee(ctx context.Context, callee domain.UserID, fn func(id domain.SessionID, rec *domain.Session)) (Unsubscribe, error)
}

// ChatHistory receives missed-call notes. Fire-and-forget for callers.
type ChatHistory interface {
	RecordMissedCall(ctx context.Context, mc domain.MissedCall) error
}

// UserDirectory resolves party identities for presentation.
type UserDirectory interface {
	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)
}
