// Package store implements the durable-store signaling transport: a shared
// per-session record with party-scoped candidate channels.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

// Store is everything the server and the janitor need from a backend.
type Store interface {
	core.Transport
	core.SessionWatcher
	core.ChatHistory
	core.UserDirectory

	DeleteSession(ctx context.Context, id domain.SessionID) error
	// ListRinging returns sessions still ringing whose last update is older than before.
	ListRinging(ctx context.Context, before time.Time) ([]*domain.Session, error)
	ListCandidates(ctx context.Context, id domain.SessionID, role domain.Role) ([]domain.Candidate, error)
	MissedCalls(ctx context.Context, callee domain.UserID) ([]domain.MissedCall, error)
	PutUser(ctx context.Context, u domain.User) error
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)

var ErrUserNotFound = errors.New("user not found")

// affectedCallees lists the callees that must hear about a change, so a
// callee replaced by a new attempt still learns its invitation is gone.
func affectedCallees(prev, next *domain.Session) []domain.UserID {
	var out []domain.UserID
	for _, r := range []*domain.Session{prev, next} {
		if r != nil && r.CalleeID != "" && !slices.Contains(out, r.CalleeID) {
			out = append(out, r.CalleeID)
		}
	}
	return out
}

type calleeEvent struct {
	id  domain.SessionID
	rec *domain.Session
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.TransportLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
