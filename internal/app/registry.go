package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type connEntry struct {
	Conn   core.SignalConn
	Cancel context.CancelFunc
}

// Registry maps relay handles to their live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.Handle]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.Handle]*connEntry)}
}

// Bind registers conn for h and returns the cancel func of a connection it
// replaced, if any.
func (r *Registry) Bind(h domain.Handle, conn core.SignalConn, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev context.CancelFunc
	if e, ok := r.conns[h]; ok {
		prev = e.Cancel
	}
	r.conns[h] = &connEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("handle", string(h)).Bool("replaced", prev != nil).Msg("bound connection")
	return prev
}

func (r *Registry) Conn(h domain.Handle) (core.SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[h]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Current reports whether conn is still the live connection of h.
func (r *Registry) Current(h domain.Handle, conn core.SignalConn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[h]
	return ok && e.Conn == conn
}

// Unbind forgets h only if conn is still its connection, so a replaced
// connection cannot unbind its successor.
func (r *Registry) Unbind(h domain.Handle, conn core.SignalConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[h]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.conns, h)
	log.Info().Str("module", "app.registry").Str("handle", string(h)).Msg("unbind connection")
	return true
}

func (r *Registry) Cancel(h domain.Handle) bool {
	r.mu.RLock()
	e, ok := r.conns[h]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("handle", string(h)).Msg("canceled connection")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
