// Package calltest provides in-memory collaborators for exercising
// call.Machine without a real negotiation stack or media devices.
package calltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// Engine is a scripted core.Engine that follows the offer/answer
// signaling states without doing any network work.
type Engine struct {
	Name     string
	CloseErr error

	mu       sync.Mutex
	sig      core.SignalingState
	closed   bool
	offers   int
	local    *domain.Description
	remote   *domain.Description
	applied  []domain.Candidate
	tracks   []core.LocalTrack
	onCand   func(domain.Candidate)
	onTrack  func(core.RemoteTrack)
	onConn   func(core.ConnState)
	onSignal func(core.SignalingState)
}

func NewEngine(name string) *Engine {
	return &Engine{Name: name, sig: core.SignalingStable}
}

// Factory hands out engines named name-1, name-2, ... and remembers them.
type Factory struct {
	Name string

	mu      sync.Mutex
	engines []*Engine
}

func (f *Factory) New() (core.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := NewEngine(fmt.Sprintf("%s-%d", f.Name, len(f.engines)+1))
	f.engines = append(f.engines, e)
	return e, nil
}

// Last returns the most recent engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (e *Engine) CreateOffer(context.Context) (domain.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Description{}, domain.ErrEngineClosed
	}
	e.offers++
	return domain.Description{Type: "offer", SDP: fmt.Sprintf("offer/%s/%d", e.Name, e.offers)}, nil
}

func (e *Engine) CreateAnswer(context.Context) (domain.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.Description{}, domain.ErrEngineClosed
	}
	if e.sig != core.SignalingHaveRemoteOffer {
		return domain.Description{}, fmt.Errorf("create answer in %s", e.sig)
	}
	return domain.Description{Type: "answer", SDP: "answer/" + e.Name}, nil
}

func (e *Engine) SetLocalDescription(_ context.Context, d domain.Description) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return domain.ErrEngineClosed
	case d.Type == "offer" && e.sig == core.SignalingStable:
		e.sig = core.SignalingHaveLocalOffer
	case d.Type == "answer" && e.sig == core.SignalingHaveRemoteOffer:
		e.sig = core.SignalingStable
	default:
		e.mu.Unlock()
		return fmt.Errorf("set local %s in %s", d.Type, e.sig)
	}
	e.local = &d
	sig, fn := e.sig, e.onSignal
	e.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
	return nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, d domain.Description) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return domain.ErrEngineClosed
	case d.Type == "offer" && e.sig == core.SignalingStable:
		e.sig = core.SignalingHaveRemoteOffer
	case d.Type == "answer" && e.sig == core.SignalingHaveLocalOffer:
		e.sig = core.SignalingStable
	default:
		e.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", d.Type, e.sig)
	}
	e.remote = &d
	sig, fn := e.sig, e.onSignal
	e.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
	return nil
}

func (e *Engine) AddICECandidate(_ context.Context, c domain.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	if e.remote == nil {
		return ErrNoRemoteDescription
	}
	e.applied = append(e.applied, c)
	return nil
}

func (e *Engine) AddTrack(t core.LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	e.tracks = append(e.tracks, t)
	return nil
}

func (e *Engine) SignalingState() core.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sig
}

func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.sig = core.SignalingClosed
	return e.CloseErr
}

func (e *Engine) OnLocalCandidate(fn func(domain.Candidate)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *Engine) OnRemoteTrack(fn func(core.RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *Engine) OnConnectionStateChange(fn func(core.ConnState)) {
	e.mu.Lock()
	e.onConn = fn
	e.mu.Unlock()
}

func (e *Engine) OnSignalingStateChange(fn func(core.SignalingState)) {
	e.mu.Lock()
	e.onSignal = fn
	e.mu.Unlock()
}

// EmitCandidate plays a locally gathered candidate.
func (e *Engine) EmitCandidate(c string) {
	e.mu.Lock()
	fn := e.onCand
	e.mu.Unlock()
	if fn != nil {
		fn(domain.Candidate{Candidate: c})
	}
}

// EmitConn plays a connectivity transition.
func (e *Engine) EmitConn(s core.ConnState) {
	e.mu.Lock()
	fn := e.onConn
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (e *Engine) EmitTrack(t core.RemoteTrack) {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Applied lists the remote candidate strings applied so far, in order.
func (e *Engine) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.applied))
	for _, c := range e.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (e *Engine) Remote() *domain.Description {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *Engine) Local() *domain.Description {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *Engine) Tracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}

// Track is a local or remote track that counts Stop calls.
type Track struct {
	TrackID   string
	TrackKind string
	StopErr   error
	stops     atomic.Int32
}

func (t *Track) ID() string   { return t.TrackID }
func (t *Track) Kind() string { return t.TrackKind }

func (t *Track) Stop() error {
	t.stops.Add(1)
	return t.StopErr
}

func (t *Track) Stopped() bool { return t.stops.Load() > 0 }

// Media hands out one track per acquisition, or Err.
type Media struct {
	Err error

	mu     sync.Mutex
	tracks []*Track
}

func (m *Media) Acquire(_ context.Context, kind domain.Kind) ([]core.LocalTrack, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Track{TrackID: fmt.Sprintf("%s-%d", kind, len(m.tracks)+1), TrackKind: string(kind)}
	m.tracks = append(m.tracks, t)
	return []core.LocalTrack{t}, nil
}

// AllStopped reports whether every handed out track was stopped.
func (m *Media) AllStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

func (m *Media) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// History records missed calls.
type History struct {
	mu     sync.Mutex
	missed []domain.MissedCall
}

func (h *History) RecordMissedCall(_ context.Context, mc domain.MissedCall) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missed = append(h.missed, mc)
	return nil
}

func (h *History) Missed() []domain.MissedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.MissedCall(nil), h.missed...)
}
