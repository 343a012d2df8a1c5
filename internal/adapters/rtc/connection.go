// Package rtc backs core.Engine with a pion PeerConnection and provides
// static local tracks for headless parties.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var ErrForeignTrack = errors.New("track was not created by this package")

var _ core.Engine = (*Engine)(nil)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Config builds a pion configuration from ICE server URLs; an empty list
// falls back to DefaultWebRTCConfig.
func Config(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: iceServers}}}
}

// NewEngineFactory returns a factory handing out a fresh PeerConnection
// per attempt.
func NewEngineFactory(cfg webrtc.Configuration) core.EngineFactory {
	return func() (core.Engine, error) { return NewEngine(cfg) }
}

type Engine struct {
	pc     *webrtc.PeerConnection
	log    zerolog.Logger
	closed atomic.Bool

	mu       sync.RWMutex
	onCand   func(domain.Candidate)
	onTrack  func(core.RemoteTrack)
	onConn   func(core.ConnState)
	onSignal func(core.SignalingState)
}

func NewEngine(cfg webrtc.Configuration) (*Engine, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		pc:  pc,
		log: log.With().Str("module", "webrtc").Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := e.candidateHandler(); fn != nil {
			fn(fromInit(cand.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		e.mu.RLock()
		fn := e.onConn
		e.mu.RUnlock()
		if fn != nil {
			fn(connState(s))
		}
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		e.mu.RLock()
		fn := e.onSignal
		e.mu.RUnlock()
		if fn != nil {
			fn(signalingState(s))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		e.mu.RLock()
		fn := e.onTrack
		e.mu.RUnlock()
		if fn != nil {
			fn(remoteTrack{track})
		}
	})
	return e, nil
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.Description, error) {
	if err := e.usable(ctx); err != nil {
		return domain.Description{}, err
	}
	sd, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return fromSD(sd), nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.Description, error) {
	if err := e.usable(ctx); err != nil {
		return domain.Description{}, err
	}
	sd, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return fromSD(sd), nil
}

func (e *Engine) SetLocalDescription(ctx context.Context, d domain.Description) error {
	if err := e.usable(ctx); err != nil {
		return err
	}
	return e.pc.SetLocalDescription(toSD(d))
}

func (e *Engine) SetRemoteDescription(ctx context.Context, d domain.Description) error {
	if err := e.usable(ctx); err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(toSD(d))
}

func (e *Engine) AddICECandidate(ctx context.Context, c domain.Candidate) error {
	if err := e.usable(ctx); err != nil {
		return err
	}
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (e *Engine) AddTrack(t core.LocalTrack) error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("add track %s: %w", t.ID(), ErrForeignTrack)
	}
	_, err := e.pc.AddTrack(lt.track)
	return err
}

func (e *Engine) SignalingState() core.SignalingState {
	return signalingState(e.pc.SignalingState())
}

func (e *Engine) IsClosed() bool { return e.closed.Load() }

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.pc.Close(); err != nil {
		e.log.Error().Err(err).Msg("close error")
		return err
	}
	e.log.Info().Msg("closed")
	return nil
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

func (e *Engine) candidateHandler() func(domain.Candidate) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onCand
}

func (e *Engine) usable(ctx context.Context) error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	return ctx.Err()
}

type remoteTrack struct{ t *webrtc.TrackRemote }

func (r remoteTrack) ID() string   { return r.t.ID() }
func (r remoteTrack) Kind() string { return r.t.Kind().String() }

func fromSD(sd webrtc.SessionDescription) domain.Description {
	return domain.Description{Type: sd.Type.String(), SDP: sd.SDP}
}

func toSD(d domain.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromInit(ci webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func connState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnChecking
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnClosed
	default:
		return core.ConnNew
	}
}

func signalingState(s webrtc.SignalingState) core.SignalingState {
	switch s {
	case webrtc.SignalingStateHaveLocalOffer:
		return core.SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return core.SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return core.SignalingClosed
	default:
		return core.SignalingStable
	}
}
