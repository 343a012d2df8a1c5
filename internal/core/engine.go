package core

//go:generate mockgen -source=engine.go -destination=mock_core/engine_mock.go -package=mock_core

import (
	"context"

	"github.com/dkeye/callsig/internal/domain"
)

// ConnState is the connectivity state reported by a negotiation engine.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnChecking     ConnState = "checking"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// SignalingState mirrors the offer/answer state of a negotiation engine.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// LocalTrack is a local media track owned by exactly one session.
type LocalTrack interface {
	ID() string
	Kind() string
	// Stop releases the underlying device; safe to call twice.
	Stop() error
}

// RemoteTrack is a track received from the remote party.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// Engine is the platform negotiation capability for one session.
// An Engine is never reused across sessions.
type Engine interface {
	CreateOffer(ctx context.Context) (domain.Description, error)
	CreateAnswer(ctx context.Context) (domain.Description, error)
	SetLocalDescription(ctx context.Context, d domain.Description) error
	SetRemoteDescription(ctx context.Context, d domain.Description) error
	// AddICECandidate applies a remote candidate. It returns
	// domain.ErrEngineClosed once the engine is closed.
	AddICECandidate(ctx context.Context, c domain.Candidate) error
	AddTrack(t LocalTrack) error
	SignalingState() SignalingState
	IsClosed() bool
	Close() error

	OnLocalCandidate(func(domain.Candidate))
	OnRemoteTrack(func(RemoteTrack))
	OnConnectionStateChange(func(ConnState))
	OnSignalingStateChange(func(SignalingState))
}

// EngineFactory builds a fresh engine for a new attempt.
type EngineFactory func() (Engine, error)

// MediaSource acquires local tracks. Failures are *domain.MediaError.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.Kind) ([]LocalTrack, error)
}
