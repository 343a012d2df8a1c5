// Package call implements the per-session call state machine. One Machine
// owns one call attempt; every input is serialized through its goroutine.
package call

import (
	"time"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type State string

const (
	StateIdle                   State = "idle"
	StateRequestingCapabilities State = "requesting-capabilities"
	StateCreatingOffer          State = "creating-offer"
	StateAwaitingAnswer         State = "awaiting-answer"
	StateReceivedOffer          State = "received-offer"
	StateCreatingAnswer         State = "creating-answer"
	StateConnecting             State = "connecting"
	StateActive                 State = "active"
	StateReconnecting           State = "reconnecting"
	StateEnded                  State = "ended"
	StateFailed                 State = "failed"
)

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Outcome is the user-visible result of a finished call.
type Outcome string

const (
	OutcomeNone   Outcome = ""
	OutcomeEnded  Outcome = "ended"
	OutcomeFailed Outcome = "failed"
)

// Snapshot is a consistent view of a machine for observers.
type Snapshot struct {
	SessionID domain.SessionID
	State     State
	Role      domain.Role
	Outcome   Outcome
	Err       error
}

// Params identify one call attempt.
type Params struct {
	Local     domain.UserID
	Remote    domain.UserID
	SessionID domain.SessionID
	Kind      domain.Kind
	// RoleHint is advisory only; the role is resolved against the record.
	RoleHint domain.Role
}

// Deps are the collaborators of a machine. Media, History and Listener
// are optional.
type Deps struct {
	Transport core.Transport
	NewEngine core.EngineFactory
	Media     core.MediaSource
	History   core.ChatHistory
	Listener  Listener
}

type Options struct {
	// RingTimeout ends a caller still awaiting an answer. Negative disables.
	RingTimeout time.Duration
	// CleanupTimeout bounds the transport writes of teardown.
	CleanupTimeout   time.Duration
	CandidateRetries int
	CandidateBackoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		RingTimeout:      45 * time.Second,
		CleanupTimeout:   5 * time.Second,
		CandidateRetries: 3,
		CandidateBackoff: 50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RingTimeout == 0 {
		o.RingTimeout = def.RingTimeout
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = def.CleanupTimeout
	}
	if o.CandidateRetries <= 0 {
		o.CandidateRetries = def.CandidateRetries
	}
	if o.CandidateBackoff <= 0 {
		o.CandidateBackoff = def.CandidateBackoff
	}
	return o
}

// Listener receives UI-level notifications. Calls arrive in order on a
// dedicated goroutine, never on the machine's own.
type Listener interface {
	OnState(Snapshot)
	OnEndedExternally()
	OnRemoteTrack(core.RemoteTrack)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped.
type ListenerFuncs struct {
	State           func(Snapshot)
	EndedExternally func()
	RemoteTrack     func(core.RemoteTrack)
}

func (f ListenerFuncs) OnState(s Snapshot) {
	if f.State != nil {
		f.State(s)
	}
}

func (f ListenerFuncs) OnEndedExternally() {
	if f.EndedExternally != nil {
		f.EndedExternally()
	}
}

func (f ListenerFuncs) OnRemoteTrack(t core.RemoteTrack) {
	if f.RemoteTrack != nil {
		f.RemoteTrack(t)
	}
}
