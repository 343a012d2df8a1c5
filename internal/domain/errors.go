package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMediaUnavailable  = errors.New("media unavailable")
	ErrTransport         = errors.New("transport error")
	ErrNegotiation       = errors.New("negotiation error")
	ErrRoomExists        = errors.New("room already exists")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room is full")
	ErrTerminal          = errors.New("session is terminal")
	ErrAnswerBeforeOffer = errors.New("answer set before offer")
	ErrKindImmutable     = errors.New("session kind is immutable")
	ErrEngineClosed      = errors.New("negotiation engine closed")
)

type MediaReason string

const (
	MediaPermissionDenied MediaReason = "permission-denied"
	MediaNoDevice         MediaReason = "no-device"
)

// MediaError reports why local media could not be acquired.
type MediaError struct {
	Reason MediaReason
	Kind   Kind
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media unavailable for %s: %s", e.Kind, e.Reason)
}

func (e *MediaError) Unwrap() error { return ErrMediaUnavailable }

// TransportError wraps a failed publish or read against a signaling transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// NegotiationError wraps an operation rejected by the negotiation engine.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() []error { return []error{ErrNegotiation, e.Err} }

// WrapTransport tags err as a TransportError unless it is nil or already one.
func WrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
