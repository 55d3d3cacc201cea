package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is not legal in the current state.
	ErrInvalidTransition = errors.New("peer: invalid state transition")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("peer: closed")
)

// State is the logical negotiation state of a Peer.
type State int

const (
	StateIdle State = iota
	StateReady
	StateOfferSent
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerSent:
		return "answer_sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func invalid(from, to State) error {
	if from == StateClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
