package calls

import (
	"sync"

	"github.com/google/uuid"

	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/signaling"
)

type incomingState int

const (
	incomingPending incomingState = iota
	incomingAccepted
	incomingClosed
)

// IncomingCall is an announced call waiting for Accept or Decline. Signals on the
// call topic are buffered from the moment of announcement so an early offer is not lost.
type IncomingCall struct {
	ID      uuid.UUID
	Caller  models.Profile
	IsVideo bool

	mu       sync.Mutex
	state    incomingState
	buffered []signaling.Message
	call     *Call
	err      error
	done     chan struct{}

	subMu        sync.Mutex
	unsubscribe  func()
	unsubscribed bool
}

func newIncoming(e signaling.Incoming) *IncomingCall {
	return &IncomingCall{ID: e.ID, Caller: e.Caller, IsVideo: e.IsVideo, done: make(chan struct{})}
}

// Done is closed once the prompt is no longer answerable.
func (ic *IncomingCall) Done() <-chan struct{} { return ic.done }

// Err reports why the prompt closed: nil when accepted.
func (ic *IncomingCall) Err() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.err
}

func (ic *IncomingCall) deliver(m signaling.Message) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	switch {
	case ic.call != nil:
		ic.call.handleSignal(m)
	case ic.state != incomingClosed:
		ic.buffered = append(ic.buffered, m)
	}
}

// take moves a pending prompt to accepted, or closes it with reason.
func (ic *IncomingCall) take(accept bool, reason error) error {
	ic.mu.Lock()
	if ic.state != incomingPending {
		ic.mu.Unlock()
		return ErrCallEnded
	}
	if accept {
		ic.state = incomingAccepted
	} else {
		ic.state = incomingClosed
		ic.err = reason
		ic.buffered = nil
	}
	close(ic.done)
	ic.mu.Unlock()
	if !accept {
		ic.stop()
	}
	return nil
}

// attach hands buffered and future signals to c, in arrival order.
func (ic *IncomingCall) attach(c *Call) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.call = c
	for _, m := range ic.buffered {
		c.handleSignal(m)
	}
	ic.buffered = nil
}

func (ic *IncomingCall) setUnsubscribe(fn func()) {
	ic.subMu.Lock()
	if ic.unsubscribed {
		ic.subMu.Unlock()
		fn()
		return
	}
	ic.unsubscribe = fn
	ic.subMu.Unlock()
}

func (ic *IncomingCall) stop() {
	ic.subMu.Lock()
	fn := ic.unsubscribe
	ic.unsubscribe = nil
	ic.unsubscribed = true
	ic.subMu.Unlock()
	if fn != nil {
		fn()
	}
}
