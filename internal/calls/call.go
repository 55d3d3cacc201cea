package calls

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/peer"
	"github.com/campuscash/backend/internal/signaling"
)

// storeTimeout bounds store and relay writes made outside a caller's context.
const storeTimeout = 5 * time.Second

// Role is which side of a call the local user plays.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Call is the call currently active on a Service.
type Call struct {
	ID          uuid.UUID
	Role        Role
	Counterpart uuid.UUID
	IsVideo     bool
	Peer        *peer.Peer

	svc *Service
	log *zap.Logger

	mu          sync.Mutex
	unsubscribe func()

	answered   chan struct{}
	answerOnce sync.Once
	answerErr  error

	done    chan struct{}
	endOnce sync.Once
	endErr  error
}

type endOptions struct {
	// status is written to the call log; empty skips the write.
	status models.CallStatus
	// notify sends Ended to the counterpart's personal topic.
	notify bool
	reason error
}

func newCall(svc *Service, id uuid.UUID, role Role, counterpart uuid.UUID, isVideo bool) *Call {
	c := &Call{
		ID:          id,
		Role:        role,
		Counterpart: counterpart,
		IsVideo:     isVideo,
		Peer:        svc.peers.New(),
		svc:         svc,
		log:         svc.logger.With(zap.String("call_id", id.String()), zap.String("role", string(role))),
		answered:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.Peer.OnCandidate(func(ci webrtc.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := svc.channel.Send(ctx, id, signaling.Candidate{Candidate: ci}); err != nil {
			c.log.Warn("send candidate failed", zap.Error(err))
		}
	})
	c.Peer.OnStateChange(func(s peer.State) {
		c.log.Debug("call state", zap.String("state", s.String()))
	})
	return c
}

// AwaitAnswer blocks until negotiation completes: the answer is applied (caller) or
// sent (callee). It returns why the call ended if it ended first.
func (c *Call) AwaitAnswer(ctx context.Context) error {
	select {
	case <-c.answered:
		return c.answerErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the call has ended and released its resources.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err reports why the call ended: nil for a local hang-up. Valid after Done.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.endErr
	default:
		return nil
	}
}

// Hangup ends the call as completed and tells the other party.
func (c *Call) Hangup() {
	c.end(endOptions{status: models.CallStatusCompleted, notify: true})
}

func (c *Call) setUnsubscribe(fn func()) {
	c.mu.Lock()
	c.unsubscribe = fn
	c.mu.Unlock()
}

func (c *Call) resolve(err error) {
	c.answerOnce.Do(func() {
		c.answerErr = err
		close(c.answered)
	})
}

func (c *Call) isAnswered() bool {
	select {
	case <-c.answered:
		return true
	default:
		return false
	}
}

func (c *Call) handleSignal(m signaling.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	switch v := m.(type) {
	case signaling.Offer:
		if c.Role == RoleCallee {
			c.applyOffer(v)
		}
	case signaling.Answer:
		if c.Role == RoleCaller {
			c.applyAnswer(v)
		}
	case signaling.Candidate:
		if err := c.Peer.HandleCandidate(v.Candidate); err != nil && !errors.Is(err, peer.ErrClosed) {
			c.log.Warn("remote candidate rejected", zap.Error(err))
		}
	case signaling.Reject:
		if c.Role == RoleCaller {
			c.log.Info("call declined")
			c.end(endOptions{status: models.CallStatusMissed, reason: ErrRejected})
		}
	}
}

func (c *Call) applyOffer(o signaling.Offer) {
	if c.isAnswered() {
		return
	}
	answer, err := c.Peer.HandleOffer(o.SDP)
	if errors.Is(err, peer.ErrInvalidTransition) {
		return
	}
	if err != nil {
		c.resolve(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	c.resolve(c.svc.channel.Send(ctx, c.ID, signaling.Answer{SDP: answer}))
}

func (c *Call) applyAnswer(a signaling.Answer) {
	if c.isAnswered() {
		return
	}
	err := c.Peer.HandleAnswer(a.SDP)
	if errors.Is(err, peer.ErrInvalidTransition) {
		return
	}
	c.resolve(err)
	if err != nil {
		c.log.Warn("apply answer failed", zap.Error(err))
		c.end(endOptions{status: models.CallStatusMissed, notify: true, reason: err})
		return
	}
	c.log.Info("call answered")
}

func (c *Call) watchAnswer(timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.answered:
	case <-c.done:
	case <-t.C:
		c.log.Info("no answer before deadline", zap.Duration("timeout", timeout))
		c.end(endOptions{status: models.CallStatusMissed, notify: true, reason: ErrCalleeUnreachable})
	}
}

// end releases everything the call holds. Only the first call has any effect.
func (c *Call) end(o endOptions) {
	c.endOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		c.endErr = o.reason
		if o.status != "" {
			c.svc.recorder.End(ctx, c.ID, o.status)
		}
		if o.notify {
			if err := c.svc.channel.Notify(ctx, c.Counterpart, signaling.Ended{ID: c.ID}); err != nil {
				c.log.Warn("send termination notice failed", zap.Error(err))
			}
		}
		c.mu.Lock()
		unsubscribe := c.unsubscribe
		c.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		if err := c.Peer.Close(); err != nil {
			c.log.Debug("close peer", zap.Error(err))
		}
		reason := o.reason
		if reason == nil {
			reason = ErrCallEnded
		}
		c.resolve(reason)
		c.svc.release(ctx, c)
		close(c.done)
		c.log.Info("call ended", zap.String("status", string(o.status)), zap.NamedError("reason", o.reason))
	})
}
