package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/peer"
	"github.com/campuscash/backend/internal/signaling"
)

// PeerFactory creates idle peers. *peer.Factory implements it.
type PeerFactory interface {
	New() *peer.Peer
}

// Options tune the orchestrator.
type Options struct {
	// Enabled=false makes every operation fail with ErrCallingRemoved.
	Enabled bool
	// SignalTimeout bounds each awaited signaling step. Zero waits forever.
	SignalTimeout time.Duration
	// LockTTL bounds the pair lock. Zero uses DefaultLockTTL.
	LockTTL time.Duration
}

// Service runs calls for one local user. At most one call is active at a time.
type Service struct {
	self     models.Profile
	channel  *signaling.Channel
	peers    PeerFactory
	recorder *Recorder
	locks    PairLocker
	opts     Options
	logger   *zap.Logger

	mu         sync.Mutex
	current    *Call
	incoming   map[uuid.UUID]*IncomingCall
	onIncoming []func(*IncomingCall)
	onEnded    []func(*Call)
	stopListen func()
}

// NewService creates an orchestrator acting as self.
func NewService(self models.Profile, channel *signaling.Channel, peers PeerFactory, recorder *Recorder, locks PairLocker, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		self:     self,
		channel:  channel.For(self.ID),
		peers:    peers,
		recorder: recorder,
		locks:    locks,
		opts:     opts,
		logger:   logger.With(zap.String("user_id", self.ID.String())),
		incoming: make(map[uuid.UUID]*IncomingCall),
	}
}

// OnIncoming registers fn for announced calls. fn runs on its own goroutine.
func (s *Service) OnIncoming(fn func(*IncomingCall)) {
	s.mu.Lock()
	s.onIncoming = append(s.onIncoming, fn)
	s.mu.Unlock()
}

// OnEnded registers fn, called after any call ends. fn runs on its own goroutine.
func (s *Service) OnEnded(fn func(*Call)) {
	s.mu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

// Current returns the active call, or nil.
func (s *Service) Current() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Listen subscribes to the user's personal topic until ctx is done or Close.
func (s *Service) Listen(ctx context.Context) error {
	cancel, err := s.channel.SubscribeUser(ctx, s.self.ID, s.handleEvent)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	prev := s.stopListen
	s.stopListen = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// StartCall dials calleeID. It returns once the offer is sent; use Call.AwaitAnswer
// to wait for the callee. ctx bounds only the setup steps: the call keeps its
// signaling subscription until it ends.
func (s *Service) StartCall(ctx context.Context, calleeID uuid.UUID, isVideo bool) (*Call, error) {
	if !s.opts.Enabled {
		return nil, ErrCallingRemoved
	}
	if calleeID == s.self.ID {
		return nil, ErrSelfCall
	}
	c := newCall(s, uuid.New(), RoleCaller, calleeID, isVideo)
	if err := s.claim(c); err != nil {
		return nil, err
	}
	ok, err := s.locks.Acquire(ctx, s.self.ID, calleeID, c.ID, s.opts.LockTTL)
	if err != nil || !ok {
		s.unclaim(c)
		if err != nil {
			return nil, err
		}
		return nil, ErrBusy
	}

	unsubscribe, err := s.channel.Subscribe(context.Background(), c.ID, c.handleSignal)
	if err != nil {
		c.end(endOptions{reason: err})
		return nil, fmt.Errorf("subscribe call topic: %w", err)
	}
	c.setUnsubscribe(unsubscribe)

	announce := signaling.Incoming{ID: c.ID, Caller: s.self, IsVideo: isVideo}
	if err := s.channel.Notify(ctx, calleeID, announce); err != nil {
		c.end(endOptions{reason: err})
		return nil, fmt.Errorf("announce call: %w", err)
	}
	if err := c.Peer.Initialize(ctx, isVideo); err != nil {
		c.end(endOptions{notify: true, reason: err})
		return nil, mediaError(err)
	}
	offer, err := c.Peer.CreateOffer()
	if err != nil {
		c.end(endOptions{notify: true, reason: err})
		return nil, err
	}
	s.recorder.Start(ctx, c.ID, s.self.ID, calleeID, isVideo)
	select {
	case <-c.done:
		// Declined or ended while the session row was being written.
		s.recorder.End(ctx, c.ID, models.CallStatusMissed)
		return nil, c.Err()
	default:
	}
	if err := s.channel.Send(ctx, c.ID, signaling.Offer{SDP: offer}); err != nil {
		c.end(endOptions{status: models.CallStatusMissed, notify: true, reason: err})
		return nil, fmt.Errorf("send offer: %w", err)
	}
	if s.opts.SignalTimeout > 0 {
		go c.watchAnswer(s.opts.SignalTimeout)
	}
	c.log.Info("call started", zap.String("callee_id", calleeID.String()), zap.Bool("video", isVideo))
	return c, nil
}

// Accept answers ic. It returns once the answer is sent. As with StartCall, ctx
// bounds only the setup steps.
func (s *Service) Accept(ctx context.Context, ic *IncomingCall) (*Call, error) {
	if !s.opts.Enabled {
		if err := ic.take(false, ErrCallingRemoved); err == nil {
			s.forget(ic)
			s.recorder.End(ctx, ic.ID, models.CallStatusCompleted)
			if err := s.channel.Notify(ctx, ic.Caller.ID, signaling.Ended{ID: ic.ID}); err != nil {
				s.logger.Warn("send termination notice failed", zap.String("call_id", ic.ID.String()), zap.Error(err))
			}
		}
		return nil, ErrCallingRemoved
	}
	c := newCall(s, ic.ID, RoleCallee, ic.Caller.ID, ic.IsVideo)
	if err := s.claim(c); err != nil {
		return nil, err
	}
	if err := ic.take(true, nil); err != nil {
		s.unclaim(c)
		return nil, err
	}
	s.forget(ic)
	c.setUnsubscribe(ic.stop)

	if err := c.Peer.Initialize(ctx, ic.IsVideo); err != nil {
		c.end(endOptions{status: models.CallStatusMissed, notify: true, reason: err})
		return nil, mediaError(err)
	}
	ic.attach(c)

	wait, cancel := s.stepContext(ctx)
	defer cancel()
	select {
	case <-c.answered:
		if err := c.answerErr; err != nil {
			c.end(endOptions{status: models.CallStatusMissed, notify: true, reason: err})
			return nil, err
		}
	case <-wait.Done():
		err := ctx.Err()
		if err == nil {
			err = ErrCalleeUnreachable
		}
		c.end(endOptions{status: models.CallStatusMissed, notify: true, reason: err})
		return nil, err
	}
	c.log.Info("call accepted", zap.String("caller_id", ic.Caller.ID.String()))
	return c, nil
}

// Decline rejects ic on its call topic.
func (s *Service) Decline(ctx context.Context, ic *IncomingCall) error {
	if err := ic.take(false, ErrRejected); err != nil {
		return err
	}
	s.forget(ic)
	if err := s.channel.Send(ctx, ic.ID, signaling.Reject{}); err != nil {
		return fmt.Errorf("send reject: %w", err)
	}
	s.logger.Info("call declined", zap.String("call_id", ic.ID.String()))
	return nil
}

// Hangup ends callID as completed. Hanging up a call that is not active is a no-op.
func (s *Service) Hangup(_ context.Context, callID uuid.UUID) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil || c.ID != callID {
		return nil
	}
	c.Hangup()
	return nil
}

// Close stops listening, hangs up the active call and drops pending prompts.
func (s *Service) Close() {
	s.mu.Lock()
	stop, c := s.stopListen, s.current
	s.stopListen = nil
	pending := make([]*IncomingCall, 0, len(s.incoming))
	for _, ic := range s.incoming {
		pending = append(pending, ic)
	}
	s.incoming = make(map[uuid.UUID]*IncomingCall)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, ic := range pending {
		_ = ic.take(false, ErrCallEnded)
	}
	if c != nil {
		c.Hangup()
	}
}

func (s *Service) handleEvent(e signaling.Event) {
	switch ev := e.(type) {
	case signaling.Incoming:
		s.receiveIncoming(ev)
	case signaling.Ended:
		s.receiveEnded(ev.ID)
	}
}

func (s *Service) receiveIncoming(ev signaling.Incoming) {
	s.mu.Lock()
	if _, dup := s.incoming[ev.ID]; dup || (s.current != nil && s.current.ID == ev.ID) {
		s.mu.Unlock()
		return
	}
	ic := newIncoming(ev)
	s.incoming[ev.ID] = ic
	callbacks := append(([]func(*IncomingCall))(nil), s.onIncoming...)
	s.mu.Unlock()

	log := s.logger.With(zap.String("call_id", ev.ID.String()), zap.String("caller_id", ev.Caller.ID.String()))
	unsubscribe, err := s.channel.Subscribe(context.Background(), ev.ID, ic.deliver)
	if err != nil {
		log.Warn("subscribe incoming call failed", zap.Error(err))
		s.forget(ic)
		_ = ic.take(false, err)
		return
	}
	ic.setUnsubscribe(unsubscribe)

	log.Info("incoming call", zap.Bool("video", ev.IsVideo))
	for _, fn := range callbacks {
		go fn(ic)
	}
}

func (s *Service) receiveEnded(callID uuid.UUID) {
	s.mu.Lock()
	ic := s.incoming[callID]
	delete(s.incoming, callID)
	var c *Call
	if s.current != nil && s.current.ID == callID {
		c = s.current
	}
	s.mu.Unlock()

	if ic != nil {
		_ = ic.take(false, ErrRemoteEnded)
	}
	if c != nil {
		c.end(endOptions{reason: ErrRemoteEnded})
	}
}

func (s *Service) claim(c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return ErrBusy
	}
	s.current = c
	return nil
}

func (s *Service) unclaim(c *Call) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Service) forget(ic *IncomingCall) {
	s.mu.Lock()
	if s.incoming[ic.ID] == ic {
		delete(s.incoming, ic.ID)
	}
	s.mu.Unlock()
}

func (s *Service) release(ctx context.Context, c *Call) {
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	callbacks := append(([]func(*Call))(nil), s.onEnded...)
	s.mu.Unlock()

	if err := s.locks.Release(ctx, s.self.ID, c.Counterpart, c.ID); err != nil {
		c.log.Warn("release pair lock failed", zap.Error(err))
	}
	for _, fn := range callbacks {
		go fn(c)
	}
}

func (s *Service) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.SignalTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.SignalTimeout)
	}
	return context.WithCancel(ctx)
}
