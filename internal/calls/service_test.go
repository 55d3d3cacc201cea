package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campuscash/backend/internal/media"
	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/peer"
	"github.com/campuscash/backend/internal/realtime"
	"github.com/campuscash/backend/internal/signaling"
)

type harness struct {
	channel  *signaling.Channel
	repo     *MemoryRepository
	recorder *Recorder
	locks    *MemoryPairLock
}

func newHarness() *harness {
	repo := NewMemoryRepository()
	return &harness{
		channel:  signaling.NewChannel(realtime.NewMemoryPubSub(nil), 0, nil),
		repo:     repo,
		recorder: NewRecorder(repo, nil, nil),
		locks:    NewMemoryPairLock(),
	}
}

func (h *harness) service(t *testing.T, name string, src media.Source, opts Options) (*Service, chan *IncomingCall) {
	t.Helper()
	if src == nil {
		src = media.NewSyntheticSource(nil)
	}
	f, err := peer.NewFactory(peer.Config{IncludeLoopback: true}, src, nil)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	self := models.Profile{ID: uuid.New(), Username: name}
	svc := NewService(self, h.channel, f, h.recorder, h.locks, opts, nil)
	incoming := make(chan *IncomingCall, 4)
	svc.OnIncoming(func(ic *IncomingCall) { incoming <- ic })
	if err := svc.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, incoming
}

func (h *harness) session(t *testing.T, id uuid.UUID) *models.CallSession {
	t.Helper()
	s, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return s
}

func enabled(timeout time.Duration) Options {
	return Options{Enabled: true, SignalTimeout: timeout}
}

func waitIncoming(t *testing.T, ch <-chan *IncomingCall) *IncomingCall {
	t.Helper()
	select {
	case ic := <-ch:
		return ic
	case <-time.After(5 * time.Second):
		t.Fatal("no incoming call")
		return nil
	}
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_FullCall(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(10*time.Second))
	bob, bobIncoming := h.service(t, "bob", nil, enabled(10*time.Second))
	ctx := testContext(t)

	ac, err := alice.StartCall(ctx, bob.self.ID, true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ic := waitIncoming(t, bobIncoming)
	if ic.ID != ac.ID || ic.Caller != alice.self || !ic.IsVideo {
		t.Fatalf("incoming = %+v, want call %s from alice", ic, ac.ID)
	}
	if s := h.session(t, ac.ID); s.Status != models.CallStatusOngoing || s.CallType != models.CallTypeVideo || s.EndTime != nil {
		t.Fatalf("session after start = %+v", s)
	}

	bc, err := bob.Accept(ctx, ic)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := ac.AwaitAnswer(ctx); err != nil {
		t.Fatalf("AwaitAnswer: %v", err)
	}
	if ac.Peer.State() != peer.StateConnected {
		t.Fatalf("caller state = %s, want connected", ac.Peer.State())
	}
	if bob.Current() != bc || alice.Current() != ac {
		t.Fatal("current call not tracked")
	}

	if err := alice.Hangup(ctx, ac.ID); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	waitClosed(t, "callee teardown", bc.Done())
	if !errors.Is(bc.Err(), ErrRemoteEnded) {
		t.Fatalf("callee end reason = %v, want ErrRemoteEnded", bc.Err())
	}
	if ac.Err() != nil {
		t.Fatalf("caller end reason = %v, want nil", ac.Err())
	}

	// Hanging up again from either side changes nothing.
	_ = alice.Hangup(ctx, ac.ID)
	_ = bob.Hangup(ctx, bc.ID)
	ac.Hangup()

	s := h.session(t, ac.ID)
	if s.Status != models.CallStatusCompleted || s.EndTime == nil {
		t.Fatalf("session after hangup = %+v", s)
	}
	if h.repo.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", h.repo.Len())
	}
	if alice.Current() != nil || bob.Current() != nil {
		t.Fatal("call still current after hangup")
	}
	ok, _ := h.locks.Acquire(ctx, alice.self.ID, bob.self.ID, uuid.New(), time.Minute)
	if !ok {
		t.Fatal("pair lock not released")
	}
}

func TestService_CallOutlivesStartContext(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(10*time.Second))
	bob, bobIncoming := h.service(t, "bob", nil, enabled(10*time.Second))
	ctx := testContext(t)

	startCtx, cancelStart := context.WithCancel(ctx)
	ac, err := alice.StartCall(startCtx, bob.self.ID, false)
	cancelStart()
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	bc, err := bob.Accept(ctx, waitIncoming(t, bobIncoming))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := ac.AwaitAnswer(ctx); err != nil {
		t.Fatalf("AwaitAnswer after start context ended: %v", err)
	}
	bc.Hangup()
	waitClosed(t, "caller teardown", ac.Done())
}

func TestService_NoResponseWaitsWithoutTimeout(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(0))
	bob, bobIncoming := h.service(t, "bob", nil, enabled(0))
	ctx := testContext(t)

	ac, err := alice.StartCall(ctx, bob.self.ID, false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ic := waitIncoming(t, bobIncoming)

	time.Sleep(300 * time.Millisecond)
	if s := h.session(t, ac.ID); s.Status != models.CallStatusOngoing {
		t.Fatalf("status = %s, want ongoing", s.Status)
	}
	if ac.Peer.State() != peer.StateOfferSent {
		t.Fatalf("caller state = %s, want offer_sent", ac.Peer.State())
	}

	ac.Hangup()
	waitClosed(t, "prompt dismissed", ic.Done())
	if !errors.Is(ic.Err(), ErrRemoteEnded) {
		t.Fatalf("prompt reason = %v, want ErrRemoteEnded", ic.Err())
	}
	if _, err := bob.Accept(ctx, ic); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("Accept after hangup = %v, want ErrCallEnded", err)
	}
	if s := h.session(t, ac.ID); s.Status != models.CallStatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
}

func TestService_DeclineEndsMissed(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(0))
	bob, bobIncoming := h.service(t, "bob", nil, enabled(0))
	ctx := testContext(t)

	ac, err := alice.StartCall(ctx, bob.self.ID, false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ic := waitIncoming(t, bobIncoming)
	if err := bob.Decline(ctx, ic); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if err := bob.Decline(ctx, ic); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("second Decline = %v, want ErrCallEnded", err)
	}

	waitClosed(t, "caller teardown", ac.Done())
	if !errors.Is(ac.Err(), ErrRejected) {
		t.Fatalf("end reason = %v, want ErrRejected", ac.Err())
	}
	if err := ac.AwaitAnswer(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("AwaitAnswer = %v, want ErrRejected", err)
	}
	if s := h.session(t, ac.ID); s.Status != models.CallStatusMissed || s.EndTime == nil {
		t.Fatalf("session = %+v, want missed", s)
	}
}

func TestService_SignalTimeoutEndsMissed(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(200*time.Millisecond))
	bob, bobIncoming := h.service(t, "bob", nil, enabled(200*time.Millisecond))
	ctx := testContext(t)

	ac, err := alice.StartCall(ctx, bob.self.ID, false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ic := waitIncoming(t, bobIncoming)

	waitClosed(t, "caller timeout", ac.Done())
	if !errors.Is(ac.Err(), ErrCalleeUnreachable) {
		t.Fatalf("end reason = %v, want ErrCalleeUnreachable", ac.Err())
	}
	if got := Notice(ac.Err()); got != "could not reach the other person" {
		t.Fatalf("notice = %q", got)
	}
	if s := h.session(t, ac.ID); s.Status != models.CallStatusMissed {
		t.Fatalf("status = %s, want missed", s.Status)
	}
	waitClosed(t, "callee notified", ic.Done())
	if alice.Current() != nil {
		t.Fatal("call still current after timeout")
	}
}

func TestService_CallerMediaFailure(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", &media.FailingSource{}, enabled(0))
	bob, bobIncoming := h.service(t, "bob", nil, enabled(0))
	ctx := testContext(t)

	_, err := alice.StartCall(ctx, bob.self.ID, true)
	if !errors.Is(err, ErrMedia) || !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("StartCall = %v, want ErrMedia wrapping ErrPermissionDenied", err)
	}
	if Notice(err) != "call failed" {
		t.Fatalf("notice = %q", Notice(err))
	}
	ic := waitIncoming(t, bobIncoming)
	waitClosed(t, "prompt dismissed", ic.Done())

	if h.repo.Len() != 0 {
		t.Fatalf("sessions = %d, want none", h.repo.Len())
	}
	if alice.Current() != nil {
		t.Fatal("failed call left current")
	}
	if ok, _ := h.locks.Acquire(ctx, alice.self.ID, bob.self.ID, uuid.New(), time.Minute); !ok {
		t.Fatal("pair lock not released")
	}
}

func TestService_CalleeMediaFailure(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(0))
	bob, bobIncoming := h.service(t, "bob", &media.FailingSource{Err: media.ErrNoDevice}, enabled(0))
	ctx := testContext(t)

	ac, err := alice.StartCall(ctx, bob.self.ID, false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ic := waitIncoming(t, bobIncoming)
	if _, err := bob.Accept(ctx, ic); !errors.Is(err, ErrMedia) {
		t.Fatalf("Accept = %v, want ErrMedia", err)
	}

	waitClosed(t, "caller teardown", ac.Done())
	if !errors.Is(ac.Err(), ErrRemoteEnded) {
		t.Fatalf("caller end reason = %v, want ErrRemoteEnded", ac.Err())
	}
	if s := h.session(t, ac.ID); s.Status != models.CallStatusMissed {
		t.Fatalf("status = %s, want missed", s.Status)
	}
}

func TestService_CallingRemoved(t *testing.T) {
	h := newHarness()
	off, _ := h.service(t, "off", nil, Options{})
	if _, err := off.StartCall(context.Background(), uuid.New(), false); !errors.Is(err, ErrCallingRemoved) {
		t.Fatalf("StartCall = %v, want ErrCallingRemoved", err)
	}

	alice, _ := h.service(t, "alice", nil, enabled(0))
	bob, bobIncoming := h.service(t, "bob", nil, Options{})
	ctx := testContext(t)

	ac, err := alice.StartCall(ctx, bob.self.ID, false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	ic := waitIncoming(t, bobIncoming)
	if _, err := bob.Accept(ctx, ic); !errors.Is(err, ErrCallingRemoved) {
		t.Fatalf("Accept = %v, want ErrCallingRemoved", err)
	}
	waitClosed(t, "caller teardown", ac.Done())
	if s := h.session(t, ac.ID); s.Status != models.CallStatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
}

func TestService_Busy(t *testing.T) {
	h := newHarness()
	alice, _ := h.service(t, "alice", nil, enabled(0))
	bob, _ := h.service(t, "bob", nil, enabled(0))
	carol, _ := h.service(t, "carol", nil, enabled(0))
	ctx := testContext(t)

	if _, err := alice.StartCall(ctx, alice.self.ID, false); !errors.Is(err, ErrSelfCall) {
		t.Fatalf("self call = %v, want ErrSelfCall", err)
	}

	held := uuid.New()
	if ok, _ := h.locks.Acquire(ctx, bob.self.ID, carol.self.ID, held, time.Minute); !ok {
		t.Fatal("seed lock")
	}
	_, err := carol.StartCall(ctx, bob.self.ID, false)
	if !errors.Is(err, ErrBusy) || Notice(err) != "already in a call" {
		t.Fatalf("locked pair = %v, want ErrBusy", err)
	}
	if carol.Current() != nil {
		t.Fatal("busy attempt left current")
	}

	if _, err := alice.StartCall(ctx, bob.self.ID, false); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := alice.StartCall(ctx, carol.self.ID, false); !errors.Is(err, ErrBusy) {
		t.Fatalf("second call = %v, want ErrBusy", err)
	}
	if h.repo.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", h.repo.Len())
	}
}
