package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/campuscash/backend/internal/media"
)

func newTestFactory(t *testing.T, src media.Source) *Factory {
	t.Helper()
	if src == nil {
		src = media.NewSyntheticSource(nil)
	}
	f, err := NewFactory(Config{IncludeLoopback: true}, src, nil)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPeer_InvalidTransitions(t *testing.T) {
	p := newTestFactory(t, nil).New()
	defer p.Close()

	if _, err := p.CreateOffer(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("CreateOffer on idle = %v, want ErrInvalidTransition", err)
	}
	if err := p.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("HandleCandidate on idle = %v, want ErrInvalidTransition", err)
	}
	if err := p.Initialize(context.Background(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if p.State() != StateReady {
		t.Fatalf("state = %s, want ready", p.State())
	}
	if err := p.Initialize(context.Background(), false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Initialize = %v, want ErrInvalidTransition", err)
	}
	if err := p.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("HandleAnswer on ready = %v, want ErrInvalidTransition", err)
	}
	if _, err := p.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := p.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("HandleOffer after offer = %v, want ErrInvalidTransition", err)
	}
}

func TestPeer_MediaFailureStaysIdle(t *testing.T) {
	p := newTestFactory(t, media.FailingSource{Err: media.ErrPermissionDenied}).New()
	err := p.Initialize(context.Background(), true)
	if !media.IsMediaError(err) {
		t.Fatalf("Initialize = %v, want media error", err)
	}
	if p.State() != StateIdle {
		t.Fatalf("state = %s, want idle", p.State())
	}
	if p.LocalStream() != nil {
		t.Fatal("local stream kept after failed initialize")
	}
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	p := newTestFactory(t, nil).New()
	if err := p.Initialize(context.Background(), true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	var closedEvents int
	p.OnStateChange(func(s State) {
		if s == StateClosed {
			closedEvents++
		}
	})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if closedEvents != 1 {
		t.Fatalf("closed notified %d times, want 1", closedEvents)
	}
	for _, tr := range p.LocalStream().Tracks() {
		if tr.ReadyState() != media.ReadyStateEnded {
			t.Errorf("%s track still %s", tr.Kind(), tr.ReadyState())
		}
	}
	if _, err := p.CreateOffer(); !errors.Is(err, ErrClosed) {
		t.Fatalf("CreateOffer after close = %v, want ErrClosed", err)
	}
	if err := p.HandleCandidate(webrtc.ICECandidateInit{Candidate: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleCandidate after close = %v, want ErrClosed", err)
	}
	if err := p.Initialize(context.Background(), false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Initialize after close = %v, want ErrClosed", err)
	}
	if err := p.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleAnswer after close = %v, want ErrClosed", err)
	}
	if _, err := p.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleOffer after close = %v, want ErrClosed", err)
	}
}

// gatedSource blocks Open until release is closed.
type gatedSource struct {
	opened  chan struct{}
	release chan struct{}
	src     media.Source
}

func (g *gatedSource) Open(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	close(g.opened)
	<-g.release
	return g.src.Open(ctx, c)
}

func TestPeer_CloseDuringInitialize(t *testing.T) {
	src := &gatedSource{opened: make(chan struct{}), release: make(chan struct{}), src: media.NewSyntheticSource(nil)}
	p := newTestFactory(t, src).New()

	errc := make(chan error, 1)
	go func() { errc <- p.Initialize(context.Background(), true) }()
	<-src.opened
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(src.release)

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("Initialize = %v, want ErrClosed", err)
	}
	if p.State() != StateClosed {
		t.Fatalf("state = %s, want closed", p.State())
	}
	if p.LocalStream() != nil {
		t.Fatal("local stream kept after close")
	}
	if err := p.HandleCandidate(webrtc.ICECandidateInit{Candidate: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleCandidate = %v, want ErrClosed", err)
	}
}

func TestPeer_CloseRacingInitializeStaysClosed(t *testing.T) {
	f := newTestFactory(t, nil)
	for i := 0; i < 20; i++ {
		p := f.New()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = p.Initialize(context.Background(), false)
		}()
		_ = p.Close()
		<-done
		if p.State() != StateClosed {
			t.Fatalf("run %d: state = %s after Close, want closed", i, p.State())
		}
		if err := p.HandleCandidate(webrtc.ICECandidateInit{Candidate: "x"}); !errors.Is(err, ErrClosed) {
			t.Fatalf("run %d: HandleCandidate = %v, want ErrClosed", i, err)
		}
	}
}

func TestPeer_ToggleWithoutRenegotiation(t *testing.T) {
	p := newTestFactory(t, nil).New()
	defer p.Close()
	if p.ToggleAudio() {
		t.Fatal("toggle before initialize reported on")
	}
	if err := p.Initialize(context.Background(), false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if on := p.ToggleAudio(); on {
		t.Fatal("first ToggleAudio should mute")
	}
	if on := p.ToggleAudio(); !on {
		t.Fatal("second ToggleAudio should unmute")
	}
	if on := p.ToggleVideo(); on {
		t.Fatal("ToggleVideo on audio call reported on")
	}
	if p.State() != StateReady {
		t.Fatalf("toggling changed state to %s", p.State())
	}
}

func TestPeer_LoopbackCall(t *testing.T) {
	f := newTestFactory(t, nil)
	caller, callee := f.New(), f.New()
	defer caller.Close()
	defer callee.Close()

	// Candidates cross before descriptions on purpose; both sides must buffer.
	caller.OnCandidate(func(c webrtc.ICECandidateInit) {
		if err := callee.HandleCandidate(c); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("callee candidate: %v", err)
		}
	})
	callee.OnCandidate(func(c webrtc.ICECandidateInit) {
		if err := caller.HandleCandidate(c); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("caller candidate: %v", err)
		}
	})
	remote := make(chan *RemoteStream, 4)
	callee.OnRemoteStream(func(rs *RemoteStream) { remote <- rs })

	ctx := context.Background()
	if err := caller.Initialize(ctx, true); err != nil {
		t.Fatalf("caller Initialize: %v", err)
	}
	if err := callee.Initialize(ctx, true); err != nil {
		t.Fatalf("callee Initialize: %v", err)
	}
	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if caller.State() != StateOfferSent {
		t.Fatalf("caller state = %s", caller.State())
	}
	answer, err := callee.HandleOffer(offer)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if err := caller.HandleAnswer(answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if caller.State() != StateConnected {
		t.Fatalf("caller state = %s, want connected", caller.State())
	}

	waitFor(t, "transport connected", func() bool {
		return caller.TransportState() == webrtc.PeerConnectionStateConnected &&
			callee.TransportState() == webrtc.PeerConnectionStateConnected
	})
	waitFor(t, "callee connected", func() bool { return callee.State() == StateConnected })

	var rs *RemoteStream
	select {
	case rs = <-remote:
	case <-time.After(10 * time.Second):
		t.Fatal("no remote stream")
	}
	if rs.ID() != caller.LocalStream().ID() {
		t.Fatalf("remote stream id = %q, want %q", rs.ID(), caller.LocalStream().ID())
	}
	waitFor(t, "media flowing", func() bool { return rs.PacketsReceived() > 0 })
	waitFor(t, "both tracks", func() bool { return len(rs.Tracks()) == 2 })
	if extra := len(remote); extra != 0 {
		t.Fatalf("remote stream reported %d extra times", extra)
	}
}
