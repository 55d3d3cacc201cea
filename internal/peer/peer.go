// Package peer wraps one pion PeerConnection and the local media stream it sends,
// behind an explicit negotiation state machine.
package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/media"
)

const rtpReadBuffer = 1500

// RemoteStream is media received from the other party, keyed by stream id.
type RemoteStream struct {
	id      string
	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	packets atomic.Int64
}

// ID returns the remote stream id.
func (r *RemoteStream) ID() string { return r.id }

// Tracks returns the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// PacketsReceived counts RTP packets read across all tracks of the stream.
func (r *RemoteStream) PacketsReceived() int64 { return r.packets.Load() }

// Peer owns a local media stream and a peer transport. All methods are safe for
// concurrent use; callbacks run outside internal locks.
type Peer struct {
	api    *webrtc.API
	rtc    webrtc.Configuration
	source media.Source
	logger *zap.Logger

	// opMu serialises negotiation steps; mu guards the fields below it.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	pc        *webrtc.PeerConnection
	local     *media.Stream
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	streams   map[string]*RemoteStream

	onRemoteStream func(*RemoteStream)
	onCandidate    func(webrtc.ICECandidateInit)
	onStateChange  func(State)
}

// OnRemoteStream registers fn, called once per distinct remote stream id.
func (p *Peer) OnRemoteStream(fn func(*RemoteStream)) {
	p.mu.Lock()
	p.onRemoteStream = fn
	p.mu.Unlock()
}

// OnCandidate registers fn, called for every locally gathered candidate.
func (p *Peer) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnStateChange registers fn, called after each logical state change.
func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

// State returns the logical state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// TransportState returns pion's connection state, or New before Initialize.
func (p *Peer) TransportState() webrtc.PeerConnectionState {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return pc.ConnectionState()
}

// LocalStream returns the local media stream, or nil before Initialize.
func (p *Peer) LocalStream() *media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Initialize opens local media (audio, plus video when isVideo) and the transport.
// On failure the peer stays Idle and holds nothing.
func (p *Peer) Initialize(ctx context.Context, isVideo bool) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if _, err := p.expect(StateReady, StateIdle); err != nil {
		return err
	}

	stream, err := p.source.Open(ctx, media.Constraints{Audio: true, Video: isVideo})
	if err != nil {
		return fmt.Errorf("open local media: %w", err)
	}
	pc, err := p.api.NewPeerConnection(p.rtc)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("create peer connection: %w", err)
	}
	for _, t := range stream.Tracks() {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			_ = pc.Close()
			stream.Stop()
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}
	pc.OnICECandidate(p.handleLocalCandidate)
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(p.handleTransportState)

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		_ = pc.Close()
		stream.Stop()
		return ErrClosed
	}
	p.pc = pc
	p.local = stream
	p.state = StateReady
	notify := p.onStateChange
	p.mu.Unlock()

	p.logger.Debug("peer state", zap.String("state", StateReady.String()))
	if notify != nil {
		notify(StateReady)
	}
	return nil
}

// CreateOffer produces the caller's offer and applies it locally.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	pc, err := p.expect(StateOfferSent, StateReady)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	if err := p.setStateIf(StateReady, StateOfferSent); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// HandleOffer applies the caller's offer and returns the answer to send back.
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	pc, err := p.expect(StateAnswerSent, StateReady)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	p.flushPending(pc)
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	if err := p.setStateIf(StateReady, StateAnswerSent); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		_ = p.setStateIf(StateAnswerSent, StateConnected)
	}
	return answer, nil
}

// HandleAnswer applies the callee's answer.
func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	pc, err := p.expect(StateConnected, StateOfferSent)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.flushPending(pc)
	return p.setStateIf(StateOfferSent, StateConnected)
}

// HandleCandidate adds a remote candidate, or buffers it until a remote description
// is applied. The logical state is unchanged.
func (p *Peer) HandleCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return ErrClosed
	case StateIdle:
		p.mu.Unlock()
		return fmt.Errorf("%w: candidate before initialize", ErrInvalidTransition)
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	pc := p.pc
	p.mu.Unlock()
	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// ToggleAudio flips the local audio tracks and reports whether audio is now on.
func (p *Peer) ToggleAudio() bool { return p.toggle(media.KindAudio) }

// ToggleVideo flips the local video tracks and reports whether video is now on.
func (p *Peer) ToggleVideo() bool { return p.toggle(media.KindVideo) }

func (p *Peer) toggle(kind media.Kind) bool {
	stream := p.LocalStream()
	if stream == nil {
		return false
	}
	tracks := stream.TracksOf(kind)
	if len(tracks) == 0 {
		return false
	}
	on := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(on)
	}
	return on
}

// Close stops every local track and closes the transport. Safe to call repeatedly.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	pc, local := p.pc, p.local
	p.pending = nil
	notify := p.onStateChange
	p.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	var err error
	if pc != nil {
		err = pc.Close()
	}
	if notify != nil {
		notify(StateClosed)
	}
	return err
}

func (p *Peer) expect(to State, from State) (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return nil, invalid(p.state, to)
	}
	return p.pc, nil
}

func (p *Peer) setStateIf(from, to State) error {
	p.mu.Lock()
	if p.state != from {
		cur := p.state
		p.mu.Unlock()
		return invalid(cur, to)
	}
	p.state = to
	notify := p.onStateChange
	p.mu.Unlock()
	p.logger.Debug("peer state", zap.String("state", to.String()))
	if notify != nil {
		notify(to)
	}
	return nil
}

func (p *Peer) flushPending(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.logger.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
}

func (p *Peer) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	p.mu.Lock()
	fn, closed := p.onCandidate, p.state == StateClosed
	p.mu.Unlock()
	if fn != nil && !closed {
		fn(c.ToJSON())
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	id := track.StreamID()
	p.mu.Lock()
	rs, seen := p.streams[id]
	if !seen {
		rs = &RemoteStream{id: id}
		p.streams[id] = rs
	}
	fn := p.onRemoteStream
	p.mu.Unlock()

	rs.mu.Lock()
	rs.tracks = append(rs.tracks, track)
	rs.mu.Unlock()

	if !seen && fn != nil {
		fn(rs)
	}
	go func() {
		buf := make([]byte, rtpReadBuffer)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
			rs.packets.Add(1)
		}
	}()
}

func (p *Peer) handleTransportState(s webrtc.PeerConnectionState) {
	p.logger.Debug("transport state", zap.String("transport", s.String()))
	if s == webrtc.PeerConnectionStateConnected {
		// The callee has no answer to wait for; a live transport completes it.
		_ = p.setStateIf(StateAnswerSent, StateConnected)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtpReadBuffer)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
