// Package media models local capture: a Stream of audio/video Tracks that a peer
// transport sends from. Tracks can be muted without renegotiation and stopped once.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	rtcmedia "github.com/pion/webrtc/v3/pkg/media"
)

var (
	// ErrPermissionDenied means the user refused access to a capture device.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrNoDevice means a requested capture device does not exist.
	ErrNoDevice = errors.New("media: no capture device")
	// ErrTrackEnded is returned when writing to a stopped track.
	ErrTrackEnded = errors.New("media: track ended")
)

// IsMediaError reports whether err is a device or permission failure.
func IsMediaError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice)
}

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ReadyState mirrors the browser's MediaStreamTrack.readyState.
type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

// Constraints selects which devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Source opens local capture. Opening cannot be aborted once started.
type Source interface {
	Open(ctx context.Context, c Constraints) (*Stream, error)
}

// Track is one local media track backed by a pion sample track.
type Track struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	state   ReadyState
	onStop  func()
}

// NewTrack wraps a pion sample track. onStop, if set, runs once when the track stops.
func NewTrack(kind Kind, local *webrtc.TrackLocalStaticSample, onStop func()) *Track {
	return &Track{kind: kind, local: local, enabled: true, state: ReadyStateLive, onStop: onStop}
}

// Kind returns the track kind.
func (t *Track) Kind() Kind { return t.kind }

// Local returns the pion track to add to a peer connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether the track is sending.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled mutes or unmutes the track.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// ReadyState returns live until Stop is called.
func (t *Track) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop ends the track. Further calls are no-ops.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.state == ReadyStateEnded {
		t.mu.Unlock()
		return
	}
	t.state = ReadyStateEnded
	onStop := t.onStop
	t.mu.Unlock()
	if onStop != nil {
		onStop()
	}
}

// WriteSample sends one frame. Muted tracks silently drop it.
func (t *Track) WriteSample(data []byte, d time.Duration) error {
	t.mu.Lock()
	state, enabled := t.state, t.enabled
	t.mu.Unlock()
	if state == ReadyStateEnded {
		return ErrTrackEnded
	}
	if !enabled {
		return nil
	}
	return t.local.WriteSample(rtcmedia.Sample{Data: data, Duration: d})
}

// Stream is a set of local tracks sharing one stream id.
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream groups tracks under a fresh stream id.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

// NewStreamWithID groups tracks under id.
func NewStreamWithID(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Tracks returns all tracks.
func (s *Stream) Tracks() []*Track { return append([]*Track(nil), s.tracks...) }

// TracksOf returns the tracks of one kind.
func (s *Stream) TracksOf(kind Kind) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop ends every track.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
