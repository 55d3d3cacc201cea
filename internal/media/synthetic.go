package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FrameInterval is how often the synthetic pump writes a frame.
const FrameInterval = 20 * time.Millisecond

var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Keyframe = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// SyntheticSource captures without devices. Audio is Opus silence and video is a
// placeholder VP8 frame, both paced at FrameInterval.
type SyntheticSource struct {
	logger *zap.Logger
}

// NewSyntheticSource creates a device-free source.
func NewSyntheticSource(logger *zap.Logger) *SyntheticSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyntheticSource{logger: logger}
}

// Open returns one audio track when c.Audio or c.Video is set, plus a video track
// when c.Video is set.
func (s *SyntheticSource) Open(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", ErrNoDevice)
	}
	streamID := uuid.NewString()
	var tracks []*Track

	audio, err := s.openTrack(KindAudio, streamID, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, opusSilence)
	if err != nil {
		return nil, err
	}
	tracks = append(tracks, audio)

	if c.Video {
		video, err := s.openTrack(KindVideo, streamID, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, vp8Keyframe)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return NewStreamWithID(streamID, tracks...), nil
}

func (s *SyntheticSource) openTrack(kind Kind, streamID string, codec webrtc.RTPCodecCapability, frame []byte) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	done := make(chan struct{})
	var once sync.Once
	track := NewTrack(kind, local, func() { once.Do(func() { close(done) }) })
	go s.pump(track, frame, done)
	return track, nil
}

func (s *SyntheticSource) pump(t *Track, frame []byte, done <-chan struct{}) {
	ticker := time.NewTicker(FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.WriteSample(frame, FrameInterval); err != nil && !errors.Is(err, ErrTrackEnded) {
				s.logger.Debug("synthetic frame dropped", zap.String("kind", string(t.Kind())), zap.Error(err))
			}
		}
	}
}

// FailingSource always fails Open with Err.
type FailingSource struct {
	Err error
}

// Open returns f.Err.
func (f FailingSource) Open(context.Context, Constraints) (*Stream, error) {
	if f.Err == nil {
		return nil, ErrPermissionDenied
	}
	return nil, f.Err
}
