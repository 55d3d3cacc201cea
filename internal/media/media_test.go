package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSyntheticSource_TrackCounts(t *testing.T) {
	src := NewSyntheticSource(nil)
	tests := []struct {
		name      string
		c         Constraints
		wantAudio int
		wantVideo int
	}{
		{"audio only", Constraints{Audio: true}, 1, 0},
		{"video", Constraints{Audio: true, Video: true}, 1, 1},
		{"video implies audio", Constraints{Video: true}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := src.Open(context.Background(), tt.c)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Stop()
			if got := len(s.TracksOf(KindAudio)); got != tt.wantAudio {
				t.Errorf("audio tracks = %d, want %d", got, tt.wantAudio)
			}
			if got := len(s.TracksOf(KindVideo)); got != tt.wantVideo {
				t.Errorf("video tracks = %d, want %d", got, tt.wantVideo)
			}
			for _, tr := range s.Tracks() {
				if tr.Local().StreamID() != s.ID() {
					t.Errorf("track stream id = %q, want %q", tr.Local().StreamID(), s.ID())
				}
			}
		})
	}
}

func TestSyntheticSource_NothingRequested(t *testing.T) {
	_, err := NewSyntheticSource(nil).Open(context.Background(), Constraints{})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestTrack_StopAndToggle(t *testing.T) {
	s, err := NewSyntheticSource(nil).Open(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr := s.TracksOf(KindVideo)[0]
	if !tr.Enabled() || tr.ReadyState() != ReadyStateLive {
		t.Fatalf("new track enabled=%v state=%s", tr.Enabled(), tr.ReadyState())
	}
	tr.SetEnabled(false)
	if tr.Enabled() {
		t.Fatal("track still enabled after SetEnabled(false)")
	}
	if err := tr.WriteSample([]byte{1}, FrameInterval); err != nil {
		t.Fatalf("muted write: %v", err)
	}

	s.Stop()
	s.Stop()
	for _, tr := range s.Tracks() {
		if tr.ReadyState() != ReadyStateEnded {
			t.Errorf("%s track state = %s after Stop", tr.Kind(), tr.ReadyState())
		}
	}
	if err := tr.WriteSample([]byte{1}, FrameInterval); !errors.Is(err, ErrTrackEnded) {
		t.Fatalf("write after stop = %v, want ErrTrackEnded", err)
	}
}

func TestIsMediaError(t *testing.T) {
	if !IsMediaError(fmt.Errorf("open camera: %w", ErrPermissionDenied)) {
		t.Error("wrapped permission error not recognised")
	}
	if !IsMediaError(ErrNoDevice) {
		t.Error("no device not recognised")
	}
	if IsMediaError(errors.New("boom")) {
		t.Error("plain error treated as media error")
	}
	if _, err := (FailingSource{}).Open(context.Background(), Constraints{Audio: true}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("FailingSource default = %v", err)
	}
}
