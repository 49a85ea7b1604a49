// Package media acquires local microphone and camera tracks for calls.
// Capture is platform-specific: on linux pion/mediadevices drives V4L2 and
// malgo; elsewhere no local capture is attempted and calls proceed
// receive-only.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrNoDevice means no usable capture device was available or permission
// was refused by the OS.
var ErrNoDevice = errors.New("no capture device available")

// Stream is a live set of local tracks. Close stops every track and is
// idempotent.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Capturer acquires local media.
type Capturer interface {
	Capture(audio, video bool) (Stream, error)
}

// NewCapturer returns the platform capturer.
func NewCapturer(logger *zerolog.Logger) Capturer {
	log := logger.With().Str("component", "media").Logger()
	return &deviceCapturer{log: log}
}

// trackStream wraps concrete tracks with an idempotent Close.
type trackStream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func (s *trackStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *trackStream) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}

// emptyStream carries no tracks; peers fall back to recvonly negotiation.
type emptyStream struct{}

func (emptyStream) Tracks() []webrtc.TrackLocal { return nil }
func (emptyStream) Close() error                { return nil }
