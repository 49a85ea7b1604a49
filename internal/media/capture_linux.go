//go:build linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type deviceCapturer struct {
	log zerolog.Logger
}

// Capture opens the requested devices via pion/mediadevices. When both
// audio and video are requested and the combined attempt fails, it retries
// audio-only before giving up: a busy camera should not take the
// microphone down with it.
func (c *deviceCapturer) Capture(audio, video bool) (Stream, error) {
	if !audio && !video {
		return emptyStream{}, nil
	}

	selector, err := newCodecSelector()
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	attempts := [][2]bool{{audio, video}}
	if audio && video {
		attempts = append(attempts, [2]bool{true, false})
	}

	var lastErr error
	for _, a := range attempts {
		stream, err := getUserMedia(selector, a[0], a[1])
		if err != nil {
			c.log.Warn().Err(err).Bool("audio", a[0]).Bool("video", a[1]).Msg("capture attempt failed")
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, t := range tracks {
			locals = append(locals, t)
		}
		c.log.Info().Int("tracks", len(locals)).Msg("local media captured")
		return &trackStream{
			tracks: locals,
			stop: func() {
				for _, t := range tracks {
					t.Close()
				}
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrNoDevice, lastErr)
}

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func getUserMedia(selector *mediadevices.CodecSelector, audio, video bool) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	return mediadevices.GetUserMedia(constraints)
}
