//go:build !linux

package media

import "github.com/rs/zerolog"

type deviceCapturer struct {
	log zerolog.Logger
}

// Capture returns an empty stream on platforms without mediadevices
// drivers; the peer link negotiates receive-only so the call still carries
// the remote side's media.
func (c *deviceCapturer) Capture(audio, video bool) (Stream, error) {
	if audio || video {
		c.log.Debug().Msg("no local capture on this platform, proceeding receive-only")
	}
	return emptyStream{}, nil
}
