package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackProvider is implemented by media streams that carry pion local
// tracks. The fallback for streams without tracks is recvonly
// transceivers, so offers always have valid m-lines.
type TrackProvider interface {
	Tracks() []webrtc.TrackLocal
}

// NewPionLinks returns a LinkFactory backed by pion/webrtc with the given
// STUN/TURN servers.
func NewPionLinks(iceServers []string, logger *zerolog.Logger) LinkFactory {
	log := logger.With().Str("component", "peerlink").Logger()
	return func(mode Mode, stream MediaStream) (PeerLink, error) {
		return newPionLink(iceServers, mode, stream, log)
	}
}

type pionLink struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger
}

func newPionLink(iceServers []string, mode Mode, stream MediaStream, log zerolog.Logger) (*pionLink, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	link := &pionLink{pc: pc, log: log}

	tracks := localTracks(stream)
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	// Two-way calls receive the remote side's media; push-to-talk is
	// send-only unless there is nothing to send at all.
	if mode != ModePushToTalk || len(tracks) == 0 {
		link.addRecvOnlyTransceivers(mode)
	}

	return link, nil
}

func localTracks(stream MediaStream) []webrtc.TrackLocal {
	tp, ok := stream.(TrackProvider)
	if !ok {
		return nil
	}
	return tp.Tracks()
}

// addRecvOnlyTransceivers guarantees valid m-lines with ICE credentials
// even when no local track of a kind exists.
func (l *pionLink) addRecvOnlyTransceivers(mode Mode) {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if mode == ModeVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			l.log.Warn().Err(err).Stringer("kind", kind).Msg("add recvonly transceiver")
		}
	}
}

func (l *pionLink) MakeOffer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (l *pionLink) MakeAnswer(ctx context.Context, offerSDP string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (l *pionLink) AcceptAnswer(answerSDP string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *pionLink) AddCandidate(candidateJSON string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (l *pionLink) OnCandidate(fn func(candidateJSON string)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.log.Warn().Err(err).Msg("encode local candidate")
			return
		}
		fn(string(data))
	})
}

func (l *pionLink) OnStateChange(fn func(LinkState)) {
	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapLinkState(state))
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

func mapLinkState(state webrtc.PeerConnectionState) LinkState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	default:
		return LinkClosed
	}
}
