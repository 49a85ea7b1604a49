// Package call drives a single call attempt from initiation to teardown:
// it mediates between local media, the peer link, and the signaling
// transport, and guarantees resources are released exactly once no matter
// which exit path is taken.
package call

import (
	"encoding/json"
	"fmt"
)

// SignalKind identifies the kind of signaling message. The string values
// are the wire contract shared with every client implementation and must
// stay stable.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
	SignalHangup    SignalKind = "call-ended"
	SignalDecline   SignalKind = "declined"
)

// Mode selects what media a call carries.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
	// ModePushToTalk is the walkie-talkie mode: one-way audio bursts,
	// auto-accepted by the receiving side.
	ModePushToTalk Mode = "push-to-talk"
)

// Signal is the JSON structure exchanged over the realtime channel during
// signaling. SDP is set for offer/answer, Candidate (a JSON-encoded ICE
// candidate init) for ice-candidate; termination kinds carry neither.
type Signal struct {
	Kind      SignalKind `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
	Mode      Mode       `json:"mode,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	SessionID string     `json:"sessionId"`
}

// DecodeSignal parses and validates a signaling payload. Any missing
// required field yields ErrMalformedSignal.
func DecodeSignal(data []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	if sig.From == "" || sig.To == "" || sig.SessionID == "" {
		return Signal{}, fmt.Errorf("%w: missing addressing fields", ErrMalformedSignal)
	}

	switch sig.Kind {
	case SignalOffer, SignalAnswer:
		if sig.SDP == "" {
			return Signal{}, fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, sig.Kind)
		}
	case SignalCandidate:
		if sig.Candidate == "" {
			return Signal{}, fmt.Errorf("%w: candidate without payload", ErrMalformedSignal)
		}
	case SignalHangup, SignalDecline:
	default:
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, sig.Kind)
	}

	return sig, nil
}

// Terminal reports whether the signal ends the session for its recipient.
func (k SignalKind) Terminal() bool {
	return k == SignalHangup || k == SignalDecline
}

// UserTopic derives the personal signaling topic for a user. Offers are
// addressed here because the callee cannot know the call topic before the
// offer arrives.
func UserTopic(userID string) string {
	return "user:" + userID
}

// CallTopic derives the per-session signaling topic. It is a pure function
// of the session id so caller and callee compute the same name
// independently.
func CallTopic(sessionID string) string {
	return "call:" + sessionID
}
