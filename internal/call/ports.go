package call

import (
	"context"
	"time"
)

// Transport is the only surface the call package needs from the realtime
// layer: publish a signal to a topic and subscribe to a topic's raw
// payloads. The concrete adapter lives in the app wiring, the only place
// that imports both packages.
type Transport interface {
	Send(ctx context.Context, topic string, sig Signal) error
	// Subscribe delivers every payload published on topic until the
	// returned cancel func is called. Cancel must be safe to call twice.
	Subscribe(topic string, fn func(payload []byte)) (cancel func(), err error)
}

// MediaStream is a live set of local capture tracks. Close stops every
// track and must be idempotent.
type MediaStream interface {
	Close() error
}

// MediaSource acquires local media for a call. A permission or device
// failure is reported as an error; the session maps it to
// ErrMediaAccessDenied.
type MediaSource interface {
	Capture(audio, video bool) (MediaStream, error)
}

// LinkState mirrors the underlying peer connection's connectivity.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

// PeerLink abstracts the WebRTC peer connection so the state machine can
// be exercised without network or devices.
type PeerLink interface {
	// MakeOffer creates the local offer and sets it as local description.
	MakeOffer(ctx context.Context) (sdp string, err error)
	// MakeAnswer sets the remote offer and produces a local answer. After
	// it returns, a remote description is in place.
	MakeAnswer(ctx context.Context, offerSDP string) (sdp string, err error)
	// AcceptAnswer sets the remote answer on the offering side. After it
	// returns, a remote description is in place.
	AcceptAnswer(answerSDP string) error
	// AddCandidate applies a remote ICE candidate (JSON-encoded init).
	// Callers must not invoke this before a remote description is set.
	AddCandidate(candidateJSON string) error
	// OnCandidate registers the trickle callback for locally gathered
	// candidates.
	OnCandidate(fn func(candidateJSON string))
	// OnStateChange registers the connectivity callback.
	OnStateChange(fn func(LinkState))
	// Close releases the link; safe to call more than once.
	Close() error
}

// LinkFactory builds a peer link carrying the given local media.
type LinkFactory func(mode Mode, stream MediaStream) (PeerLink, error)

// Record is the persisted shape of a call session, owned by the hosted
// backend's calls table.
type Record struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	Mode       Mode       `json:"call_type"`
	Offer      string     `json:"offer"`
	Answer     *string    `json:"answer,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Recorder persists call lifecycle milestones. All calls are best effort
// from the session's point of view: a persistence failure is logged, never
// allowed to wedge the state machine.
type Recorder interface {
	CallStarted(ctx context.Context, rec Record) error
	CallAnswered(ctx context.Context, sessionID, answerSDP string, at time.Time) error
	CallEnded(ctx context.Context, sessionID, status string, at time.Time) error
}

// NopRecorder discards all milestones.
type NopRecorder struct{}

func (NopRecorder) CallStarted(context.Context, Record) error                     { return nil }
func (NopRecorder) CallAnswered(context.Context, string, string, time.Time) error { return nil }
func (NopRecorder) CallEnded(context.Context, string, string, time.Time) error    { return nil }
