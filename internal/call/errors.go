package call

import "errors"

// Terminal outcomes for a call attempt. None of these are retried
// internally; each is surfaced once and the session is torn down with
// local media already released.
var (
	// ErrMediaAccessDenied means microphone/camera could not be acquired.
	// No signaling is sent for this failure; the remote side never learns
	// the attempt existed.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrSignalingUnavailable means the signaling topic could not be
	// subscribed or a required signaling send failed.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrRemoteDeclined means the callee rejected the call.
	ErrRemoteDeclined = errors.New("remote declined")

	// ErrConnectionFailed means the peer link reported failure after
	// negotiation started.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrSessionNotFound means the referenced session does not exist
	// locally or was already terminated elsewhere.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMalformedSignal means a received signaling message is missing
	// required fields.
	ErrMalformedSignal = errors.New("malformed signal")
)

// Local precondition errors. These reject an operation without
// terminating the session.
var (
	// ErrBusy rejects a second concurrent session under Policy.RejectBusy.
	ErrBusy = errors.New("already in a call")

	// ErrNotRinging rejects answering or declining a session that is not
	// in the ringing state.
	ErrNotRinging = errors.New("call is not ringing")
)
