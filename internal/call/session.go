package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one call attempt between the local user and a single peer.
// It owns its media stream and peer link exclusively; both are released
// exactly once on every exit path.
type Session struct {
	id   string
	self string
	peer string
	mode Mode
	role Role

	transport Transport
	media     MediaSource
	links     LinkFactory
	rec       Recorder
	log       zerolog.Logger

	mu         sync.Mutex
	state      State
	err        error
	ending     bool // a local termination has claimed the signal send
	stream     MediaStream
	link       PeerLink
	offer      string
	pending    []string // remote candidates buffered until a remote description exists
	remoteSet  bool
	createdAt  time.Time
	answeredAt *time.Time
	endedAt    *time.Time

	releaseTopic func()
	onState      func(s *Session, st State, err error)

	cleanup sync.Once
	done    chan struct{}
}

type sessionDeps struct {
	transport Transport
	media     MediaSource
	links     LinkFactory
	rec       Recorder
	log       zerolog.Logger
}

func newOutgoing(id, self, peer string, mode Mode, deps sessionDeps) *Session {
	return &Session{
		id:        id,
		self:      self,
		peer:      peer,
		mode:      mode,
		role:      RoleCaller,
		transport: deps.transport,
		media:     deps.media,
		links:     deps.links,
		rec:       deps.rec,
		log:       deps.log.With().Str("session_id", id).Str("role", "caller").Logger(),
		state:     StateIdle,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// newIncoming builds the callee-side session for a received offer. The
// callee first learns of the call here, so it starts out ringing.
func newIncoming(id, self, peer string, mode Mode, offer string, deps sessionDeps) *Session {
	return &Session{
		id:        id,
		self:      self,
		peer:      peer,
		mode:      mode,
		role:      RoleCallee,
		transport: deps.transport,
		media:     deps.media,
		links:     deps.links,
		rec:       deps.rec,
		log:       deps.log.With().Str("session_id", id).Str("role", "callee").Logger(),
		state:     StateRinging,
		offer:     offer,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the session id shared by both parties.
func (s *Session) ID() string { return s.id }

// Peer returns the remote user id.
func (s *Session) Peer() string { return s.peer }

// Mode returns the call mode.
func (s *Session) Mode() Mode { return s.mode }

// Role returns which side of the call the local party is.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the session failed or was declined.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session's resources have been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// CreatedAt returns when the session was constructed locally.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// start runs the caller-side flow: acquire media, build the peer link,
// generate the offer and address it to the callee. Media failure aborts
// before any signaling is sent, so the remote side never learns the
// attempt existed.
func (s *Session) start(ctx context.Context) error {
	s.setState(StateConnecting, nil)

	stream, err := s.media.Capture(true, s.mode == ModeVideo)
	if err != nil {
		failErr := fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
		s.fail(failErr)
		return failErr
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	link, err := s.links(s.mode, stream)
	if err != nil {
		failErr := fmt.Errorf("create peer link: %w", err)
		s.fail(failErr)
		return failErr
	}
	s.attachLink(link)

	offer, err := link.MakeOffer(ctx)
	if err != nil {
		failErr := fmt.Errorf("make offer: %w", err)
		s.fail(failErr)
		return failErr
	}
	s.mu.Lock()
	s.offer = offer
	s.mu.Unlock()

	if err := s.rec.CallStarted(ctx, Record{
		ID:        s.id,
		CallerID:  s.self,
		CalleeID:  s.peer,
		Mode:      s.mode,
		Offer:     offer,
		Status:    StateRinging.String(),
		CreatedAt: s.createdAt,
	}); err != nil {
		s.log.Warn().Err(err).Msg("persist call record")
	}

	if err := s.transport.Send(ctx, UserTopic(s.peer), Signal{
		Kind:      SignalOffer,
		SDP:       offer,
		Mode:      s.mode,
		From:      s.self,
		To:        s.peer,
		SessionID: s.id,
	}); err != nil {
		failErr := fmt.Errorf("%w: send offer: %v", ErrSignalingUnavailable, err)
		s.fail(failErr)
		return failErr
	}

	s.setState(StateRinging, nil)
	s.log.Info().Str("peer", s.peer).Str("mode", string(s.mode)).Msg("call ringing")
	return nil
}

// Accept runs the callee-side flow: acquire media, apply the stored remote
// offer, flush any candidates that arrived early, and send the answer back.
// The session stays ringing until the peer link reports connected.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.role != RoleCallee || s.state != StateRinging {
		terminal := s.state.Terminal()
		s.mu.Unlock()
		if terminal {
			return ErrSessionNotFound
		}
		return ErrNotRinging
	}
	offer := s.offer
	s.mu.Unlock()

	stream, err := s.media.Capture(true, s.mode == ModeVideo)
	if err != nil {
		failErr := fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
		s.fail(failErr)
		return failErr
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	link, err := s.links(s.mode, stream)
	if err != nil {
		failErr := fmt.Errorf("create peer link: %w", err)
		s.fail(failErr)
		return failErr
	}
	s.attachLink(link)

	answer, err := link.MakeAnswer(ctx, offer)
	if err != nil {
		failErr := fmt.Errorf("make answer: %w", err)
		s.fail(failErr)
		return failErr
	}

	now := time.Now()
	s.mu.Lock()
	s.remoteSet = true
	s.answeredAt = &now
	s.flushPendingLocked(link)
	s.mu.Unlock()

	if err := s.rec.CallAnswered(ctx, s.id, answer, now); err != nil {
		s.log.Warn().Err(err).Msg("persist answer")
	}

	if err := s.transport.Send(ctx, CallTopic(s.id), Signal{
		Kind:      SignalAnswer,
		SDP:       answer,
		From:      s.self,
		To:        s.peer,
		SessionID: s.id,
	}); err != nil {
		failErr := fmt.Errorf("%w: send answer: %v", ErrSignalingUnavailable, err)
		s.fail(failErr)
		return failErr
	}

	s.log.Info().Str("peer", s.peer).Msg("call accepted, answer sent")
	return nil
}

// Decline rejects a ringing incoming call: exactly one termination signal
// goes to the caller and the session ends declined. Calling it on an
// already-terminal session is a no-op.
func (s *Session) Decline(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() || s.ending {
		s.mu.Unlock()
		return nil
	}
	if s.role != RoleCallee || s.state != StateRinging {
		s.mu.Unlock()
		return ErrNotRinging
	}
	s.ending = true
	s.mu.Unlock()

	if err := s.transport.Send(ctx, CallTopic(s.id), Signal{
		Kind:      SignalDecline,
		From:      s.self,
		To:        s.peer,
		SessionID: s.id,
	}); err != nil {
		s.log.Warn().Err(err).Msg("send decline")
	}

	s.teardown()
	s.setState(StateDeclined, nil)
	s.record(StateDeclined)
	s.log.Info().Str("peer", s.peer).Msg("call declined")
	return nil
}

// Hangup terminates the session from the local side: a termination signal
// is sent to the other party and resources are released. Idempotent.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() || s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	s.mu.Unlock()

	if err := s.transport.Send(ctx, CallTopic(s.id), Signal{
		Kind:      SignalHangup,
		From:      s.self,
		To:        s.peer,
		SessionID: s.id,
	}); err != nil {
		// Tear down locally regardless; the other side has its own
		// failure detection.
		s.log.Warn().Err(err).Msg("send hangup")
	}

	s.teardown()
	s.setState(StateEnded, nil)
	s.record(StateEnded)
	s.log.Info().Str("peer", s.peer).Msg("call ended")
	return nil
}

// Close releases the session's resources without signaling the remote
// party. Safe to call any number of times from any trigger path.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

// handleSignal routes one inbound signaling message for this session.
func (s *Session) handleSignal(sig Signal) {
	switch sig.Kind {
	case SignalOffer:
		// Duplicate delivery of the offer that created this session.
		s.log.Debug().Msg("ignoring duplicate offer")
	case SignalAnswer:
		s.handleAnswer(sig.SDP)
	case SignalCandidate:
		s.handleCandidate(sig.Candidate)
	case SignalHangup:
		s.remoteEnded()
	case SignalDecline:
		s.remoteDeclined()
	}
}

func (s *Session) handleAnswer(sdp string) {
	s.mu.Lock()
	if s.role != RoleCaller || s.state != StateRinging || s.remoteSet {
		s.mu.Unlock()
		s.log.Debug().Msg("ignoring answer in current state")
		return
	}
	link := s.link
	s.mu.Unlock()

	if err := link.AcceptAnswer(sdp); err != nil {
		s.fail(fmt.Errorf("%w: set remote answer: %v", ErrConnectionFailed, err))
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.remoteSet = true
	s.answeredAt = &now
	s.flushPendingLocked(link)
	s.mu.Unlock()
	s.log.Debug().Msg("answer applied")
}

// handleCandidate applies a remote candidate, or buffers it when no remote
// description is set yet. Applying early breaks the transport; dropping
// loses connectivity paths. Buffered candidates flush in arrival order.
func (s *Session) handleCandidate(candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if !s.remoteSet || s.link == nil {
		s.pending = append(s.pending, candidate)
		return
	}
	if err := s.link.AddCandidate(candidate); err != nil {
		s.log.Warn().Err(err).Msg("add remote candidate")
	}
}

// flushPendingLocked applies buffered candidates in arrival order. Caller
// holds s.mu with remoteSet already true, so new arrivals serialize after
// the flush.
func (s *Session) flushPendingLocked(link PeerLink) {
	for _, c := range s.pending {
		if err := link.AddCandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("apply buffered candidate")
		}
	}
	s.pending = nil
}

func (s *Session) remoteEnded() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown()
	s.setState(StateEnded, nil)
	s.record(StateEnded)
	s.log.Info().Str("peer", s.peer).Msg("remote hung up")
}

func (s *Session) remoteDeclined() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown()
	s.setState(StateDeclined, ErrRemoteDeclined)
	s.record(StateDeclined)
	s.log.Info().Str("peer", s.peer).Msg("remote declined")
}

func (s *Session) attachLink(link PeerLink) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	link.OnCandidate(func(candidate string) {
		sig := Signal{
			Kind:      SignalCandidate,
			Candidate: candidate,
			From:      s.self,
			To:        s.peer,
			SessionID: s.id,
		}
		if err := s.transport.Send(context.Background(), CallTopic(s.id), sig); err != nil {
			s.log.Warn().Err(err).Msg("send candidate")
		}
	})
	link.OnStateChange(s.onLinkState)
}

func (s *Session) onLinkState(st LinkState) {
	switch st {
	case LinkConnected:
		s.mu.Lock()
		if s.state != StateRinging {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.mu.Unlock()
		s.log.Info().Str("peer", s.peer).Msg("call connected")
		s.notify(StateConnected, nil)
	case LinkDisconnected, LinkFailed:
		s.fail(ErrConnectionFailed)
	}
}

// fail moves the session to failed. Resources are released before the
// error is surfaced, so no microphone or camera stays open past a failure
// the UI can observe.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown()
	s.setState(StateFailed, err)
	s.record(StateFailed)
	s.log.Warn().Err(err).Msg("call failed")
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = st
	if err != nil {
		s.err = err
	}
	if st.Terminal() {
		now := time.Now()
		s.endedAt = &now
	}
	s.mu.Unlock()
	s.notify(st, err)
}

func (s *Session) notify(st State, err error) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(s, st, err)
	}
}

func (s *Session) record(st State) {
	s.mu.Lock()
	at := time.Now()
	if s.endedAt != nil {
		at = *s.endedAt
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.rec.CallEnded(ctx, s.id, st.String(), at); err != nil {
		s.log.Warn().Err(err).Msg("record call end")
	}
}

// teardown releases the media stream, the peer link, and the call-topic
// subscription. Runs at most once no matter how many trigger paths race
// into it (hangup, remote termination, link failure, dialog close).
func (s *Session) teardown() {
	s.cleanup.Do(func() {
		s.mu.Lock()
		stream, link, release := s.stream, s.link, s.releaseTopic
		s.mu.Unlock()

		if stream != nil {
			if err := stream.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close media stream")
			}
		}
		if link != nil {
			if err := link.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close peer link")
			}
		}
		if release != nil {
			release()
		}
		close(s.done)
	})
}
