package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Policy makes the two behaviors the original system left ambiguous
// explicit and configurable.
type Policy struct {
	// RejectBusy refuses a second concurrent session: outgoing starts
	// return ErrBusy, incoming offers are answered with a decline. When
	// false, concurrent sessions are allowed (multi-device behavior).
	RejectBusy bool
	// RingTimeout cancels an unanswered outgoing call from the caller
	// side, sending a termination signal so neither party rings forever.
	// Zero disables expiry.
	RingTimeout time.Duration
}

// Manager owns the active sessions for one user: it subscribes to the
// user's inbox topic, routes inbound signals to sessions, enforces Policy,
// and surfaces incoming calls.
type Manager struct {
	self   string
	deps   sessionDeps
	policy Policy
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	onIncoming func(*Session)
	onEnded    func(*Session)

	cancelInbox func()
}

// NewManager builds a manager for the given local user id. Run must be
// called before any signals are received.
func NewManager(self string, transport Transport, media MediaSource, links LinkFactory, rec Recorder, policy Policy, logger *zerolog.Logger) *Manager {
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Manager{
		self: self,
		deps: sessionDeps{
			transport: transport,
			media:     media,
			links:     links,
			rec:       rec,
			log:       logger.With().Str("component", "call").Logger(),
		},
		policy:   policy,
		sessions: make(map[string]*Session),
		log:      logger.With().Str("component", "call").Logger(),
	}
}

// OnIncoming registers the callback fired for each incoming ringing
// session. Push-to-talk offers are auto-accepted and never surface here.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.incomingMu.Lock()
	m.onIncoming = fn
	m.incomingMu.Unlock()
}

// OnSessionEnded registers the callback fired once per session when it
// reaches a terminal state, whichever side or failure triggered it.
// Auto-accepted push-to-talk sessions fire it too.
func (m *Manager) OnSessionEnded(fn func(*Session)) {
	m.incomingMu.Lock()
	m.onEnded = fn
	m.incomingMu.Unlock()
}

// Run subscribes the user inbox topic. A subscription failure means no
// call can ever be received, reported as ErrSignalingUnavailable.
func (m *Manager) Run() error {
	cancel, err := m.deps.transport.Subscribe(UserTopic(m.self), m.handlePayload)
	if err != nil {
		return fmt.Errorf("%w: subscribe inbox: %v", ErrSignalingUnavailable, err)
	}
	m.cancelInbox = cancel
	m.log.Info().Str("user", m.self).Msg("call signaling inbox ready")
	return nil
}

// Close hangs up every active session and stops the inbox subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, s := range active {
		_ = s.Hangup(ctx)
	}
	if m.cancelInbox != nil {
		m.cancelInbox()
	}
}

// Start places an outgoing call to peer and returns the ringing session.
// With Policy.RejectBusy set, a second concurrent attempt returns ErrBusy.
func (m *Manager) Start(ctx context.Context, peer string, mode Mode) (*Session, error) {
	if peer == m.self {
		return nil, fmt.Errorf("%w: cannot call yourself", ErrBusy)
	}
	if m.policy.RejectBusy && m.hasActive() {
		return nil, ErrBusy
	}

	sess := newOutgoing(uuid.New().String(), m.self, peer, mode, m.deps)
	sess.onState = m.sessionStateChanged

	cancel, err := m.deps.transport.Subscribe(CallTopic(sess.id), m.handlePayload)
	if err != nil {
		failErr := fmt.Errorf("%w: subscribe call topic: %v", ErrSignalingUnavailable, err)
		sess.fail(failErr)
		return nil, failErr
	}
	sess.releaseTopic = cancel

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		return nil, err
	}

	if m.policy.RingTimeout > 0 {
		m.armRingTimeout(sess)
	}
	return sess, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Accept answers the ringing incoming session with the given id.
func (m *Manager) Accept(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Accept(ctx)
}

// Decline rejects the ringing incoming session with the given id.
func (m *Manager) Decline(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Decline(ctx)
}

// Hangup terminates the session with the given id.
func (m *Manager) Hangup(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Hangup(ctx)
}

// Active returns a snapshot of the sessions still tracked.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// handlePayload decodes a raw signaling payload and routes it. Malformed
// payloads are counted against no session; they carry no addressable
// session id to fail.
func (m *Manager) handlePayload(payload []byte) {
	sig, err := DecodeSignal(payload)
	if err != nil {
		m.log.Warn().Err(err).Msg("dropping signal")
		return
	}
	m.dispatch(sig)
}

func (m *Manager) dispatch(sig Signal) {
	if sig.From == m.self {
		// Broadcast echo of our own signal.
		return
	}
	if sig.To != m.self {
		return
	}

	m.mu.Lock()
	sess, ok := m.sessions[sig.SessionID]
	m.mu.Unlock()
	if ok {
		sess.handleSignal(sig)
		return
	}

	switch sig.Kind {
	case SignalOffer:
		m.handleOffer(sig)
	case SignalHangup, SignalDecline:
		// Termination for a session not present locally is a no-op: it
		// was already terminated elsewhere or never existed.
		m.log.Debug().Str("session_id", sig.SessionID).Msg("termination for unknown session")
	case SignalAnswer, SignalCandidate:
		m.log.Debug().Str("session_id", sig.SessionID).Str("type", string(sig.Kind)).Msg("signal for unknown session")
	}
}

func (m *Manager) handleOffer(sig Signal) {
	mode := sig.Mode
	if mode == "" {
		mode = ModeVoice
	}

	if m.policy.RejectBusy && m.hasActive() {
		m.log.Info().Str("from", sig.From).Msg("busy, declining incoming call")
		busy := Signal{Kind: SignalDecline, From: m.self, To: sig.From, SessionID: sig.SessionID}
		if err := m.deps.transport.Send(context.Background(), CallTopic(sig.SessionID), busy); err != nil {
			m.log.Warn().Err(err).Msg("send busy decline")
		}
		return
	}

	sess := newIncoming(sig.SessionID, m.self, sig.From, mode, sig.SDP, m.deps)
	sess.onState = m.sessionStateChanged

	cancel, err := m.deps.transport.Subscribe(CallTopic(sess.id), m.handlePayload)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", sess.id).Msg("subscribe call topic for incoming call")
		return
	}
	sess.releaseTopic = cancel

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	m.log.Info().Str("from", sig.From).Str("mode", string(mode)).Str("session_id", sess.id).Msg("incoming call")

	if mode == ModePushToTalk {
		// Walkie-talkie bursts connect without a user gesture.
		go func() {
			if err := sess.Accept(context.Background()); err != nil {
				m.log.Warn().Err(err).Str("session_id", sess.id).Msg("auto-accept push-to-talk")
			}
		}()
		return
	}

	m.incomingMu.RLock()
	fn := m.onIncoming
	m.incomingMu.RUnlock()
	if fn != nil {
		go fn(sess)
	}
}

func (m *Manager) armRingTimeout(sess *Session) {
	t := time.AfterFunc(m.policy.RingTimeout, func() {
		if sess.State() != StateRinging {
			return
		}
		m.log.Info().Str("session_id", sess.id).Dur("timeout", m.policy.RingTimeout).Msg("ring timeout, cancelling")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sess.Hangup(ctx)
	})
	go func() {
		<-sess.Done()
		t.Stop()
	}()
}

func (m *Manager) sessionStateChanged(sess *Session, st State, _ error) {
	if !st.Terminal() {
		return
	}
	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	m.incomingMu.RLock()
	fn := m.onEnded
	m.incomingMu.RUnlock()
	if fn != nil {
		go fn(sess)
	}
}

func (m *Manager) hasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			return true
		}
	}
	return false
}
