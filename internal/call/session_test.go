package call

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestOutgoingCallConnects(t *testing.T) {
	bus := newBus(true)
	alice := newTestPeer(t, "alice", bus, Policy{RejectBusy: true})
	bob := newTestPeer(t, "bob", bus, Policy{RejectBusy: true})

	incoming := make(chan *Session, 1)
	bob.manager.OnIncoming(func(s *Session) { incoming <- s })

	ctx := context.Background()
	sess, err := alice.manager.Start(ctx, "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if got := sess.State(); got != StateRinging {
		t.Fatalf("caller state after start = %s, want ringing", got)
	}

	var bobSess *Session
	select {
	case bobSess = <-incoming:
	default:
		waitFor(t, "incoming call", func() bool {
			select {
			case bobSess = <-incoming:
				return true
			default:
				return false
			}
		})
	}
	if bobSess.ID() != sess.ID() {
		t.Fatalf("session id mismatch: caller %s, callee %s", sess.ID(), bobSess.ID())
	}
	if bobSess.Role() != RoleCallee {
		t.Errorf("incoming session role = %s, want callee", bobSess.Role())
	}
	if got := bobSess.State(); got != StateRinging {
		t.Fatalf("callee state = %s, want ringing", got)
	}

	if err := bobSess.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The answer travels back over the call topic and lands on the
	// caller's link.
	waitFor(t, "answer applied", func() bool {
		l := alice.links.link(0)
		return l != nil && l.remoteSDP() == "fake-answer-sdp"
	})

	// Both sides connect when their links report it.
	alice.links.link(0).setLinkState(LinkConnected)
	bob.links.link(0).setLinkState(LinkConnected)

	if got := sess.State(); got != StateConnected {
		t.Errorf("caller state = %s, want connected", got)
	}
	if got := bobSess.State(); got != StateConnected {
		t.Errorf("callee state = %s, want connected", got)
	}

	if err := sess.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if got := sess.State(); got != StateEnded {
		t.Errorf("caller state after hangup = %s, want ended", got)
	}
	waitFor(t, "remote hangup", func() bool {
		return bobSess.State() == StateEnded
	})
}

func TestMediaDeniedSendsNoSignaling(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})
	alice.media.err = errors.New("permission denied")

	_, err := alice.manager.Start(context.Background(), "bob", ModeVideo)
	if !errors.Is(err, ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}

	// The callee must never learn the attempt existed.
	if n := bus.sentCount(); n != 0 {
		t.Errorf("expected no outbound signals, got %d", n)
	}
}

func TestLinkFactoryFailureReleasesStream(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})
	alice.links.err = errors.New("link construction failed")

	_, err := alice.manager.Start(context.Background(), "bob", ModeVoice)
	if err == nil {
		t.Fatal("expected error from link construction")
	}

	// The already-captured stream is released on the failure path.
	st := alice.media.lastStream()
	if st == nil {
		t.Fatal("no stream captured")
	}
	if got := st.closeCount(); got != 1 {
		t.Errorf("stream close count = %d, want 1", got)
	}
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	sess, err := alice.manager.Start(context.Background(), "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	topic := CallTopic(sess.ID())

	// Trickle candidates arrive before the answer.
	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		bus.inject(t, topic, Signal{
			Kind: SignalCandidate, Candidate: c,
			From: "bob", To: "alice", SessionID: sess.ID(),
		})
	}
	if got := alice.links.link(0).addedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}

	bus.inject(t, topic, Signal{
		Kind: SignalAnswer, SDP: "answer-sdp",
		From: "bob", To: "alice", SessionID: sess.ID(),
	})

	got := alice.links.link(0).addedCandidates()
	want := []string{"cand-1", "cand-2", "cand-3"}
	if len(got) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate[%d] = %q, want %q (order must match arrival)", i, got[i], want[i])
		}
	}

	// Late candidates now apply directly.
	bus.inject(t, topic, Signal{
		Kind: SignalCandidate, Candidate: "cand-4",
		From: "bob", To: "alice", SessionID: sess.ID(),
	})
	if got := alice.links.link(0).addedCandidates(); len(got) != 4 || got[3] != "cand-4" {
		t.Errorf("late candidate not applied directly: %v", got)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	ctx := context.Background()
	sess, err := alice.manager.Start(ctx, "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	if err := sess.Hangup(ctx); err != nil {
		t.Fatalf("first hangup: %v", err)
	}
	if err := sess.Hangup(ctx); err != nil {
		t.Fatalf("second hangup: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := alice.media.lastStream().closeCount(); got != 1 {
		t.Errorf("stream close count = %d, want 1", got)
	}
	if got := alice.links.link(0).closeCount(); got != 1 {
		t.Errorf("link close count = %d, want 1", got)
	}
	if got := len(bus.sentOfKind(SignalHangup)); got != 1 {
		t.Errorf("hangup signals sent = %d, want 1", got)
	}

	select {
	case <-sess.Done():
	default:
		t.Error("done channel not closed after teardown")
	}
}

func TestConcurrentHangupSendsOneSignal(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	ctx := context.Background()
	sess, err := alice.manager.Start(ctx, "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Hangup(ctx); err != nil {
				t.Errorf("hangup: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(bus.sentOfKind(SignalHangup)); got != 1 {
		t.Errorf("hangup signals sent = %d, want 1", got)
	}
	if got := sess.State(); got != StateEnded {
		t.Errorf("state = %v, want %v", got, StateEnded)
	}
}

func TestConcurrentDeclineSendsOneSignal(t *testing.T) {
	bus := newBus(false)
	bob := newTestPeer(t, "bob", bus, Policy{})

	bus.inject(t, UserTopic("bob"), Signal{
		Kind:      SignalOffer,
		From:      "alice",
		To:        "bob",
		SessionID: "sess-race",
		SDP:       "offer-sdp",
		Mode:      ModeVoice,
	})
	waitFor(t, "incoming session", func() bool {
		_, err := bob.manager.Get("sess-race")
		return err == nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bob.manager.Decline(ctx, "sess-race"); err != nil {
				t.Errorf("decline: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(bus.sentOfKind(SignalDecline)); got != 1 {
		t.Errorf("decline signals sent = %d, want 1", got)
	}
}

func TestDeclineSendsExactlyOneSignal(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	incoming := make(chan *Session, 1)
	alice.manager.OnIncoming(func(s *Session) { incoming <- s })

	bus.inject(t, UserTopic("alice"), Signal{
		Kind: SignalOffer, SDP: "offer-sdp", Mode: ModeVoice,
		From: "bob", To: "alice", SessionID: "sess-1",
	})

	var sess *Session
	waitFor(t, "incoming call", func() bool {
		select {
		case sess = <-incoming:
			return true
		default:
			return false
		}
	})

	ctx := context.Background()
	if err := sess.Decline(ctx); err != nil {
		t.Fatalf("decline: %v", err)
	}
	// Declining again is a no-op, not a second signal.
	if err := sess.Decline(ctx); err != nil {
		t.Fatalf("second decline: %v", err)
	}

	if got := sess.State(); got != StateDeclined {
		t.Errorf("state = %s, want declined", got)
	}
	if got := len(bus.sentOfKind(SignalDecline)); got != 1 {
		t.Errorf("decline signals sent = %d, want 1", got)
	}

	// A declined session cannot be answered afterwards.
	if err := sess.Accept(ctx); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("accept after decline = %v, want ErrSessionNotFound", err)
	}
}

func TestRemoteDecline(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	sess, err := alice.manager.Start(context.Background(), "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	bus.inject(t, CallTopic(sess.ID()), Signal{
		Kind: SignalDecline, From: "bob", To: "alice", SessionID: sess.ID(),
	})

	if got := sess.State(); got != StateDeclined {
		t.Errorf("state = %s, want declined", got)
	}
	if err := sess.Err(); !errors.Is(err, ErrRemoteDeclined) {
		t.Errorf("err = %v, want ErrRemoteDeclined", err)
	}
	if got := alice.media.lastStream().closeCount(); got != 1 {
		t.Errorf("stream close count = %d, want 1", got)
	}
}

func TestLinkFailureReleasesMedia(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	sess, err := alice.manager.Start(context.Background(), "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	alice.links.link(0).setLinkState(LinkFailed)

	if got := sess.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	if err := sess.Err(); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("err = %v, want ErrConnectionFailed", err)
	}
	if got := alice.media.lastStream().closeCount(); got != 1 {
		t.Errorf("stream close count = %d, want 1", got)
	}
}

func TestLocalCandidatesForwarded(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	sess, err := alice.manager.Start(context.Background(), "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	alice.links.link(0).emitCandidate("local-cand")

	sent := bus.sentOfKind(SignalCandidate)
	if len(sent) != 1 {
		t.Fatalf("candidate signals sent = %d, want 1", len(sent))
	}
	if sent[0].Topic != CallTopic(sess.ID()) {
		t.Errorf("candidate sent on %s, want %s", sent[0].Topic, CallTopic(sess.ID()))
	}
	if sent[0].Sig.Candidate != "local-cand" {
		t.Errorf("candidate payload = %q", sent[0].Sig.Candidate)
	}
}

func TestConnectedOnlyFromRinging(t *testing.T) {
	bus := newBus(false)
	alice := newTestPeer(t, "alice", bus, Policy{})

	ctx := context.Background()
	sess, err := alice.manager.Start(ctx, "bob", ModeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if err := sess.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	// A late link-connected event must not resurrect an ended session.
	alice.links.link(0).setLinkState(LinkConnected)
	if got := sess.State(); got != StateEnded {
		t.Errorf("state = %s, want ended", got)
	}
}
