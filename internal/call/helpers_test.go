package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// busTransport is an in-memory signaling bus. With deliver set it routes
// every sent signal to the handlers subscribed to the topic, which lets
// two managers talk to each other inside one test.
type busTransport struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	sent     []sentSignal
	sendErr  error
	subErr   error
	deliver  bool
}

type sentSignal struct {
	Topic string
	Sig   Signal
}

func newBus(deliver bool) *busTransport {
	return &busTransport{
		handlers: make(map[string][]func([]byte)),
		deliver:  deliver,
	}
}

func (b *busTransport) Send(_ context.Context, topic string, sig Signal) error {
	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	b.sent = append(b.sent, sentSignal{Topic: topic, Sig: sig})
	var fns []func([]byte)
	if b.deliver {
		fns = append(fns, b.handlers[topic]...)
	}
	b.mu.Unlock()

	if len(fns) > 0 {
		payload, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		for _, fn := range fns {
			fn(payload)
		}
	}
	return nil
}

func (b *busTransport) Subscribe(topic string, fn func(payload []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.handlers[topic] = append(b.handlers[topic], fn)
	return func() {}, nil
}

// inject delivers a raw signal to the topic's handlers, as if a remote
// party had published it.
func (b *busTransport) inject(t *testing.T, topic string, sig Signal) {
	t.Helper()
	payload, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal signal: %v", err)
	}
	b.injectRaw(t, topic, payload)
}

// injectRaw delivers an arbitrary payload, malformed ones included.
func (b *busTransport) injectRaw(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	fns := append([]func([]byte){}, b.handlers[topic]...)
	b.mu.Unlock()
	if len(fns) == 0 {
		t.Fatalf("no handlers subscribed to %s", topic)
	}
	for _, fn := range fns {
		fn(payload)
	}
}

func (b *busTransport) sentOfKind(kind SignalKind) []sentSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentSignal
	for _, s := range b.sent {
		if s.Sig.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (b *busTransport) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fakeStream struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (m *fakeMedia) Capture(_, _ bool) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	st := &fakeStream{}
	m.streams = append(m.streams, st)
	return st, nil
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type fakeLink struct {
	mu          sync.Mutex
	remote      string
	candidates  []string
	onCandidate func(string)
	onState     func(LinkState)
	closed      int

	offerErr  error
	answerErr error
	acceptErr error
}

func (l *fakeLink) MakeOffer(context.Context) (string, error) {
	if l.offerErr != nil {
		return "", l.offerErr
	}
	return "fake-offer-sdp", nil
}

func (l *fakeLink) MakeAnswer(_ context.Context, offerSDP string) (string, error) {
	if l.answerErr != nil {
		return "", l.answerErr
	}
	l.mu.Lock()
	l.remote = offerSDP
	l.mu.Unlock()
	return "fake-answer-sdp", nil
}

func (l *fakeLink) AcceptAnswer(answerSDP string) error {
	if l.acceptErr != nil {
		return l.acceptErr
	}
	l.mu.Lock()
	l.remote = answerSDP
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddCandidate(candidate string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, candidate)
	return nil
}

func (l *fakeLink) OnCandidate(fn func(string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *fakeLink) OnStateChange(fn func(LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) setLinkState(st LinkState) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (l *fakeLink) emitCandidate(c string) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (l *fakeLink) remoteSDP() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *fakeLink) addedCandidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.candidates...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeLinks struct {
	mu    sync.Mutex
	err   error
	links []*fakeLink
}

func (f *fakeLinks) factory() LinkFactory {
	return func(Mode, MediaStream) (PeerLink, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return nil, f.err
		}
		l := &fakeLink{}
		f.links = append(f.links, l)
		return l, nil
	}
}

func (f *fakeLinks) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.links) {
		return nil
	}
	return f.links[i]
}

// testPeer bundles one user's manager with its fakes.
type testPeer struct {
	manager *Manager
	media   *fakeMedia
	links   *fakeLinks
}

func newTestPeer(t *testing.T, self string, bus *busTransport, policy Policy) *testPeer {
	t.Helper()
	media := &fakeMedia{}
	links := &fakeLinks{}
	m := NewManager(self, bus, media, links.factory(), nil, policy, testLogger())
	if err := m.Run(); err != nil {
		t.Fatalf("manager run for %s: %v", self, err)
	}
	t.Cleanup(m.Close)
	return &testPeer{manager: m, media: media, links: links}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
