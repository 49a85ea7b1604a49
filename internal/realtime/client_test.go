package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

// echoServer accepts one websocket per request, acks joins, rejects joins
// to denied topics, and reflects every application event back to the
// sender as if it were another subscriber's broadcast.
type echoServer struct {
	mu         sync.Mutex
	authHeader string
	denyTopics map[string]bool
}

func (s *echoServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.authHeader = r.Header.Get("Authorization")
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		switch frame.Event {
		case EventJoin:
			reply := Frame{Topic: frame.Topic, Event: EventJoined, Ref: frame.Ref}
			if s.denyTopics[frame.Topic] {
				reply.Event = EventError
				reply.Payload = json.RawMessage(`"forbidden"`)
			}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		case EventLeave, EventHeartbeat:
		default:
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

func (s *echoServer) auth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authHeader
}

func startEcho(t *testing.T, deny ...string) (*echoServer, *Client) {
	t.Helper()
	srv := &echoServer{denyTopics: make(map[string]bool)}
	for _, topic := range deny {
		srv.denyTopics[topic] = true
	}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := zerolog.Nop()
	client, err := Dial(ctx, wsURL, "test-token", &logger)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestDialSendsToken(t *testing.T) {
	srv, _ := startEcho(t)
	if got := srv.auth(); got != "Bearer test-token" {
		t.Errorf("authorization header = %q, want Bearer test-token", got)
	}
}

func TestJoinBroadcastReceive(t *testing.T) {
	_, client := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Join(ctx, "room:1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	got := make(chan Frame, 1)
	cancelSub := client.Subscribe("room:1", func(event string, payload json.RawMessage) {
		got <- Frame{Topic: "room:1", Event: event, Payload: payload}
	})
	defer cancelSub()

	if err := client.Broadcast(ctx, "room:1", "ping", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case frame := <-got:
		if frame.Event != "ping" {
			t.Errorf("event = %q, want ping", frame.Event)
		}
		var payload map[string]string
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["v"] != "1" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed event")
	}
}

func TestJoinDenied(t *testing.T) {
	_, client := startEcho(t, "room:secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Join(ctx, "room:secret"); err == nil {
		t.Fatal("expected join error for denied topic")
	}
	// Other topics still work on the same connection.
	if err := client.Join(ctx, "room:open"); err != nil {
		t.Fatalf("join open topic: %v", err)
	}
}

func TestSubscribeCancel(t *testing.T) {
	_, client := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Join(ctx, "room:2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	got := make(chan string, 2)
	cancelSub := client.Subscribe("room:2", func(event string, _ json.RawMessage) {
		got <- event
	})

	if err := client.Broadcast(ctx, "room:2", "first", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("first event not delivered")
	}

	cancelSub()
	cancelSub() // safe to call twice

	if err := client.Broadcast(ctx, "room:2", "second", nil); err != nil {
		t.Fatalf("broadcast after cancel: %v", err)
	}
	select {
	case ev := <-got:
		t.Fatalf("received %q after cancel", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinFromHandler(t *testing.T) {
	_, client := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Join(ctx, "user:alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// A handler reacting to an event by joining another topic, the way an
	// offer handler joins the call topic, must not starve the connection.
	joined := make(chan error, 1)
	cancelSub := client.Subscribe("user:alice", func(event string, _ json.RawMessage) {
		if event != "offer" {
			return
		}
		joinCtx, joinCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer joinCancel()
		joined <- client.Join(joinCtx, "call:s1")
	})
	defer cancelSub()

	if err := client.Broadcast(ctx, "user:alice", "offer", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("join from handler: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("join from handler never completed")
	}
}

func TestChangeFeedDispatch(t *testing.T) {
	_, client := startEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := client.Channel(TableTopic("tasks"))
	if ch.Topic != "table:tasks" {
		t.Fatalf("topic = %q, want table:tasks", ch.Topic)
	}
	if err := ch.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	got := make(chan ChangeEvent, 1)
	cancelSub := ch.On(func(event string, payload json.RawMessage) {
		if !IsChangeEvent(event) {
			return
		}
		var change ChangeEvent
		if err := json.Unmarshal(payload, &change); err != nil {
			t.Errorf("decode change event: %v", err)
			return
		}
		got <- change
	})
	defer cancelSub()

	row := json.RawMessage(`{"id":"t1","title":"ship it"}`)
	if err := ch.Broadcast(ctx, EventRowInserted, ChangeEvent{Table: "tasks", Row: row}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case change := <-got:
		if change.Table != "tasks" {
			t.Errorf("table = %q, want tasks", change.Table)
		}
		if string(change.Row) != string(row) {
			t.Errorf("row = %s, want %s", change.Row, row)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestCloseIdempotent(t *testing.T) {
	_, client := startEcho(t)

	if err := client.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	ctx := context.Background()
	if err := client.Join(ctx, "room:3"); err == nil {
		t.Error("join after close should fail")
	}
	if err := client.Broadcast(ctx, "room:3", "x", nil); err == nil {
		t.Error("broadcast after close should fail")
	}
}
