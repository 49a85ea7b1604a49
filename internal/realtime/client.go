package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("realtime client closed")

const (
	heartbeatInterval = 25 * time.Second
	eventQueueSize    = 128
)

// Handler receives every event delivered on a subscribed topic.
type Handler func(event string, payload json.RawMessage)

type subscription struct {
	id uint64
	fn Handler
}

// Client multiplexes topic subscriptions over one WebSocket connection.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string][]subscription
	pending map[uint64]chan error
	closed  bool

	ref    atomic.Uint64
	subID  atomic.Uint64
	events chan Frame
	done   chan struct{}
	closer sync.Once
}

// Dial connects to the realtime service, authenticating with the user's
// access token, and starts the read and heartbeat loops.
func Dial(ctx context.Context, url, token string, logger *zerolog.Logger) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c := &Client{
		conn:    conn,
		log:     logger.With().Str("component", "realtime").Logger(),
		subs:    make(map[string][]subscription),
		pending: make(map[uint64]chan error),
		events:  make(chan Frame, eventQueueSize),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go c.dispatchLoop()
	go c.heartbeatLoop()
	return c, nil
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	c.closer.Do(func() {
		c.mu.Lock()
		c.closed = true
		for ref, ch := range c.pending {
			ch <- ErrClosed
			delete(c.pending, ref)
		}
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
	})
	return nil
}

// Join subscribes the connection to a topic on the server side and waits
// for the acknowledgement.
func (c *Client) Join(ctx context.Context, topic string) error {
	ref := c.ref.Add(1)
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ref] = ack
	c.mu.Unlock()

	if err := c.send(ctx, Frame{Topic: topic, Event: EventJoin, Ref: ref}); err != nil {
		c.dropPending(ref)
		return fmt.Errorf("join %s: %w", topic, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("join %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		c.dropPending(ref)
		return fmt.Errorf("join %s: %w", topic, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Leave unsubscribes the connection from a topic. Best effort: the server
// drops the registration when the frame arrives or when the socket dies.
func (c *Client) Leave(ctx context.Context, topic string) error {
	return c.send(ctx, Frame{Topic: topic, Event: EventLeave})
}

// Broadcast publishes an application event to every subscriber of topic.
func (c *Client) Broadcast(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.send(ctx, Frame{Topic: topic, Event: event, Payload: data})
}

// Subscribe registers a local handler for a topic's events. The returned
// cancel removes the handler and is safe to call more than once.
func (c *Client) Subscribe(topic string, fn Handler) (cancel func()) {
	id := c.subID.Add(1)

	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], subscription{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				c.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[topic]) == 0 {
			delete(c.subs, topic)
		}
	}
}

// Channel returns a topic-scoped view of the client.
func (c *Client) Channel(topic string) *Channel {
	return &Channel{client: c, Topic: topic}
}

func (c *Client) send(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	// One writer at a time on the socket.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, f)
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Msg("realtime read loop ended")
				_ = c.Close()
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Event {
	case EventJoined:
		c.resolvePending(frame.Ref, nil)
		return
	case EventError:
		if frame.Ref != 0 {
			c.resolvePending(frame.Ref, fmt.Errorf("server error: %s", string(frame.Payload)))
			return
		}
		c.log.Warn().Str("topic", frame.Topic).RawJSON("payload", frame.Payload).Msg("server error frame")
		return
	case EventHeartbeat:
		return
	}

	// Application events are handed to a dedicated dispatch goroutine so
	// a handler that talks back to the server (for example joining the
	// call topic for a fresh offer) never blocks the read loop that has
	// to deliver the server's reply.
	select {
	case c.events <- frame:
	case <-c.done:
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case frame := <-c.events:
			c.mu.Lock()
			list := make([]subscription, len(c.subs[frame.Topic]))
			copy(list, c.subs[frame.Topic])
			c.mu.Unlock()

			for _, sub := range list {
				sub.fn(frame.Event, frame.Payload)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.send(ctx, Frame{Event: EventHeartbeat}); err != nil && !errors.Is(err, ErrClosed) {
				c.log.Warn().Err(err).Msg("heartbeat send failed")
			}
			cancel()
		}
	}
}

func (c *Client) resolvePending(ref uint64, err error) {
	c.mu.Lock()
	ch, ok := c.pending[ref]
	if ok {
		delete(c.pending, ref)
	}
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (c *Client) dropPending(ref uint64) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// Channel is a topic-scoped convenience wrapper.
type Channel struct {
	client *Client
	Topic  string
}

// Join subscribes the underlying connection to the channel's topic.
func (ch *Channel) Join(ctx context.Context) error {
	return ch.client.Join(ctx, ch.Topic)
}

// Leave unsubscribes from the topic.
func (ch *Channel) Leave(ctx context.Context) error {
	return ch.client.Leave(ctx, ch.Topic)
}

// Broadcast publishes an event on the topic.
func (ch *Channel) Broadcast(ctx context.Context, event string, payload any) error {
	return ch.client.Broadcast(ctx, ch.Topic, event, payload)
}

// On registers a handler for the topic's events.
func (ch *Channel) On(fn Handler) (cancel func()) {
	return ch.client.Subscribe(ch.Topic, fn)
}
