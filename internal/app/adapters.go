package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opsdeckhq/opsdeck/internal/call"
	"github.com/opsdeckhq/opsdeck/internal/media"
	"github.com/opsdeckhq/opsdeck/internal/realtime"
)

// eventSignal carries call signaling frames on user and call topics.
const eventSignal = "signal"

const joinTimeout = 10 * time.Second

// callTransport bridges the realtime client to the call engine. It is the
// only place that knows both sides of that boundary.
type callTransport struct {
	rt *realtime.Client
}

func (t *callTransport) Send(ctx context.Context, topic string, sig call.Signal) error {
	return t.rt.Broadcast(ctx, topic, eventSignal, sig)
}

func (t *callTransport) Subscribe(topic string, fn func(payload []byte)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := t.rt.Join(ctx, topic); err != nil {
		return nil, err
	}

	unsub := t.rt.Subscribe(topic, func(event string, payload json.RawMessage) {
		if event != eventSignal {
			return
		}
		fn(payload)
	})

	return func() {
		unsub()
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()
		_ = t.rt.Leave(ctx, topic)
	}, nil
}

// mediaSource adapts the device capturer to the call engine's media seam.
type mediaSource struct {
	cap media.Capturer
}

func (m *mediaSource) Capture(audio, video bool) (call.MediaStream, error) {
	stream, err := m.cap.Capture(audio, video)
	if err != nil {
		return nil, err
	}
	return stream, nil
}
