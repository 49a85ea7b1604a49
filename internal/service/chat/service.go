// Package chat handles workspace channel messages: persistence through
// the backend and typing indicators over the realtime channel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsdeckhq/opsdeck/internal/backend"
)

const table = "messages"

// ErrEmptyBody rejects blank messages before they hit the backend.
var ErrEmptyBody = errors.New("message body is empty")

// EventTyping is broadcast on a channel topic while a user is typing.
const EventTyping = "typing"

// Message is one row of the messages table.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// TypingNotice is the typing indicator payload.
type TypingNotice struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// Broadcaster is the slice of the realtime client the chat service needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

// Service provides channel messaging business logic.
type Service struct {
	client *backend.Client
	rt     Broadcaster
	userID string
}

// New creates a chat service acting as the given user. rt may be nil when
// the realtime connection is down; typing notices are then skipped.
func New(client *backend.Client, rt Broadcaster, userID string) *Service {
	return &Service{client: client, rt: rt, userID: userID}
}

// ChannelTopic returns the realtime topic for a channel.
func ChannelTopic(channelID string) string {
	return "channel:" + channelID
}

// Send persists a message to the channel. Subscribers learn about it
// through the backend's change feed, not a separate broadcast.
func (s *Service) Send(ctx context.Context, channelID, body string) (*Message, error) {
	if body == "" {
		return nil, ErrEmptyBody
	}

	msg := Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		AuthorID:  s.userID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.client.Insert(ctx, table, msg, nil); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &msg, nil
}

// History returns the channel's messages.
func (s *Service) History(ctx context.Context, channelID string) ([]Message, error) {
	var msgs []Message
	if err := s.client.Select(ctx, table, &msgs, backend.Eq("channel_id", channelID)); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// NotifyTyping broadcasts a typing indicator on the channel topic.
func (s *Service) NotifyTyping(ctx context.Context, channelID string) error {
	if s.rt == nil {
		return nil
	}
	notice := TypingNotice{UserID: s.userID, ChannelID: channelID}
	if err := s.rt.Broadcast(ctx, ChannelTopic(channelID), EventTyping, notice); err != nil {
		return fmt.Errorf("typing notice: %w", err)
	}
	return nil
}
