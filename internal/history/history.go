// Package history keeps a local, offline-readable log of finished calls.
// The backend holds the authoritative record; this cache lets the agent
// answer history queries without a round trip.
package history

import (
	"context"
	"time"
)

// Direction says which side of the call this agent was on.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Entry is one finished call.
type Entry struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Direction Direction `json:"direction"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration returns how long the call lasted.
func (e Entry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Store persists and lists call history entries.
type Store interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
