// Package realtime is a client for the hosted backend's publish/subscribe
// transport: named topics carrying application broadcasts and table
// change-feed notifications over a single WebSocket.
package realtime

import "encoding/json"

// Frame is the JSON envelope exchanged with the realtime service. Event
// names outside the reserved set below are application broadcasts.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     uint64          `json:"ref,omitempty"`
}

// Reserved protocol events.
const (
	EventJoin      = "join"
	EventJoined    = "joined"
	EventLeave     = "leave"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// Change-feed events emitted by the service for subscribed tables.
const (
	EventRowInserted = "row_inserted"
	EventRowUpdated  = "row_updated"
	EventRowDeleted  = "row_deleted"
)

// ChangeEvent is the payload of a change-feed event.
type ChangeEvent struct {
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// IsChangeEvent reports whether event is one of the change-feed kinds.
func IsChangeEvent(event string) bool {
	return event == EventRowInserted || event == EventRowUpdated || event == EventRowDeleted
}

// TableTopic derives the change-feed topic for a backend table.
func TableTopic(table string) string {
	return "table:" + table
}
