package backend

import (
	"context"
	"time"

	"github.com/opsdeckhq/opsdeck/internal/call"
)

const callsTable = "calls"

// CallLog persists call records to the backend's calls table. It
// satisfies call.Recorder.
type CallLog struct {
	client *Client
}

// NewCallLog builds a recorder writing through the given client.
func NewCallLog(client *Client) *CallLog {
	return &CallLog{client: client}
}

func (l *CallLog) CallStarted(ctx context.Context, rec call.Record) error {
	return l.client.Insert(ctx, callsTable, rec, nil)
}

func (l *CallLog) CallAnswered(ctx context.Context, sessionID, answerSDP string, at time.Time) error {
	patch := map[string]any{
		"answer":      answerSDP,
		"status":      "answered",
		"answered_at": at,
	}
	return l.client.Update(ctx, callsTable, patch, nil, Eq("id", sessionID))
}

func (l *CallLog) CallEnded(ctx context.Context, sessionID, status string, at time.Time) error {
	patch := map[string]any{
		"status":   status,
		"ended_at": at,
	}
	return l.client.Update(ctx, callsTable, patch, nil, Eq("id", sessionID))
}

// RecentCalls lists call records the user took part in on either side,
// capped at limit.
func (l *CallLog) RecentCalls(ctx context.Context, userID string, limit int) ([]call.Record, error) {
	var rows []call.Record
	filter := Or(Eq("caller_id", userID), Eq("callee_id", userID))
	if err := l.client.Select(ctx, callsTable, &rows, filter); err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
