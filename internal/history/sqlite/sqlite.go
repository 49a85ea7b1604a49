package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opsdeckhq/opsdeck/internal/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id         TEXT PRIMARY KEY,
	peer_id    TEXT NOT NULL,
	direction  TEXT NOT NULL,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_history_started ON call_history(started_at DESC);
`

// Store implements history.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the history database at dbPath and applies the
// schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts a finished call. The same session may be recorded again
// with a later status, so the last write wins.
func (s *Store) Record(ctx context.Context, e history.Entry) error {
	query := `
		INSERT INTO call_history (id, peer_id, direction, mode, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.PeerID, string(e.Direction), e.Mode, e.Status, e.StartedAt, e.EndedAt)
	if err != nil {
		return fmt.Errorf("insert call history: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first. limit <= 0 means
// no cap.
func (s *Store) List(ctx context.Context, limit int) ([]history.Entry, error) {
	query := `
		SELECT id, peer_id, direction, mode, status, started_at, ended_at
		FROM call_history
		ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		var e history.Entry
		var dir string
		if err := rows.Scan(&e.ID, &e.PeerID, &dir, &e.Mode, &e.Status, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call history: %w", err)
		}
		e.Direction = history.Direction(dir)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call history: %w", err)
	}
	return entries, nil
}
