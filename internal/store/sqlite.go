package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dyluth/warren/pkg/blackboard"
)

// SQLite keeps checkpoints and deliverables in a single database file.
type SQLite struct {
	conn      *sql.DB
	path      string
	namespace string
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	version       INTEGER NOT NULL,
	is_completed  INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deliverables (
	namespace     TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	name          TEXT NOT NULL,
	content       TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (namespace, session_id, name)
);
`

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. WAL mode is enabled for concurrent readers.
func OpenSQLite(path, namespace string) (*SQLite, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent sessions.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLite{conn: conn, path: path, namespace: namespace}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at_ms INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at_ms) VALUES (?, ?)", m.version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func (s *SQLite) GetState(ctx context.Context, threadID string) (*blackboard.Blackboard, error) {
	var state string
	var version int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT state, version FROM checkpoints WHERE thread_id = ?", threadID,
	).Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	bb, err := blackboard.Decode([]byte(state))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	bb.Version = version
	return bb, nil
}

func (s *SQLite) PutState(ctx context.Context, threadID string, bb *blackboard.Blackboard) error {
	state, err := blackboard.Encode(bb)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	completed := 0
	if bb.IsCompleted {
		completed = 1
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, session_id, user_id, version, is_completed, state, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			version = excluded.version,
			is_completed = excluded.is_completed,
			state = excluded.state,
			updated_at_ms = excluded.updated_at_ms
	`, threadID, bb.SessionID, bb.UserID, bb.Version, completed, string(state), bb.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteState(ctx context.Context, threadID string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) PutDeliverable(ctx context.Context, sessionID, name string, data json.RawMessage) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO deliverables (namespace, session_id, name, content, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, session_id, name) DO UPDATE SET
			content = excluded.content,
			updated_at_ms = excluded.updated_at_ms
	`, s.namespace, sessionID, name, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write deliverable %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) GetDeliverable(ctx context.Context, sessionID, name string) (json.RawMessage, error) {
	var content string
	err := s.conn.QueryRowContext(ctx,
		"SELECT content FROM deliverables WHERE namespace = ? AND session_id = ? AND name = ?",
		s.namespace, sessionID, name,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deliverable %s: %w", name, err)
	}
	return json.RawMessage(content), nil
}

func (s *SQLite) DeleteDeliverables(ctx context.Context, sessionID string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM deliverables WHERE namespace = ? AND session_id = ?", s.namespace, sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete deliverables: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
