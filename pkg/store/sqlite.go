package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// SQLite is the file-backed SessionStore. A single recorder goroutine is the
// only writer, so the connection pool is capped at one writer connection and
// WAL keeps readers from blocking it.
type SQLite struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stagewhisper", "sessions.db")
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	profile_id TEXT,
	title      TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);

CREATE TABLE IF NOT EXISTS session_interactions (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	timestamp      INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	content        TEXT NOT NULL,
	screenshot_ref TEXT,
	reply          TEXT NOT NULL,
	reply_status   TEXT NOT NULL,
	UNIQUE (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions (id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_interactions_session ON session_interactions (session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions (started_at);
`

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSession implements SessionStore.
func (s *SQLite) CreateSession(ctx context.Context, session *types.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, profile_id, title, started_at)
		VALUES (?, ?, ?, ?)
	`, session.ID, nullString(session.ProfileID), session.Title, session.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// AppendInteraction implements SessionStore. INSERT OR IGNORE keyed on the
// interaction ID makes the recorder's retry-after-failure path exactly-once.
func (s *SQLite) AppendInteraction(ctx context.Context, interaction *types.Interaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_interactions
			(id, session_id, seq, timestamp, kind, content, screenshot_ref, reply, reply_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		interaction.ID, interaction.SessionID, interaction.Seq,
		interaction.Timestamp.UnixMilli(), string(interaction.Kind), interaction.Content,
		nullString(interaction.ScreenshotRef), interaction.Reply, string(interaction.ReplyStatus),
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// FinalizeSession implements SessionStore.
func (s *SQLite) FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, endedAt.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize session %s: not found or already finalized", sessionID)
	}
	return nil
}

// GetSession implements SessionStore.
func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, title, started_at, ended_at
		FROM sessions WHERE id = ?
	`, sessionID)

	var sess types.Session
	var profileID sql.NullString
	var startedAt int64
	var endedAt sql.NullInt64

	if err := row.Scan(&sess.ID, &profileID, &sess.Title, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.ProfileID = profileID.String
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// ListInteractions implements SessionStore.
func (s *SQLite) ListInteractions(ctx context.Context, sessionID string) ([]types.Interaction, error) {
	return s.queryInteractions(ctx, `
		SELECT id, session_id, seq, timestamp, kind, content, screenshot_ref, reply, reply_status
		FROM session_interactions
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
}

// SearchInteractions implements SessionStore.
func (s *SQLite) SearchInteractions(ctx context.Context, sessionID, query string) ([]types.Interaction, error) {
	pattern := "%" + query + "%"
	return s.queryInteractions(ctx, `
		SELECT id, session_id, seq, timestamp, kind, content, screenshot_ref, reply, reply_status
		FROM session_interactions
		WHERE session_id = ? AND (content LIKE ? OR reply LIKE ?)
		ORDER BY seq ASC
	`, sessionID, pattern, pattern)
}

func (s *SQLite) queryInteractions(ctx context.Context, query string, args ...any) ([]types.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []types.Interaction
	for rows.Next() {
		var ia types.Interaction
		var ts int64
		var kind, status string
		var ref sql.NullString
		if err := rows.Scan(&ia.ID, &ia.SessionID, &ia.Seq, &ts, &kind,
			&ia.Content, &ref, &ia.Reply, &status); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		ia.Timestamp = time.UnixMilli(ts)
		ia.Kind = types.TriggerKind(kind)
		ia.ReplyStatus = types.ReplyStatus(status)
		ia.ScreenshotRef = ref.String
		out = append(out, ia)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
