package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store on SQLite. Messages carry a monotonic
// per-session sequence so append order survives equal timestamps; every
// append is one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite handles one writer at a time anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		agent          TEXT NOT NULL,
		participant_scope TEXT NOT NULL,
		started_at     DATETIME NOT NULL,
		last_activity  DATETIME NOT NULL,
		message_count  INTEGER NOT NULL DEFAULT 0,
		is_active      INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent_scope ON sessions(agent, participant_scope, is_active);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		role        TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content     TEXT NOT NULL,
		agent_name  TEXT,
		timestamp   DATETIME NOT NULL,
		UNIQUE (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) ActiveSession(ctx context.Context, agent, scope string) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent, participant_scope, started_at, last_activity, message_count, is_active
		 FROM sessions
		 WHERE agent = ? AND participant_scope = ? AND is_active = 1
		 ORDER BY started_at DESC LIMIT 1`,
		agent, scope,
	).Scan(&sess.ID, &sess.Agent, &sess.Scope, &sess.StartedAt, &sess.LastActivity, &sess.MessageCount, &sess.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent, participant_scope, started_at, last_activity, message_count, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Agent, sess.Scope, sess.StartedAt, sess.LastActivity, sess.MessageCount, sess.Active,
	)
	if err != nil {
		return fmt.Errorf("%w: create session %s: %v", domain.ErrStorageWrite, sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0, last_activity = ? WHERE id = ? AND is_active = 1`,
		at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: close session %s: %v", domain.ErrStorageWrite, sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already closed or unknown; closing is idempotent, so only complain
		// about sessions that were never created.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("close session %s: %w", sessionID, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg domain.StoredMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin append: %v", domain.ErrStorageWrite, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: append to %s: %v", domain.ErrStorageWrite, sessionID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, content, agent_name, timestamp)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?)`,
		sessionID, sessionID, msg.Role, msg.Content, msg.AgentName, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: append to %s: %v", domain.ErrStorageWrite, sessionID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, last_activity = ? WHERE id = ?`,
		msg.Timestamp, sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: touch session %s: %v", domain.ErrStorageWrite, sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit append to %s: %v", domain.ErrStorageWrite, sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) ReadRecent(ctx context.Context, sessionID string, n int) ([]domain.StoredMessage, error) {
	if n <= 0 {
		return []domain.StoredMessage{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, agent_name, timestamp FROM (
		     SELECT seq, role, content, agent_name, timestamp
		     FROM messages WHERE session_id = ?
		     ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("read recent for %s: %w", sessionID, err)
	}
	defer rows.Close()

	msgs := []domain.StoredMessage{}
	for rows.Next() {
		var msg domain.StoredMessage
		var agentName sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &agentName, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SessionID = sessionID
		msg.AgentName = agentName.String
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context, agent string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent, participant_scope, started_at, last_activity, message_count, is_active
		 FROM sessions WHERE agent = ? AND is_active = 1 ORDER BY started_at ASC`,
		agent,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.Agent, &sess.Scope, &sess.StartedAt,
			&sess.LastActivity, &sess.MessageCount, &sess.Active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE last_activity < ?)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
