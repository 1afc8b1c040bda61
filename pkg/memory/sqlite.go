package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aixgo-dev/agentd/agent"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent TEXT NOT NULL,
		role TEXT NOT NULL,
		trigger_type TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		messages TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_agent_seq ON sessions(agent, seq);
`

// SQLiteStore keeps sessions in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	logger := slog.Default().With("component", "memory.sqlite")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite memory store initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, agentName string, result *agent.RunResult, messages []agent.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, err := newSession(agentName, result, messages)
	if err != nil {
		return err
	}
	msgs, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent, role, trigger_type, success, output, error, tokens_used, created_at, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentName, sess.RoleName, sess.TriggerType, sess.Success,
		sess.Output, sess.Error, sess.TokensUsed, sess.CreatedAt.Format(time.RFC3339Nano), string(msgs),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneSessions(ctx context.Context, agentName string, maxSessions int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateName(agentName); err != nil {
		return err
	}
	if maxSessions <= 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE agent = ? AND seq NOT IN (
			SELECT seq FROM sessions WHERE agent = ? ORDER BY seq DESC LIMIT ?
		)`, agentName, agentName, maxSessions)
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("pruned sessions", "agent", agentName, "deleted", n)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, agentName string) ([]*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateName(agentName); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, role, trigger_type, success, output, error, tokens_used, created_at, messages
		FROM sessions WHERE agent = ? ORDER BY seq DESC`, agentName)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var (
			sess      Session
			createdAt string
			msgs      string
		)
		if err := rows.Scan(&sess.ID, &sess.AgentName, &sess.RoleName, &sess.TriggerType, &sess.Success,
			&sess.Output, &sess.Error, &sess.TokensUsed, &createdAt, &msgs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(msgs), &sess.Messages); err != nil {
			return nil, fmt.Errorf("parse messages: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
