// Package memory records completed runs as sessions and enforces the
// per-agent session limit.
//
// Sessions are ordered by insertion. PruneSessions keeps the newest
// maxSessions sessions of an agent and deletes the rest.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/agentd/agent"
)

// Backend names accepted by Config.Backend.
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

var (
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("memory store is closed")
	// ErrInvalidName is returned for agent names that cannot be stored safely.
	ErrInvalidName = errors.New("invalid agent name")
)

// Session is one recorded run of an agent.
type Session struct {
	ID          string          `json:"id"`
	AgentName   string          `json:"agent"`
	RoleName    string          `json:"role"`
	TriggerType string          `json:"trigger_type,omitempty"`
	Success     bool            `json:"success"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	TokensUsed  int64           `json:"tokens_used"`
	CreatedAt   time.Time       `json:"created_at"`
	Messages    []agent.Message `json:"messages,omitempty"`
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// RecordRun stores the result and transcript of one run as a new session.
	RecordRun(ctx context.Context, agentName string, result *agent.RunResult, messages []agent.Message) error
	// PruneSessions deletes all but the newest maxSessions sessions of the agent.
	// A non-positive maxSessions keeps everything.
	PruneSessions(ctx context.Context, agentName string, maxSessions int) error
	// ListSessions returns the agent's sessions, newest first.
	ListSessions(ctx context.Context, agentName string) ([]*Session, error)
	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `toml:"backend"`
	// Path is the directory of the file backend or the database file of the sqlite backend.
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Prefix        string `toml:"prefix"`
}

// Open creates the configured store. It returns nil and no error when no
// backend is configured.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, nil
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendRedis:
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown memory backend: %s", cfg.Backend)
	}
}

// newSession builds the session recorded for a run.
func newSession(agentName string, r *agent.RunResult, messages []agent.Message) (*Session, error) {
	if err := validateName(agentName); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.New("memory: nil run result")
	}
	return &Session{
		ID:          uuid.NewString(),
		AgentName:   agentName,
		RoleName:    r.RoleName,
		TriggerType: r.TriggerType,
		Success:     r.Success,
		Output:      r.Output,
		Error:       r.Error,
		TokensUsed:  r.TokensUsed,
		CreatedAt:   time.Now().UTC(),
		Messages:    agent.CloneMessages(messages),
	}, nil
}

// validateName rejects names unsafe as a path component or key segment.
func validateName(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(s, `/\:`) || strings.Contains(s, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}
