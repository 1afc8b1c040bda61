package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/aixgo-dev/agentd/agent"
)

// FileStore keeps sessions as JSON files.
// Storage layout:
//
//	<dir>/
//	  └── <agent-name>/
//	      ├── index.json      # session IDs, oldest first
//	      └── <session-id>.json
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates a file store rooted at dir.
// If dir is empty, uses ~/.agentd/sessions.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dir = filepath.Join(home, ".agentd", "sessions")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) RecordRun(ctx context.Context, agentName string, result *agent.RunResult, messages []agent.Message) error {
	sess, err := newSession(agentName, result, messages)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}

	agentDir := filepath.Join(f.dir, agentName)
	if err := os.MkdirAll(agentDir, 0700); err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, sess.ID+".json"), data, 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	index, err := f.readIndex(agentName)
	if err != nil {
		return err
	}
	return f.writeIndex(agentName, append(index, sess.ID))
}

func (f *FileStore) PruneSessions(ctx context.Context, agentName string, maxSessions int) error {
	if err := validateName(agentName); err != nil {
		return err
	}
	if maxSessions <= 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}

	index, err := f.readIndex(agentName)
	if err != nil {
		return err
	}
	if len(index) <= maxSessions {
		return nil
	}

	drop := len(index) - maxSessions
	for _, id := range index[:drop] {
		path := filepath.Join(f.dir, agentName, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session %s: %w", id, err)
		}
	}
	return f.writeIndex(agentName, index[drop:])
}

func (f *FileStore) ListSessions(ctx context.Context, agentName string) ([]*Session, error) {
	if err := validateName(agentName); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}

	index, err := f.readIndex(agentName)
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(index))
	for _, id := range slices.Backward(index) {
		data, err := os.ReadFile(filepath.Join(f.dir, agentName, id+".json")) // #nosec G304 - agent name validated, id generated
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read session %s: %w", id, err)
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse session %s: %w", id, err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (f *FileStore) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(f.dir)
	return err
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// readIndex returns the agent's session IDs, oldest first. Caller holds the lock.
func (f *FileStore) readIndex(agentName string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, agentName, "index.json")) // #nosec G304 - agent name validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return ids, nil
}

func (f *FileStore) writeIndex(agentName string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}
	path := filepath.Join(f.dir, agentName, "index.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace sessions index: %w", err)
	}
	return nil
}
