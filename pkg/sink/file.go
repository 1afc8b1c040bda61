package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one JSON document per line.
type FileSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// OpenFileSink opens path for appending, creating parent directories.
func OpenFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("file sink: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("file sink: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - operator-configured path
	if err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	return &FileSink{path: path, file: f}, nil
}

func (f *FileSink) Name() string { return "file:" + filepath.Base(f.path) }

func (f *FileSink) Send(_ context.Context, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return os.ErrClosed
	}
	if _, err := f.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
