package trigger

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FilesPlaceholder is replaced by the changed file list in a FileWatch prompt.
const FilesPlaceholder = "{{files}}"

// FileWatch emits one event per burst of filesystem changes. The burst ends
// once no matching change arrived for the debounce interval.
type FileWatch struct {
	cfg      FileWatchConfig
	cb       Callback
	exts     map[string]struct{}
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewFileWatch builds a file watcher. Paths must exist when Start is called.
func NewFileWatch(cfg FileWatchConfig, cb Callback, opts ...Option) (*FileWatch, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	o := buildOptions(opts)
	return &FileWatch{
		cfg:      cfg,
		cb:       cb,
		exts:     exts,
		debounce: cfg.debounce(),
		logger:   o.logger.With("component", "trigger.file_watch"),
	}, nil
}

func (f *FileWatch) Type() Type { return TypeFileWatch }

func (f *FileWatch) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, p := range f.cfg.Paths {
		if err := f.add(watcher, p); err != nil {
			watcher.Close()
			return err
		}
	}

	f.watcher = watcher
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.loop(watcher, f.stop, f.done)
	f.logger.Info("file watch started", "paths", f.cfg.Paths, "debounce", f.debounce)
	return nil
}

// Stop drops pending changes and waits for the watch goroutine, including an
// in-flight callback.
func (f *FileWatch) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return nil
	}
	close(f.stop)
	<-f.done
	err := f.watcher.Close()
	f.watcher, f.stop, f.done = nil, nil, nil
	f.logger.Info("file watch stopped")
	return err
}

func (f *FileWatch) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// add watches path, and every directory below it when recursive.
func (f *FileWatch) add(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	if !info.IsDir() || !f.cfg.Recursive {
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (f *FileWatch) loop(w *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]struct{})
		lastOp  fsnotify.Op
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if f.cfg.Recursive && ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := f.add(w, ev.Name); err != nil {
						f.logger.Warn("watch new directory", "error", err)
					}
					continue
				}
			}
			if !f.matches(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			lastOp = ev.Op
			if timer == nil {
				timer = time.NewTimer(f.debounce)
			} else {
				timer.Reset(f.debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Error("fsnotify error", "error", err)
		case <-fire:
			fire = nil
			files := make([]string, 0, len(pending))
			for name := range pending {
				files = append(files, name)
			}
			clear(pending)
			f.cb(f.event(files, lastOp))
		}
	}
}

func (f *FileWatch) matches(name string) bool {
	if len(f.exts) == 0 {
		return true
	}
	_, ok := f.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (f *FileWatch) event(files []string, op fsnotify.Op) Event {
	slices.Sort(files)
	files = slices.Compact(files)

	prompt := f.cfg.Prompt
	switch {
	case prompt == "":
		var b strings.Builder
		b.WriteString("The following files changed:\n")
		for _, name := range files {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString("\n")
		}
		prompt = b.String()
	case strings.Contains(prompt, FilesPlaceholder):
		prompt = strings.ReplaceAll(prompt, FilesPlaceholder, strings.Join(files, ", "))
	}

	return NewEvent(TypeFileWatch, prompt, map[string]any{
		"files":     files,
		"operation": op.String(),
	})
}
