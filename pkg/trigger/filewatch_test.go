package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatchExtensionFilter(t *testing.T) {
	f, err := NewFileWatch(FileWatchConfig{Paths: []string{"."}, Extensions: []string{"go", ".MD", " "}}, func(Event) {})
	require.NoError(t, err)

	assert.True(t, f.matches("main.go"))
	assert.True(t, f.matches("README.md"))
	assert.False(t, f.matches("notes.txt"))
	assert.False(t, f.matches("Makefile"))

	all, err := NewFileWatch(FileWatchConfig{Paths: []string{"."}}, func(Event) {})
	require.NoError(t, err)
	assert.True(t, all.matches("anything"))
}

func TestFileWatchEventPrompt(t *testing.T) {
	f, err := NewFileWatch(FileWatchConfig{Paths: []string{"."}, Prompt: "Review {{files}} please"}, func(Event) {})
	require.NoError(t, err)

	ev := f.event([]string{"b.go", "a.go", "b.go"}, fsnotify.Write)
	assert.Equal(t, "Review a.go, b.go please", ev.Prompt)
	assert.Equal(t, []string{"a.go", "b.go"}, ev.Metadata["files"])
	assert.Equal(t, "WRITE", ev.Metadata["operation"])

	plain, err := NewFileWatch(FileWatchConfig{Paths: []string{"."}}, func(Event) {})
	require.NoError(t, err)
	ev = plain.event([]string{"x.txt"}, fsnotify.Create)
	assert.Contains(t, ev.Prompt, "- x.txt")
	assert.Equal(t, TypeFileWatch, ev.Type)
}

func TestFileWatchDebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	f, err := NewFileWatch(FileWatchConfig{
		Paths:      []string{dir},
		Extensions: []string{"txt"},
		Debounce:   150 * time.Millisecond,
	}, rec.callback)
	require.NoError(t, err)
	require.NoError(t, f.Start())
	defer f.Stop()

	for _, name := range []string{"one.txt", "two.txt", "one.txt", "ignored.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, 1, rec.count(), "burst collapses to a single event")

	files := rec.all()[0].Metadata["files"].([]string)
	assert.Equal(t, []string{filepath.Join(dir, "one.txt"), filepath.Join(dir, "two.txt")}, files)
}

func TestFileWatchRecursiveAndStop(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))

	rec := &recorder{}
	f, err := NewFileWatch(FileWatchConfig{Paths: []string{dir}, Recursive: true, Debounce: 50 * time.Millisecond}, rec.callback)
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.NoError(t, f.Start())
	assert.True(t, f.Running())

	require.NoError(t, os.WriteFile(filepath.Join(sub, "deep.txt"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return rec.count() >= 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
	assert.False(t, f.Running())
}

func TestFileWatchMissingPathFailsStart(t *testing.T) {
	f, err := NewFileWatch(FileWatchConfig{Paths: []string{filepath.Join(t.TempDir(), "absent")}}, func(Event) {})
	require.NoError(t, err)
	assert.Error(t, f.Start())
	assert.False(t, f.Running())
}
