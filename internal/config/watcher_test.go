package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/opendialogue/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
roster:
  - id: goto
    name: 後藤
`

const watcherUpdatedYAML = `
server:
  log_level: debug
roster:
  - id: goto
    name: 後藤
  - id: nishimura
    name: 西村
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

type changeRecorder struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	notify  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{notify: make(chan struct{}, 16)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *changeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for onChange")
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML)
	rec.wait(t)

	rec.mu.Lock()
	old, cur := rec.changes[0][0], rec.changes[0][1]
	rec.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("change = %q -> %q", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if len(cur.Roster) != 2 {
		t.Errorf("new roster = %+v", cur.Roster)
	}
	if w.Current() != cur {
		t.Error("Current should return the reloaded config")
	}
}

func TestWatcher_IgnoresInvalidAndIdentical(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, watcherValidYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, watcherValidYAML)
	time.Sleep(200 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "other.yaml"), watcherUpdatedYAML)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange called %d times, want 0", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info to be kept", got)
	}
}

func TestWatcher_ReplaceByRename(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, watcherValidYAML)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(path, rec.onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	tmp := filepath.Join(dir, ".config.yaml.tmp")
	writeFile(t, tmp, watcherUpdatedYAML)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log_level = %q, want debug", got)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
