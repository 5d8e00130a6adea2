package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clinicrx/dictation/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
provider:
  name: deepgram
  api_key: dg-test
`

const watcherUpdatedYAML = `
server:
  log_level: debug
provider:
  name: deepgram
  api_key: dg-rotated
`

const pollInterval = 20 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so the next poll sees an edit
// even on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{fired: make(chan struct{}, 8)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dictation.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, onChange,
		config.WithInterval(pollInterval),
		config.WithLoadOptions(noEnv()),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Provider.APIKey != "dg-test" {
		t.Errorf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/dictation.yaml", nil, config.WithLoadOptions(noEnv())); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, path := startWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path, time.Second)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	rec.mu.Lock()
	old, cur := rec.calls[0][0], rec.calls[0][1]
	rec.mu.Unlock()

	d := config.Diff(old, cur)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level: %+v", d)
	}
	if !d.ProviderChanged {
		t.Errorf("api key rotation not reported as provider change: %+v", d)
	}
	if got := w.Current().Provider.APIKey; got != "dg-rotated" {
		t.Errorf("Current() api key = %q, want dg-rotated", got)
	}
}

func TestWatcher_IgnoredEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string // "" leaves the file untouched apart from its mtime
	}{
		{name: "touch only"},
		{name: "comment only", content: "# reviewed 2026-10-19\n" + watcherValidYAML},
		{name: "invalid", content: "server:\n  log_level: bananas\n"},
		{name: "unknown field", content: watcherValidYAML + "extra: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := newChangeRecorder()
			w, path := startWatcher(t, watcherValidYAML, rec.onChange)

			if tt.content != "" {
				writeFile(t, path, tt.content)
			}
			bumpMtime(t, path, time.Second)

			time.Sleep(10 * pollInterval)
			if n := rec.count(); n != 0 {
				t.Errorf("callback fired %d times, want 0", n)
			}
			if got := w.Current().Server.LogLevel; got != config.LogInfo {
				t.Errorf("Current() log level = %q, want info", got)
			}
		})
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
