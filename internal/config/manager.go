package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Manager owns the live configuration of the process. Readers call Get and
// always see a complete, validated snapshot; Watch swaps the snapshot in
// the background whenever the file on disk changes.
type Manager struct {
	current atomic.Pointer[Config]
	path    string
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
	reloads   atomic.Int64
	watcher   *fsnotify.Watcher
}

// NewManager loads the initial configuration from path. An empty path means
// defaults plus environment only, with nothing to watch.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger.With("component", "config"),
	}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current configuration snapshot. Safe for concurrent use;
// callers must treat the snapshot as read-only.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reloads reports how many successful reloads have happened since startup.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

// OnChange registers fn to run after every successful reload. Callbacks run
// on the watcher goroutine and should return quickly.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Watch starts reloading the file on change until ctx is cancelled. The
// watch is placed on the containing directory rather than the file itself:
// most editors and config writers save by writing a temp file and renaming
// it over the original, which silently detaches a watch on the file inode.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.run(ctx, watcher)
	return nil
}

func (m *Manager) run(ctx context.Context, watcher *fsnotify.Watcher) {
	want := filepath.Base(m.path)

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != want {
				continue
			}
			// Create and Rename cover atomic saves, Write covers
			// in-place edits. Remove alone is usually the first half
			// of a rename; the Create that follows triggers the
			// reload, so it needs no handling of its own.
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, m.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watch error", "error", err)
		}
	}
}

// reload parses and validates the file, then swaps it in. A file that fails
// to load leaves the previous snapshot untouched.
func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload rejected, keeping previous", "path", m.path, "error", err)
		return
	}

	m.current.Store(cfg)
	n := m.reloads.Add(1)
	m.logger.Info("configuration reloaded", "path", m.path, "reloads", n)

	m.mu.Lock()
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// Close stops the watcher. Safe to call when Watch was never started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
