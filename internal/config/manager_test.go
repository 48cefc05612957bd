package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerGet(t *testing.T) {
	path := writeConfigFile(t, `
http:
  port: 9100
`)
	mgr, err := NewManager(path, discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	if got := mgr.Get().HTTP.Port; got != 9100 {
		t.Errorf("Get().HTTP.Port = %d, want 9100", got)
	}
}

func TestManagerWithoutFile(t *testing.T) {
	mgr, err := NewManager("", discard())
	if err != nil {
		t.Fatalf("NewManager(\"\") error = %v", err)
	}
	defer mgr.Close()

	if err := mgr.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() with no file should be a no-op, got %v", err)
	}
	if mgr.Get().HTTP.Port != 8000 {
		t.Error("expected defaults when no file is given")
	}
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfigFile(t, `
http:
  port: 9100
`)
	mgr, err := NewManager(path, discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	changed := make(chan *Config, 1)
	mgr.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("http:\n  port: 9200\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.HTTP.Port != 9200 {
			t.Errorf("reloaded port = %d, want 9200", cfg.HTTP.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if mgr.Get().HTTP.Port != 9200 {
		t.Error("Get() should observe the reloaded config")
	}
}

func TestManagerSurvivesAtomicSave(t *testing.T) {
	path := writeConfigFile(t, `
http:
  port: 9100
`)
	mgr, err := NewManager(path, discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	changed := make(chan *Config, 1)
	mgr.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// Save the way editors do: write a sibling temp file, then rename it
	// over the watched path. A watch on the file inode would go blind here.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("http:\n  port: 9300\n"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename over config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.HTTP.Port != 9300 {
			t.Errorf("reloaded port = %d, want 9300", cfg.HTTP.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload after rename")
	}

	if mgr.Reloads() == 0 {
		t.Error("Reloads() should count the successful reload")
	}
}

func TestManagerKeepsConfigOnBadReload(t *testing.T) {
	path := writeConfigFile(t, `
http:
  port: 9100
`)
	mgr, err := NewManager(path, discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("http:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// Give the debounced reload time to run and fail.
	time.Sleep(time.Second)
	if mgr.Get().HTTP.Port != 9100 {
		t.Error("invalid reload must keep the previous config")
	}
}
