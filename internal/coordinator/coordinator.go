// Package coordinator decides, once per process, how this process reaches
// the shared database: directly through the embedded engine, or through a
// server another process is already running. WAL mode tolerates multiple
// readers but funnelling writers through one server avoids lock storms, so
// a reachable server always wins.
package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/config"
	"github.com/blueberrycongee/memvault/internal/embedding"
	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/internal/store/remote"
	"github.com/blueberrycongee/memvault/internal/store/sqlite"
)

const (
	// ServiceName is how a memvault server identifies itself in /api/health.
	// The probe checks it so a foreign service squatting on the port is not
	// mistaken for a peer.
	ServiceName = "memvault"

	probeTimeout  = 2 * time.Second
	spawnWait     = 10 * time.Second
	spawnInterval = 500 * time.Millisecond
)

// Mode says how the process reaches storage.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeRemote Mode = "remote"
)

// Coordinator owns the mode decision and the resulting store. The decision
// is made at most once; every caller sees the same store.
type Coordinator struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *slog.Logger

	// Tests point this at a stub binary or disable spawning entirely.
	execPath   string
	allowSpawn bool

	once sync.Once
	st   store.Store
	mode Mode
	err  error
}

// New creates a coordinator. The bus is only wired when the direct path is
// taken; in remote mode the server side owns eventing.
func New(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	exe, err := os.Executable()
	if err != nil {
		exe = ""
	}
	return &Coordinator{
		cfg:        cfg,
		bus:        bus,
		logger:     logger.With("component", "coordinator"),
		execPath:   exe,
		allowSpawn: cfg.HTTP.AutoStart,
	}
}

// Acquire returns the process-wide store, resolving the access mode on first
// call.
func (c *Coordinator) Acquire(ctx context.Context) (store.Store, error) {
	c.once.Do(func() {
		c.st, c.mode, c.err = c.resolve(ctx)
	})
	return c.st, c.err
}

// Mode reports the resolved access mode. Valid after Acquire.
func (c *Coordinator) Mode() Mode { return c.mode }

func (c *Coordinator) resolve(ctx context.Context) (store.Store, Mode, error) {
	base := c.cfg.Storage.RemoteURL
	if base == "" {
		base = c.cfg.HTTP.BaseURL()
	}

	// An explicit http backend never falls back to the file.
	if c.cfg.Storage.Backend == "http" {
		st, err := c.openRemote(base)
		return st, ModeRemote, err
	}

	if c.probe(ctx, base) {
		c.logger.Info("server detected, using remote mode", "url", base)
		st, err := c.openRemote(base)
		return st, ModeRemote, err
	}

	if c.allowSpawn && c.execPath != "" {
		if err := c.spawnServer(ctx, base); err != nil {
			c.logger.Warn("server auto-start failed, falling back to direct access", "error", err)
		} else {
			st, err := c.openRemote(base)
			return st, ModeRemote, err
		}
	}

	c.logger.Info("using direct database access", "path", c.cfg.Storage.DatabasePath)
	st, err := c.openDirect(ctx)
	return st, ModeDirect, err
}

// probe asks base/api/health whether a peer server is alive there.
func (c *Coordinator) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	if body.Service != ServiceName {
		c.logger.Warn("health endpoint answered but belongs to another service",
			"url", base, "service", body.Service)
		return false
	}
	return true
}

// spawnServer launches a detached server process and waits for its health
// endpoint to come up.
func (c *Coordinator) spawnServer(ctx context.Context, base string) error {
	cmd := exec.Command(c.execPath, "server")
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	c.logger.Info("server auto-started", "pid", cmd.Process.Pid)
	// The child outlives us; reap it in the background so it never zombifies
	// while we are still around.
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(spawnWait)
	for time.Now().Before(deadline) {
		if c.probe(ctx, base) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spawnInterval):
		}
	}
	return context.DeadlineExceeded
}

func (c *Coordinator) openRemote(base string) (store.Store, error) {
	return remote.New(remote.Options{
		BaseURL:        base,
		ClientHostname: ClientHostname(c.cfg),
		Logger:         c.logger,
	})
}

// openDirect builds the embedded engine. A failed embedding init degrades
// the store rather than failing startup; writes will report the failure,
// searches return empty.
func (c *Coordinator) openDirect(ctx context.Context) (store.Store, error) {
	provider, err := embedding.Open(EmbeddingConfig(c.cfg), c.logger)
	if err != nil {
		c.logger.Warn("embedding model unavailable, store degraded", "error", err)
		provider = nil
	}
	return sqlite.Open(ctx, sqlite.Options{
		Path:     c.cfg.Storage.DatabasePath,
		Provider: provider,
		Bus:      c.bus,
		Logger:   c.logger,
		Pragmas:  c.cfg.Storage.Pragmas,
	})
}

// EmbeddingConfig translates service configuration into the embedding
// package's terms.
func EmbeddingConfig(cfg *config.Config) embedding.Config {
	backend := "service"
	if cfg.Embedding.UsePortableRuntime {
		backend = "portable"
	}
	return embedding.Config{
		Backend:   backend,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Flavor:    cfg.Embedding.Flavor,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		CacheSize: cfg.Embedding.CacheSize,
		VocabURL:  cfg.Embedding.VocabURL,
	}
}

// ClientHostname resolves the hostname used for machine-origin tagging:
// the configured value wins, then the OS hostname, and the whole feature is
// off unless INCLUDE_HOSTNAME enabled it.
func ClientHostname(cfg *config.Config) string {
	if !cfg.HTTP.IncludeHostname {
		return ""
	}
	if cfg.HTTP.ClientHostname != "" {
		return cfg.HTTP.ClientHostname
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
