// Package embedding turns text into fixed-dimension unit-norm vectors.
//
// Two backends are available: a service backend that calls an embedding
// server over HTTP (OpenAI-compatible or Ollama), and a portable backend
// that runs fully offline from a downloaded model archive. Both sit behind
// the Provider interface; callers normally receive a caching decorator.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDimension matches the MiniLM-class sentence models the service is
// tuned for.
const DefaultDimension = 384

// Provider converts text into unit-norm vectors of a fixed dimension.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
	Close() error
}

// Cache is the optional result-cache face of a provider. Stores use Lookup
// to tell cached query vectors apart from freshly computed ones in their
// debug output.
type Cache interface {
	Lookup(text string) ([]float32, bool)
	Stats() CacheStats
}

// Config selects and parametrises a backend.
type Config struct {
	Backend   string // "service" (default) or "portable"
	Model     string
	BaseURL   string // service backend endpoint
	APIKey    string
	Flavor    string // "openai" (default) or "ollama"
	Dimension int
	BatchSize int
	Timeout   time.Duration
	CacheSize int    // result cache entries, 0 = default
	CacheDir  string // portable backend vocabulary cache, "" = user cache dir
	VocabURL  string // optional vocabulary archive for the portable backend
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = "service"
	}
	if c.Flavor == "" {
		c.Flavor = "openai"
	}
	if c.Model == "" {
		c.Model = "all-MiniLM-L6-v2"
	}
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	return c
}

func (c Config) registryKey() string {
	return fmt.Sprintf("%s/%s/%d", c.Backend, c.Model, c.BatchSize)
}

// registry guarantees each (backend, model, batch) provider is constructed at
// most once per process. Construction and eviction run under the mutex;
// lookups of an existing entry are cheap map reads under the same lock, which
// is fine because Open is called once per store.
type registry struct {
	mu        sync.Mutex
	providers map[string]Provider
}

var processRegistry = &registry{providers: make(map[string]Provider)}

// Open returns the process-wide provider for cfg, constructing it on first
// use. The returned provider is wrapped in a result cache.
func Open(cfg Config, logger *slog.Logger) (Provider, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()

	key := cfg.registryKey()
	if p, ok := processRegistry.providers[key]; ok {
		return p, nil
	}

	var (
		inner Provider
		err   error
	)
	switch cfg.Backend {
	case "portable":
		inner, err = newPortableProvider(cfg, logger)
	case "service":
		inner, err = newServiceProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	cached, err := newCachedProvider(inner, cfg.CacheSize)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}

	processRegistry.providers[key] = cached
	logger.Info("embedding provider ready",
		"backend", cfg.Backend,
		"model", cfg.Model,
		"dimension", cached.Dimension(),
	)
	return cached, nil
}

// CloseAll tears down every provider in the process registry. Intended for
// shutdown and tests.
func CloseAll() error {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()

	var firstErr error
	for key, p := range processRegistry.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(processRegistry.providers, key)
	}
	return firstErr
}
