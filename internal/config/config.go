// Package config provides configuration management with hot-reload support.
// Settings come from three layers: built-in defaults, an optional YAML file,
// and environment variables, applied in that order so the environment always
// wins. The manager uses fsnotify and atomic pointer swaps for zero-downtime
// updates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	HTTP      HTTPConfig      `yaml:"http"`
	Events    EventsConfig    `yaml:"events"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StorageConfig selects and parametrises the storage backend.
type StorageConfig struct {
	Backend      string            `yaml:"backend"` // sqlite, http
	DatabasePath string            `yaml:"database_path"`
	BackupsPath  string            `yaml:"backups_path"`
	RemoteURL    string            `yaml:"remote_url"` // http backend only
	Pragmas      map[string]string `yaml:"pragmas"`
}

// EmbeddingConfig selects the embedding backend and model.
type EmbeddingConfig struct {
	Model              string `yaml:"model"`
	UsePortableRuntime bool   `yaml:"use_portable_runtime"`
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	Flavor             string `yaml:"flavor"` // openai, ollama
	Dimension          int    `yaml:"dimension"`
	BatchSize          int    `yaml:"batch_size"`
	CacheSize          int    `yaml:"cache_size"`
	VocabURL           string `yaml:"vocab_url"` // portable backend only
}

// HTTPConfig contains HTTP server and client settings.
type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AutoStart       bool          `yaml:"auto_start"` // spawn a server when none is reachable
	ClientHostname  string        `yaml:"client_hostname"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	IncludeHostname bool          `yaml:"include_hostname"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// EventsConfig contains SSE event bus settings.
type EventsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	QueueSize         int           `yaml:"queue_size"`
}

// DiscoveryConfig contains mDNS service discovery settings.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BaseURL returns the server's root URL as seen by local clients.
func (h HTTPConfig) BaseURL() string {
	host := h.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, h.Port)
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DefaultConfig returns a configuration with sensible defaults. Data lives
// under the user's home directory so every client of the same user shares
// one database.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".memvault")

	return &Config{
		Storage: StorageConfig{
			Backend:      "sqlite",
			DatabasePath: filepath.Join(base, "memvault.db"),
			BackupsPath:  filepath.Join(base, "backups"),
		},
		Embedding: EmbeddingConfig{
			Model:  "all-MiniLM-L6-v2",
			Flavor: "openai",
		},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			IncludeHostname: false,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
		},
		Events: EventsConfig{
			HeartbeatInterval: 30 * time.Second,
			QueueSize:         64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if any), then environment variables. Environment variables in the
// file body in the format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the documented environment variables onto c.
func (c *Config) applyEnv() {
	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.DatabasePath, "DATABASE_PATH")
	setString(&c.Storage.BackupsPath, "BACKUPS_PATH")
	setString(&c.Storage.RemoteURL, "REMOTE_URL")
	if v := os.Getenv("SQLITE_PRAGMAS"); v != "" {
		c.Storage.Pragmas = parsePragmas(v)
	}

	setString(&c.Embedding.Model, "EMBEDDING_MODEL_NAME")
	setBool(&c.Embedding.UsePortableRuntime, "USE_PORTABLE_RUNTIME")
	setString(&c.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setString(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&c.Embedding.Flavor, "EMBEDDING_FLAVOR")
	setString(&c.Embedding.VocabURL, "PORTABLE_VOCAB_URL")

	setString(&c.HTTP.Host, "HTTP_HOST")
	setInt(&c.HTTP.Port, "HTTP_PORT")
	setBool(&c.HTTP.AutoStart, "HTTP_AUTO_START")
	setString(&c.HTTP.ClientHostname, "HTTP_CLIENT_HOSTNAME")
	setBool(&c.HTTP.IncludeHostname, "INCLUDE_HOSTNAME")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("SSE_HEARTBEAT_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Events.HeartbeatInterval = time.Duration(secs) * time.Second
		}
	}

	setBool(&c.Discovery.Enabled, "MDNS_ENABLED")
	setString(&c.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePragmas parses "name=value,name=value" into a map. Malformed entries
// are skipped rather than failing startup.
func parsePragmas(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		name, value, ok := strings.Cut(pair, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// normalize folds accepted backend aliases onto the canonical names:
// "sqlite_vec" is the historical name of the embedded engine, "cloud" is a
// server reached over HTTP.
func (c *Config) normalize() {
	switch c.Storage.Backend {
	case "sqlite_vec":
		c.Storage.Backend = "sqlite"
	case "cloud":
		c.Storage.Backend = "http"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "http":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DatabasePath == "" {
		return fmt.Errorf("database_path is required for the sqlite backend")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}

	switch c.Embedding.Flavor {
	case "", "openai", "ollama":
	default:
		return fmt.Errorf("unknown embedding flavor: %q", c.Embedding.Flavor)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	if c.Events.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}
