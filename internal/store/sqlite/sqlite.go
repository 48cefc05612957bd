// Package sqlite implements the embedded storage engine: a single SQLite
// database holding memory rows plus their embedding vectors, searched with
// an in-process cosine scan. The driver is pure Go, so the binary stays
// CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/blueberrycongee/memvault/internal/embedding"
	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/pkg/memerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash   TEXT NOT NULL UNIQUE,
    content        TEXT NOT NULL,
    tags           TEXT NOT NULL DEFAULT '',
    memory_type    TEXT NOT NULL DEFAULT '',
    metadata_json  TEXT NOT NULL DEFAULT '{}',
    created_at     REAL NOT NULL,
    updated_at     REAL NOT NULL,
    created_at_iso TEXT NOT NULL,
    updated_at_iso TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash);
CREATE INDEX IF NOT EXISTS idx_memories_created_at   ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_memory_type  ON memories(memory_type);

CREATE TABLE IF NOT EXISTS memory_embeddings (
    id                INTEGER PRIMARY KEY,
    content_embedding BLOB NOT NULL,
    FOREIGN KEY (id) REFERENCES memories(id)
);

CREATE TABLE IF NOT EXISTS store_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	metaDimension = "embedding_dimension"
	metaModel     = "embedding_model"
)

// Retry policy for SQLITE_BUSY: 100ms base, doubling, three retries,
// small jitter so competing processes desynchronise.
const (
	busyBaseInterval = 100 * time.Millisecond
	busyMaxRetries   = 3
)

// Store is the embedded SQLite backend.
type Store struct {
	db       *sql.DB
	path     string
	provider embedding.Provider // nil when model init failed; searches degrade
	bus      *events.Bus
	logger   *slog.Logger
	dim      int
	model    string

	// Serialises writers inside this process. Cross-process contention is
	// handled by busy_timeout plus the retry loop.
	writeMu sync.Mutex

	// Degraded-search warnings are throttled to one per minute so a busy
	// search endpoint cannot flood the log.
	degradedLog *rate.Limiter
}

// Options configures Open.
type Options struct {
	Path     string
	Provider embedding.Provider // may be nil
	Bus      *events.Bus        // may be nil
	Logger   *slog.Logger
	Pragmas  map[string]string // extra PRAGMAs applied on top of the defaults
}

// Open creates or opens the database at opts.Path, applies pragmas and
// migrations, and locks the embedding dimension to whichever provider first
// touched this file.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(opts.Path, opts.Pragmas))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", opts.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", opts.Path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s := &Store{
		db:          db,
		path:        opts.Path,
		provider:    opts.Provider,
		bus:         opts.Bus,
		logger:      opts.Logger.With("component", "sqlite"),
		degradedLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	if err := s.initMeta(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("store opened",
		"path", opts.Path,
		"dimension", s.dim,
		"model", s.model,
		"degraded", opts.Provider == nil,
	)
	return s, nil
}

// dsn builds the connection string. WAL plus NORMAL synchronous is the
// concurrency/durability point the multi-client design depends on;
// busy_timeout backstops the application-level retry loop.
func dsn(path string, extra map[string]string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"cache_size(10000)",
		"temp_store(MEMORY)",
		"foreign_keys(1)",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pragmas = append(pragmas, fmt.Sprintf("%s(%s)", k, extra[k]))
	}

	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteString("?")
		} else {
			b.WriteString("&")
		}
		b.WriteString("_pragma=")
		b.WriteString(url.QueryEscape(p))
	}
	return b.String()
}

// initMeta pins the embedding dimension and model name. The first opener
// writes them; later openers must agree, otherwise stored vectors and query
// vectors would be incomparable.
func (s *Store) initMeta(ctx context.Context) error {
	dim := embedding.DefaultDimension
	model := ""
	if s.provider != nil {
		if d := s.provider.Dimension(); d > 0 {
			dim = d
		}
		model = s.provider.ModelName()
	}

	stored, err := s.metaGet(ctx, metaDimension)
	if err != nil {
		return err
	}
	if stored == "" {
		if err := s.metaSet(ctx, metaDimension, fmt.Sprintf("%d", dim)); err != nil {
			return err
		}
		if err := s.metaSet(ctx, metaModel, model); err != nil {
			return err
		}
		s.dim, s.model = dim, model
		return nil
	}

	var storedDim int
	if _, err := fmt.Sscanf(stored, "%d", &storedDim); err != nil {
		return fmt.Errorf("sqlite: corrupt %s value %q", metaDimension, stored)
	}
	if s.provider != nil && storedDim != dim {
		return fmt.Errorf("sqlite: database %s was created with dimension %d, provider %q produces %d",
			s.path, storedDim, model, dim)
	}
	s.dim = storedDim
	s.model, err = s.metaGet(ctx, metaModel)
	if err != nil {
		return err
	}
	if s.model == "" {
		s.model = model
	}
	return nil
}

func (s *Store) metaGet(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: read meta %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) metaSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO store_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: write meta %s: %w", key, err)
	}
	return nil
}

// withRetry runs op, retrying on lock contention with exponential backoff.
// Contention that outlives the retry budget surfaces as a retryable
// storage_busy error so HTTP callers can send Retry-After.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = busyBaseInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1

	err := backoff.Retry(func() error {
		err := op()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, busyMaxRetries), ctx))

	if isBusy(err) {
		return memerr.StorageBusy(err)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func (s *Store) publish(t events.Type, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

// Stats implements store.Store.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	st := &store.Stats{
		Backend:            "sqlite",
		EmbeddingModel:     s.model,
		EmbeddingDimension: s.dim,
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories); err != nil {
		return nil, fmt.Errorf("sqlite: count memories: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tags FROM memories WHERE tags != ''`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan tags: %w", err)
	}
	defer rows.Close()
	unique := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		for _, t := range parseTags(raw) {
			unique[t] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	st.UniqueTags = len(unique)

	if fi, err := os.Stat(s.path); err == nil {
		st.DatabaseSizeBytes = fi.Size()
	}
	return st, nil
}

// Close closes the database. The embedding provider is shared process-wide
// and stays open.
func (s *Store) Close() error {
	return s.db.Close()
}
