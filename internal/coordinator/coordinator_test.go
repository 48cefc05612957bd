package coordinator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/memvault/internal/config"
	"github.com/blueberrycongee/memvault/internal/store/remote"
	"github.com/blueberrycongee/memvault/internal/store/sqlite"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "coord.db")
	cfg.Embedding.UsePortableRuntime = true // offline in tests
	return cfg
}

func healthHandler(service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "healthy",
			"service": service,
		})
	})
}

func TestRemoteModeWhenServerAlive(t *testing.T) {
	srv := httptest.NewServer(healthHandler(ServiceName))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Storage.RemoteURL = srv.URL

	c := New(cfg, nil, discard())
	st, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, ModeRemote, c.Mode())
	assert.IsType(t, &remote.Store{}, st)
}

func TestDirectModeWhenForeignServiceOnPort(t *testing.T) {
	srv := httptest.NewServer(healthHandler("someone-else"))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Storage.RemoteURL = srv.URL

	c := New(cfg, nil, discard())
	c.allowSpawn = false
	st, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, ModeDirect, c.Mode(), "a foreign health endpoint must not be trusted")
	assert.IsType(t, &sqlite.Store{}, st)
}

func TestDirectModeWhenNothingListens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.RemoteURL = "http://127.0.0.1:1" // nothing listens on port 1

	c := New(cfg, nil, discard())
	c.allowSpawn = false
	st, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, ModeDirect, c.Mode())
}

func TestExplicitHTTPBackendNeverFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "http"
	cfg.Storage.RemoteURL = "http://127.0.0.1:1"

	c := New(cfg, nil, discard())
	st, err := c.Acquire(context.Background())
	require.NoError(t, err, "construction succeeds; calls will fail until the server is up")
	defer st.Close()

	assert.Equal(t, ModeRemote, c.Mode())
}

func TestAcquireIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, nil, discard())
	c.allowSpawn = false

	st1, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer st1.Close()
	st2, err := c.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, st1, st2, "the mode decision is made once per process")
}

func TestClientHostname(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.HTTP.IncludeHostname = false
	cfg.HTTP.ClientHostname = "custom"
	assert.Empty(t, ClientHostname(cfg), "feature is opt-in")

	cfg.HTTP.IncludeHostname = true
	assert.Equal(t, "custom", ClientHostname(cfg))

	cfg.HTTP.ClientHostname = ""
	assert.NotEmpty(t, ClientHostname(cfg), "falls back to the OS hostname")
}
