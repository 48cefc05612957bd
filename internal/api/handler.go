// Package api provides the HTTP surface of the memory service: memory CRUD,
// search, the SSE event stream and health reporting.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/config"
	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/metrics"
	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/pkg/memerr"
)

// ServiceName identifies this service in health responses. Clients probing
// for a peer check it before trusting the port.
const ServiceName = "memvault"

// Handler carries the dependencies of every endpoint.
type Handler struct {
	store     store.Store
	bus       *events.Bus
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time
}

// New creates the API handler.
func New(st store.Store, bus *events.Bus, cfg *config.Config, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     st,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		version:   version,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Memory CRUD
	mux.HandleFunc("POST /api/memories", h.StoreMemory)
	mux.HandleFunc("GET /api/memories", h.ListMemories)
	mux.HandleFunc("GET /api/memories/{hash}", h.GetMemory)
	mux.HandleFunc("DELETE /api/memories/{hash}", h.DeleteMemory)
	mux.HandleFunc("PUT /api/memories/{hash}/metadata", h.UpdateMemoryMetadata)

	// Bulk maintenance
	mux.HandleFunc("POST /api/memories/delete-by-tag", h.DeleteByTag)
	mux.HandleFunc("POST /api/memories/delete-by-timeframe", h.DeleteByTimeframe)
	mux.HandleFunc("POST /api/memories/cleanup-duplicates", h.CleanupDuplicates)

	// Search
	mux.HandleFunc("POST /api/search", h.Search)
	mux.HandleFunc("POST /api/search/by-tag", h.SearchByTag)
	mux.HandleFunc("POST /api/search/by-time", h.SearchByTime)

	// Events
	mux.HandleFunc("GET /api/events", h.StreamEvents)
	mux.HandleFunc("GET /api/events/stats", h.EventStats)

	// Health
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/health/detailed", h.HealthDetailed)
}

// errorBody is the error envelope every failing endpoint returns.
type errorBody struct {
	Detail string `json:"detail"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// writeError maps a typed storage error onto its HTTP status. Lock
// contention additionally carries Retry-After so well-behaved clients back
// off instead of hammering.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*memerr.Error); ok {
		status = e.HTTPStatusCode()
	}
	if memerr.Is(err, memerr.KindStorageBusy) {
		w.Header().Set("Retry-After", "1")
		metrics.StorageBusyTotal.Inc()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, errorBody{Detail: err.Error()})
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorBody{Detail: msg})
}

// clientHostname resolves the machine-origin name for a store request:
// request body first, then the X-Client-Hostname header, then the server's
// own hostname. Empty when the feature is disabled.
func (h *Handler) clientHostname(r *http.Request, fromBody string) string {
	if !h.cfg.HTTP.IncludeHostname {
		return ""
	}
	if fromBody != "" {
		return fromBody
	}
	if v := r.Header.Get("X-Client-Hostname"); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func (h *Handler) publish(t events.Type, data map[string]any) {
	if h.bus != nil {
		h.bus.Publish(t, data)
	}
}
