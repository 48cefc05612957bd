package api

import (
	"net/http"
	"time"

	"github.com/blueberrycongee/memvault/internal/store"
)

type healthResponse struct {
	Status    string       `json:"status"` // healthy, degraded
	Service   string       `json:"service"`
	Version   string       `json:"version"`
	Timestamp string       `json:"timestamp"`
	UptimeS   float64      `json:"uptime_s"`
	Storage   *store.Stats `json:"storage,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Health handles GET /api/health. The endpoint always answers 200 so a
// coordinator probe can distinguish "degraded but ours" from "nothing
// there"; the status field carries the nuance.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Version:   h.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UptimeS:   time.Since(h.startedAt).Seconds(),
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
	} else {
		resp.Storage = stats
		if stats.EmbeddingModel == "" {
			resp.Status = "degraded"
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type detailedHealthResponse struct {
	healthResponse
	ActiveConnections  int     `json:"active_connections"`
	HeartbeatIntervalS float64 `json:"heartbeat_interval_s"`
}

// HealthDetailed handles GET /api/health/detailed: the liveness report plus
// storage statistics and event stream state, for operators rather than
// probes.
func (h *Handler) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	resp := detailedHealthResponse{
		healthResponse: healthResponse{
			Status:    "healthy",
			Service:   ServiceName,
			Version:   h.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			UptimeS:   time.Since(h.startedAt).Seconds(),
		},
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
	} else {
		resp.Storage = stats
		if stats.EmbeddingModel == "" {
			resp.Status = "degraded"
		}
	}

	if h.bus != nil {
		resp.ActiveConnections = h.bus.ActiveConnections()
		resp.HeartbeatIntervalS = h.bus.HeartbeatInterval().Seconds()
	}
	h.writeJSON(w, http.StatusOK, resp)
}
