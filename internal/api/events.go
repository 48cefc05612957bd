package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/metrics"
)

// pingInterval is how long a connection may stay silent before the handler
// emits a ping to prove liveness to the client and to intermediaries.
const pingInterval = 60 * time.Second

// StreamEvents handles GET /api/events: a long-lived SSE stream of bus
// events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "event bus not available"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so events are not held back.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.bus.Subscribe(map[string]string{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	})
	defer h.bus.Unsubscribe(sub)
	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	// Tell the client who it is and how often to expect heartbeats before
	// anything else happens on the stream.
	writeSSE(w, events.Event{
		ID:        sub.ID,
		Type:      events.ConnectionEstablished,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Data: map[string]any{
			"connection_id":      sub.ID,
			"heartbeat_interval": h.bus.HeartbeatInterval().Seconds(),
			"server_version":     h.version,
		},
	})
	flusher.Flush()

	ping := time.NewTimer(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Dropped by the bus, most likely because this client
				// stopped reading.
				h.logger.Warn("event stream dropped", "connection_id", sub.ID)
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
			resetTimer(ping, pingInterval)

		case <-ping.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
			ping.Reset(pingInterval)
		}
	}
}

func writeSSE(w http.ResponseWriter, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", evt.Type, evt.ID, data)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

type connectionInfo struct {
	ID          string            `json:"id"`
	ConnectedAt string            `json:"connected_at"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// EventStats handles GET /api/events/stats.
func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"active_connections": 0})
		return
	}

	subs := h.bus.Subscriptions()
	conns := make([]connectionInfo, 0, len(subs))
	for _, s := range subs {
		conns = append(conns, connectionInfo{
			ID:          s.ID,
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
			Meta:        s.Meta,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"active_connections":   len(conns),
		"connections":          conns,
		"heartbeat_interval_s": h.bus.HeartbeatInterval().Seconds(),
	})
}
