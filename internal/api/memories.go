package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/metrics"
	"github.com/blueberrycongee/memvault/pkg/types"
)

type storeMemoryRequest struct {
	Content        string         `json:"content"`
	Tags           []string       `json:"tags"`
	MemoryType     string         `json:"memory_type"`
	Metadata       map[string]any `json:"metadata"`
	ClientHostname string         `json:"client_hostname"`

	// Set by trusted callers replaying existing memories (imports, sync).
	// A provided hash pins the identity so the server does not recompute it
	// over locally mutated fields, and provided timestamps survive the hop.
	ContentHash  string  `json:"content_hash"`
	CreatedAt    float64 `json:"created_at"`
	UpdatedAt    float64 `json:"updated_at"`
	CreatedAtISO string  `json:"created_at_iso"`
	UpdatedAtISO string  `json:"updated_at_iso"`
}

type storeMemoryResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	ContentHash string       `json:"content_hash"`
	Memory      types.Memory `json:"memory"`
}

// StoreMemory handles POST /api/memories.
func (h *Handler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.Content == "" {
		h.badRequest(w, "content is required")
		return
	}

	m := &types.Memory{
		Content:      req.Content,
		Tags:         req.Tags,
		MemoryType:   req.MemoryType,
		Metadata:     req.Metadata,
		ContentHash:  req.ContentHash,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
		CreatedAtISO: req.CreatedAtISO,
		UpdatedAtISO: req.UpdatedAtISO,
	}

	// Machine-origin tagging. The client's own name wins over anything the
	// server could guess.
	if host := h.clientHostname(r, req.ClientHostname); host != "" {
		m.Tags = append(m.Tags, "source:"+host)
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata["hostname"] = host
	}

	if err := h.store.Store(r.Context(), m); err != nil {
		h.writeError(w, err)
		return
	}

	metrics.MemoriesStored.Inc()
	h.writeJSON(w, http.StatusCreated, storeMemoryResponse{
		Success:     true,
		Message:     "memory stored",
		ContentHash: m.ContentHash,
		Memory:      *m,
	})
}

// GetMemory handles GET /api/memories/{hash}.
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	m, err := h.store.GetByHash(r.Context(), hash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if m == nil {
		h.writeJSON(w, http.StatusNotFound, errorBody{Detail: "memory not found: " + hash})
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// ListMemories handles GET /api/memories.
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := h.store.List(r.Context(), page, pageSize, q.Get("tag"), q.Get("memory_type"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// DeleteMemory handles DELETE /api/memories/{hash}.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if err := h.store.Delete(r.Context(), hash); err != nil {
		h.writeError(w, err)
		return
	}
	metrics.MemoriesDeleted.Inc()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "memory deleted",
		"content_hash": hash,
	})
}

type updateMetadataRequest struct {
	Updates           map[string]any `json:"updates"`
	PreserveTimestamp *bool          `json:"preserve_timestamp"`
}

// UpdateMemoryMetadata handles PUT /api/memories/{hash}/metadata.
func (h *Handler) UpdateMemoryMetadata(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")

	var req updateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if len(req.Updates) == 0 {
		h.badRequest(w, "updates must not be empty")
		return
	}
	preserve := true
	if req.PreserveTimestamp != nil {
		preserve = *req.PreserveTimestamp
	}

	m, err := h.store.UpdateMetadata(r.Context(), hash, req.Updates, preserve)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

type deleteByTagRequest struct {
	Tags     []string `json:"tags"`
	MatchAll bool     `json:"match_all"`
}

// DeleteByTag handles POST /api/memories/delete-by-tag.
func (h *Handler) DeleteByTag(w http.ResponseWriter, r *http.Request) {
	var req deleteByTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	var (
		count int
		err   error
	)
	if req.MatchAll {
		count, err = h.store.DeleteByAllTags(r.Context(), req.Tags)
	} else {
		count, err = h.store.DeleteByTag(r.Context(), req.Tags)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.MemoriesDeleted.Add(float64(count))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   count,
	})
}

type deleteByTimeframeRequest struct {
	StartTimestamp *float64 `json:"start_timestamp"`
	EndTimestamp   *float64 `json:"end_timestamp"`
	Tag            string   `json:"tag"`
}

// DeleteByTimeframe handles POST /api/memories/delete-by-timeframe.
func (h *Handler) DeleteByTimeframe(w http.ResponseWriter, r *http.Request) {
	var req deleteByTimeframeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.StartTimestamp == nil || req.EndTimestamp == nil {
		h.badRequest(w, "start_timestamp and end_timestamp are required")
		return
	}

	start := epochTime(*req.StartTimestamp)
	end := epochTime(*req.EndTimestamp)
	count, err := h.store.DeleteByTimeRange(r.Context(), start, end, req.Tag)
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.MemoriesDeleted.Add(float64(count))
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   count,
	})
}

// CleanupDuplicates handles POST /api/memories/cleanup-duplicates.
func (h *Handler) CleanupDuplicates(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CleanupDuplicates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   count,
	})
}

func epochTime(epoch float64) time.Time {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
