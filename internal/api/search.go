package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/metrics"
	"github.com/blueberrycongee/memvault/internal/timeparse"
	"github.com/blueberrycongee/memvault/pkg/types"
)

type searchRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`

	// SimilarityThreshold drops results scoring below it. Applied after
	// ranking, so n_results is an upper bound, not a promise.
	SimilarityThreshold *float64 `json:"similarity_threshold"`
}

type searchResponse struct {
	Results          []types.QueryResult `json:"results"`
	TotalFound       int                 `json:"total_found"`
	Query            string              `json:"query,omitempty"`
	SearchType       string              `json:"search_type"`
	ProcessingTimeMS float64             `json:"processing_time_ms"`
}

// Search handles POST /api/search: semantic similarity over all memories.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	if req.Query == "" {
		h.badRequest(w, "query is required")
		return
	}

	start := time.Now()
	results, err := h.store.Retrieve(r.Context(), req.Query, req.NResults)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if req.SimilarityThreshold != nil {
		results = filterByScore(results, *req.SimilarityThreshold)
	}
	elapsed := time.Since(start)

	metrics.RecordSearch("semantic", elapsed)
	h.publish(events.SearchCompleted, map[string]any{
		"query":              req.Query,
		"search_type":        "semantic",
		"results_count":      len(results),
		"processing_time_ms": float64(elapsed.Microseconds()) / 1000,
	})
	h.writeJSON(w, http.StatusOK, searchResponse{
		Results:          nonNilResults(results),
		TotalFound:       len(results),
		Query:            req.Query,
		SearchType:       "semantic",
		ProcessingTimeMS: float64(elapsed.Microseconds()) / 1000,
	})
}

// filterByScore keeps results at or above the threshold. Unscored results
// (pure time recall) pass through untouched.
func filterByScore(in []types.QueryResult, threshold float64) []types.QueryResult {
	out := in[:0]
	for _, r := range in {
		if r.RelevanceScore == nil || *r.RelevanceScore >= threshold {
			out = append(out, r)
		}
	}
	return out
}

type tagSearchRequest struct {
	Tags     []string `json:"tags"`
	MatchAll bool     `json:"match_all"`
}

type tagSearchResponse struct {
	Memories         []types.Memory `json:"memories"`
	TotalFound       int            `json:"total_found"`
	SearchType       string         `json:"search_type"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
}

// SearchByTag handles POST /api/search/by-tag.
func (h *Handler) SearchByTag(w http.ResponseWriter, r *http.Request) {
	var req tagSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	start := time.Now()
	memories, err := h.store.SearchByTag(r.Context(), req.Tags, req.MatchAll)
	if err != nil {
		h.writeError(w, err)
		return
	}
	elapsed := time.Since(start)

	metrics.RecordSearch("by_tag", elapsed)
	if memories == nil {
		memories = []types.Memory{}
	}
	h.writeJSON(w, http.StatusOK, tagSearchResponse{
		Memories:         memories,
		TotalFound:       len(memories),
		SearchType:       "by_tag",
		ProcessingTimeMS: float64(elapsed.Microseconds()) / 1000,
	})
}

type timeSearchRequest struct {
	// Query is natural language and may carry the time window inline, e.g.
	// "what did I learn last week". The window phrase is stripped before the
	// remainder is used semantically.
	Query    string `json:"query"`
	NResults int    `json:"n_results"`

	// Explicit bounds override whatever the query text says. The remote
	// store client uses these to forward an already-resolved window.
	StartTimestamp *float64 `json:"start_timestamp"`
	EndTimestamp   *float64 `json:"end_timestamp"`
}

type timeSearchResponse struct {
	Results          []types.QueryResult `json:"results"`
	TotalFound       int                 `json:"total_found"`
	Query            string              `json:"query,omitempty"`
	SearchType       string              `json:"search_type"`
	StartTimestamp   *float64            `json:"start_timestamp,omitempty"`
	EndTimestamp     *float64            `json:"end_timestamp,omitempty"`
	ProcessingTimeMS float64             `json:"processing_time_ms"`
}

// SearchByTime handles POST /api/search/by-time: time-filtered recall with
// an optional semantic component.
func (h *Handler) SearchByTime(w http.ResponseWriter, r *http.Request) {
	var req timeSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	var (
		startT, endT *time.Time
		semantic     = req.Query
	)
	if req.StartTimestamp != nil || req.EndTimestamp != nil {
		if req.StartTimestamp != nil {
			t := epochTime(*req.StartTimestamp)
			startT = &t
		}
		if req.EndTimestamp != nil {
			t := epochTime(*req.EndTimestamp)
			endT = &t
		}
	} else if req.Query != "" {
		if rng, cleaned := timeparse.Parse(req.Query); rng != nil {
			startT, endT = &rng.Start, &rng.End
			semantic = cleaned
		}
	}
	if semantic == "" && startT == nil && endT == nil {
		h.badRequest(w, "query or an explicit time window is required")
		return
	}

	start := time.Now()
	results, err := h.store.Recall(r.Context(), semantic, req.NResults, startT, endT)
	if err != nil {
		h.writeError(w, err)
		return
	}
	elapsed := time.Since(start)

	metrics.RecordSearch("by_time", elapsed)
	h.publish(events.SearchCompleted, map[string]any{
		"query":              req.Query,
		"search_type":        "by_time",
		"results_count":      len(results),
		"processing_time_ms": float64(elapsed.Microseconds()) / 1000,
	})

	resp := timeSearchResponse{
		Results:          nonNilResults(results),
		TotalFound:       len(results),
		Query:            req.Query,
		SearchType:       "by_time",
		ProcessingTimeMS: float64(elapsed.Microseconds()) / 1000,
	}
	if startT != nil {
		v := types.Epoch(*startT)
		resp.StartTimestamp = &v
	}
	if endT != nil {
		v := types.Epoch(*endT)
		resp.EndTimestamp = &v
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func nonNilResults(in []types.QueryResult) []types.QueryResult {
	if in == nil {
		return []types.QueryResult{}
	}
	return in
}
