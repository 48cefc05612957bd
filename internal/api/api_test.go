package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/memvault/internal/config"
	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/pkg/memerr"
	"github.com/blueberrycongee/memvault/pkg/types"
)

// fakeStore records calls and plays back scripted results.
type fakeStore struct {
	memories map[string]*types.Memory

	lastQuery    string
	lastN        int
	lastStart    *time.Time
	lastEnd      *time.Time
	lastTags     []string
	lastMatchAll bool

	storeErr error
	statsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: make(map[string]*types.Memory)}
}

func (f *fakeStore) Store(_ context.Context, m *types.Memory) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	if m.ContentHash == "" {
		m.ContentHash = "hash-" + m.Content
	}
	if _, dup := f.memories[m.ContentHash]; dup {
		return memerr.Duplicate(m.ContentHash)
	}
	// Mirror the engine: a provided clock survives, only blank memories get
	// stamped.
	if m.CreatedAt == 0 {
		m.StampNew(time.Now())
	}
	cp := *m
	f.memories[m.ContentHash] = &cp
	return nil
}

func (f *fakeStore) Retrieve(_ context.Context, query string, n int) ([]types.QueryResult, error) {
	f.lastQuery, f.lastN = query, n
	score := 0.9
	return []types.QueryResult{{Memory: types.Memory{Content: "hit"}, RelevanceScore: &score}}, nil
}

func (f *fakeStore) Recall(_ context.Context, query string, n int, start, end *time.Time) ([]types.QueryResult, error) {
	f.lastQuery, f.lastN, f.lastStart, f.lastEnd = query, n, start, end
	return []types.QueryResult{}, nil
}

func (f *fakeStore) SearchByTag(_ context.Context, tags []string, matchAll bool) ([]types.Memory, error) {
	f.lastTags, f.lastMatchAll = tags, matchAll
	if len(tags) == 0 {
		return nil, memerr.InvalidArgument("at least one tag is required")
	}
	return []types.Memory{{Content: "tagged"}}, nil
}

func (f *fakeStore) GetByHash(_ context.Context, hash string) (*types.Memory, error) {
	return f.memories[hash], nil
}

func (f *fakeStore) UpdateMetadata(_ context.Context, hash string, updates map[string]any, preserve bool) (*types.Memory, error) {
	m, ok := f.memories[hash]
	if !ok {
		return nil, memerr.NotFound(hash)
	}
	if t, ok := updates["memory_type"].(string); ok {
		m.MemoryType = t
	}
	return m, nil
}

func (f *fakeStore) Delete(_ context.Context, hash string) error {
	if _, ok := f.memories[hash]; !ok {
		return memerr.NotFound(hash)
	}
	delete(f.memories, hash)
	return nil
}

func (f *fakeStore) DeleteByTag(_ context.Context, tags []string) (int, error) {
	f.lastTags, f.lastMatchAll = tags, false
	return 2, nil
}

func (f *fakeStore) DeleteByAllTags(_ context.Context, tags []string) (int, error) {
	f.lastTags, f.lastMatchAll = tags, true
	return 1, nil
}

func (f *fakeStore) DeleteByTimeRange(_ context.Context, start, end time.Time, tag string) (int, error) {
	f.lastStart, f.lastEnd = &start, &end
	return 3, nil
}

func (f *fakeStore) CleanupDuplicates(context.Context) (int, error) { return 4, nil }

func (f *fakeStore) List(_ context.Context, page, pageSize int, tag, memoryType string) (*store.Page, error) {
	return &store.Page{Memories: []types.Memory{}, Page: page, PageSize: pageSize}, nil
}

func (f *fakeStore) Stats(context.Context) (*store.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &store.Stats{TotalMemories: 1, Backend: "sqlite", EmbeddingModel: "stub"}, nil
}

func (f *fakeStore) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, st store.Store, mutate func(*config.Config)) (*httptest.Server, *events.Bus) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	bus := events.NewBus(events.Options{Logger: discardLogger()})
	h := New(st, bus, cfg, "test", discardLogger())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, bus
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStoreMemoryEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{
		"content": "remember this",
		"tags":    []string{"test"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[storeMemoryResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "memory stored", body.Message)
	assert.Equal(t, "remember this", body.Memory.Content)
	assert.NotEmpty(t, body.ContentHash)
	assert.Equal(t, body.Memory.ContentHash, body.ContentHash)
	assert.NotContains(t, body.Memory.Tags, "source:", "hostname tagging is off by default")
}

func TestStoreMemoryKeepsProvidedIdentity(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{
		"content":      "replayed from an export",
		"content_hash": "abc123",
		"created_at":   1700000000.5,
		"updated_at":   1700000001.5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[storeMemoryResponse](t, resp)
	assert.Equal(t, "abc123", body.ContentHash, "a provided hash must not be recomputed")
	assert.InDelta(t, 1700000000.5, body.Memory.CreatedAt, 1e-6, "a provided clock must survive the hop")
	assert.InDelta(t, 1700000001.5, body.Memory.UpdatedAt, 1e-6)
}

func TestStoreMemoryHostnameTagging(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, func(c *config.Config) {
		c.HTTP.IncludeHostname = true
	})

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{
		"content":         "tagged by origin",
		"client_hostname": "laptop-a",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[storeMemoryResponse](t, resp)
	assert.Contains(t, body.Memory.Tags, "source:laptop-a")
	assert.Equal(t, "laptop-a", body.Memory.Metadata["hostname"])
}

func TestStoreMemoryDuplicateIs409(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{"content": "dup"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/memories", map[string]any{"content": "dup"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.NotEmpty(t, body.Detail)
}

func TestStoreMemoryRequiresContent(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{"tags": []string{"x"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStorageBusyCarriesRetryAfter(t *testing.T) {
	st := newFakeStore()
	st.storeErr = memerr.StorageBusy(errors.New("database is locked"))
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{"content": "busy"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestGetAndDeleteMemory(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{"content": "fetch me"})
	created := decodeBody[storeMemoryResponse](t, resp)
	hash := created.Memory.ContentHash

	got, err := http.Get(srv.URL + "/api/memories/" + hash)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	m := decodeBody[types.Memory](t, got)
	assert.Equal(t, "fetch me", m.Content)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/memories/"+hash, nil)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, del.StatusCode)
	del.Body.Close()

	// Second delete: gone.
	del2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, del2.StatusCode)
	del2.Body.Close()

	missing, err := http.Get(srv.URL + "/api/memories/" + hash)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

func TestUpdateMemoryMetadataEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories", map[string]any{"content": "update me"})
	created := decodeBody[storeMemoryResponse](t, resp)

	payload, _ := json.Marshal(map[string]any{
		"updates": map[string]any{"memory_type": "reminder"},
	})
	req, _ := http.NewRequest(http.MethodPut,
		srv.URL+"/api/memories/"+created.Memory.ContentHash+"/metadata", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	put, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, put.StatusCode)
	updated := decodeBody[types.Memory](t, put)
	assert.Equal(t, "reminder", updated.MemoryType)
}

func TestSearchEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/search", map[string]any{"query": "find things", "n_results": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[searchResponse](t, resp)
	require.Len(t, body.Results, 1)
	assert.Equal(t, 1, body.TotalFound)
	assert.Equal(t, "semantic", body.SearchType)
	assert.Equal(t, "find things", st.lastQuery)
	assert.Equal(t, 7, st.lastN)

	// Missing query is a client error.
	resp = postJSON(t, srv.URL+"/api/search", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSearchSimilarityThreshold(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	// The fake scores every hit 0.9; a higher threshold filters it out.
	resp := postJSON(t, srv.URL+"/api/search", map[string]any{
		"query":                "find things",
		"similarity_threshold": 0.95,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[searchResponse](t, resp)
	assert.Empty(t, body.Results)
	assert.Equal(t, 0, body.TotalFound)

	// A lower one lets it through.
	resp = postJSON(t, srv.URL+"/api/search", map[string]any{
		"query":                "find things",
		"similarity_threshold": 0.5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[searchResponse](t, resp)
	assert.Len(t, body.Results, 1)
}

func TestSearchByTagEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/search/by-tag", map[string]any{
		"tags":      []string{"a", "b"},
		"match_all": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[tagSearchResponse](t, resp)
	require.Len(t, body.Memories, 1)
	assert.Equal(t, 1, body.TotalFound)
	assert.Equal(t, "by_tag", body.SearchType)
	assert.True(t, st.lastMatchAll)

	resp = postJSON(t, srv.URL+"/api/search/by-tag", map[string]any{"tags": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSearchByTimeNaturalLanguage(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/search/by-time", map[string]any{
		"query": "database decisions from last week",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[timeSearchResponse](t, resp)

	require.NotNil(t, st.lastStart, "time phrase must become a window")
	require.NotNil(t, st.lastEnd)
	assert.NotContains(t, st.lastQuery, "last week", "window phrase is stripped from the semantic query")
	assert.Contains(t, st.lastQuery, "database decisions")
	assert.NotNil(t, body.StartTimestamp)
	assert.NotNil(t, body.EndTimestamp)
}

func TestSearchByTimeExplicitWindow(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	start := types.Epoch(time.Now().Add(-24 * time.Hour))
	end := types.Epoch(time.Now())
	resp := postJSON(t, srv.URL+"/api/search/by-time", map[string]any{
		"query":           "anything at all",
		"start_timestamp": start,
		"end_timestamp":   end,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NotNil(t, st.lastStart)
	assert.InDelta(t, start, types.Epoch(*st.lastStart), 1e-3)
	assert.Equal(t, "anything at all", st.lastQuery, "explicit window leaves the query untouched")
}

func TestSearchByTimeRequiresSomething(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/search/by-time", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteByTagEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories/delete-by-tag", map[string]any{
		"tags":      []string{"stale"},
		"match_all": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["count"])
	assert.True(t, st.lastMatchAll)
}

func TestDeleteByTimeframeEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp := postJSON(t, srv.URL+"/api/memories/delete-by-timeframe", map[string]any{
		"start_timestamp": types.Epoch(time.Now().Add(-time.Hour)),
		"end_timestamp":   types.Epoch(time.Now()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 3, body["count"])

	resp = postJSON(t, srv.URL+"/api/memories/delete-by-timeframe", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[healthResponse](t, resp)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, ServiceName, body.Service)
	require.NotNil(t, body.Storage)
	assert.Equal(t, 1, body.Storage.TotalMemories)
}

func TestHealthDetailedEndpoint(t *testing.T) {
	st := newFakeStore()
	srv, _ := newTestServer(t, st, nil)

	resp, err := http.Get(srv.URL + "/api/health/detailed")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["active_connections"])
	assert.EqualValues(t, 30, body["heartbeat_interval_s"])
	require.NotNil(t, body["storage"])
}

func TestHealthDegradedStillAnswers200(t *testing.T) {
	st := newFakeStore()
	st.statsErr = errors.New("stats broken")
	srv, _ := newTestServer(t, st, nil)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[healthResponse](t, resp)
	assert.Equal(t, "degraded", body.Status)
	assert.NotEmpty(t, body.Error)
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (string, events.Event) {
	t.Helper()
	var eventType string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var evt events.Event
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "{}" {
				require.NoError(t, json.Unmarshal([]byte(payload), &evt))
			}
			return eventType, evt
		}
	}
}

func TestEventStream(t *testing.T) {
	st := newFakeStore()
	srv, bus := newTestServer(t, st, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	reader := bufio.NewReader(resp.Body)

	eventType, evt := readSSEEvent(t, reader)
	assert.Equal(t, string(events.ConnectionEstablished), eventType)
	assert.NotEmpty(t, evt.Data["connection_id"])
	assert.EqualValues(t, 30, evt.Data["heartbeat_interval"])

	bus.Publish(events.MemoryStored, map[string]any{"content_hash": "h1"})

	for {
		eventType, evt = readSSEEvent(t, reader)
		if eventType == string(events.MemoryStored) {
			assert.Equal(t, "h1", evt.Data["content_hash"])
			break
		}
	}

	stats, err := http.Get(srv.URL + "/api/events/stats")
	require.NoError(t, err)
	body := decodeBody[map[string]any](t, stats)
	assert.EqualValues(t, 1, body["active_connections"])
}
