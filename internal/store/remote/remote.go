// Package remote implements the storage interface on top of another
// process's HTTP API. It is what clients use when a server already owns the
// database file; every call maps one-to-one onto an endpoint, so semantics
// stay identical to the embedded engine.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/pkg/memerr"
	"github.com/blueberrycongee/memvault/pkg/types"
)

const requestTimeout = 30 * time.Second

// sharedClient is reused across all remote stores so connections to the
// local server are pooled instead of re-dialled per call.
var sharedClient = &http.Client{
	Timeout: requestTimeout,
	Transport: &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Store talks to a memvault server over HTTP.
type Store struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	// Sent as X-Client-Hostname so the server can tag memories with their
	// machine of origin.
	clientHostname string
}

// Options configures New.
type Options struct {
	BaseURL        string
	ClientHostname string
	Logger         *slog.Logger
	Client         *http.Client // tests override; nil uses the shared pool
}

// New creates a remote store for the server at opts.BaseURL.
func New(opts Options) (*Store, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = sharedClient
	}
	return &Store{
		baseURL:        opts.BaseURL,
		client:         client,
		logger:         opts.Logger.With("component", "remote"),
		clientHostname: opts.ClientHostname,
	}, nil
}

type errorBody struct {
	Detail string `json:"detail"`
}

// do runs one API call. A non-2xx response is translated back into the same
// typed error the embedded engine would have returned.
func (s *Store) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.clientHostname != "" {
		req.Header.Set("X-Client-Hostname", s.clientHostname)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return memerr.Internal("remote call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return memerr.Internal("decode response", err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	detail := eb.Detail
	if detail == "" {
		detail = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return memerr.Duplicate(detail)
	case http.StatusNotFound:
		return memerr.NotFound(detail)
	case http.StatusBadRequest:
		return memerr.InvalidArgument(detail)
	case http.StatusServiceUnavailable:
		return memerr.StorageBusy(fmt.Errorf("%s", detail))
	case http.StatusNotImplemented:
		return memerr.UnsupportedRemote(detail)
	default:
		return memerr.Internal(fmt.Sprintf("server returned %d: %s", resp.StatusCode, detail), nil)
	}
}

type storeRequest struct {
	Content        string         `json:"content"`
	Tags           []string       `json:"tags,omitempty"`
	MemoryType     string         `json:"memory_type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ClientHostname string         `json:"client_hostname,omitempty"`

	// Identity and timestamps travel with the memory when the caller already
	// has them, so a replayed memory (import, machine-to-machine sync) keeps
	// its hash and original clock instead of being re-minted by the server.
	ContentHash  string  `json:"content_hash,omitempty"`
	CreatedAt    float64 `json:"created_at,omitempty"`
	UpdatedAt    float64 `json:"updated_at,omitempty"`
	CreatedAtISO string  `json:"created_at_iso,omitempty"`
	UpdatedAtISO string  `json:"updated_at_iso,omitempty"`
}

type storeResponse struct {
	Memory types.Memory `json:"memory"`
}

// Store implements store.Store.
func (s *Store) Store(ctx context.Context, m *types.Memory) error {
	var resp storeResponse
	err := s.do(ctx, http.MethodPost, "/api/memories", storeRequest{
		Content:        m.Content,
		Tags:           m.Tags,
		MemoryType:     m.MemoryType,
		Metadata:       m.Metadata,
		ClientHostname: s.clientHostname,
		ContentHash:    m.ContentHash,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		CreatedAtISO:   m.CreatedAtISO,
		UpdatedAtISO:   m.UpdatedAtISO,
	}, &resp)
	if err != nil {
		return err
	}
	// The server fills in whatever the caller left blank; reflect its view.
	*m = resp.Memory
	return nil
}

type searchRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results,omitempty"`
}

type searchResponse struct {
	Results []types.QueryResult `json:"results"`
}

// Retrieve implements store.Store.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]types.QueryResult, error) {
	var resp searchResponse
	err := s.do(ctx, http.MethodPost, "/api/search", searchRequest{Query: query, NResults: n}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

type timeSearchRequest struct {
	Query          string   `json:"query,omitempty"`
	NResults       int      `json:"n_results,omitempty"`
	StartTimestamp *float64 `json:"start_timestamp,omitempty"`
	EndTimestamp   *float64 `json:"end_timestamp,omitempty"`
}

// Recall implements store.Store.
func (s *Store) Recall(ctx context.Context, query string, n int, start, end *time.Time) ([]types.QueryResult, error) {
	req := timeSearchRequest{Query: query, NResults: n}
	if start != nil {
		v := types.Epoch(*start)
		req.StartTimestamp = &v
	}
	if end != nil {
		v := types.Epoch(*end)
		req.EndTimestamp = &v
	}
	var resp searchResponse
	if err := s.do(ctx, http.MethodPost, "/api/search/by-time", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

type tagSearchRequest struct {
	Tags     []string `json:"tags"`
	MatchAll bool     `json:"match_all,omitempty"`
}

type tagSearchResponse struct {
	Memories []types.Memory `json:"memories"`
}

// SearchByTag implements store.Store.
func (s *Store) SearchByTag(ctx context.Context, tags []string, matchAll bool) ([]types.Memory, error) {
	var resp tagSearchResponse
	err := s.do(ctx, http.MethodPost, "/api/search/by-tag", tagSearchRequest{Tags: tags, MatchAll: matchAll}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

// GetByHash implements store.Store. A 404 from the server means the memory
// does not exist, which is (nil, nil) here, matching the embedded engine.
func (s *Store) GetByHash(ctx context.Context, hash string) (*types.Memory, error) {
	var m types.Memory
	err := s.do(ctx, http.MethodGet, "/api/memories/"+url.PathEscape(hash), nil, &m)
	if memerr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMetadata implements store.Store.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, updates map[string]any, preserveCreatedAt bool) (*types.Memory, error) {
	return nil, memerr.UnsupportedRemote("update_metadata")
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, hash string) error {
	return s.do(ctx, http.MethodDelete, "/api/memories/"+url.PathEscape(hash), nil, nil)
}

// DeleteByTag implements store.Store.
func (s *Store) DeleteByTag(ctx context.Context, tags []string) (int, error) {
	return 0, memerr.UnsupportedRemote("delete_by_tag")
}

// DeleteByAllTags implements store.Store.
func (s *Store) DeleteByAllTags(ctx context.Context, tags []string) (int, error) {
	return 0, memerr.UnsupportedRemote("delete_by_all_tags")
}

// DeleteByTimeRange implements store.Store.
func (s *Store) DeleteByTimeRange(ctx context.Context, start, end time.Time, tag string) (int, error) {
	return 0, memerr.UnsupportedRemote("delete_by_time_range")
}

// CleanupDuplicates implements store.Store.
func (s *Store) CleanupDuplicates(ctx context.Context) (int, error) {
	return 0, memerr.UnsupportedRemote("cleanup_duplicates")
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, page, pageSize int, tag, memoryType string) (*store.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if tag != "" {
		q.Set("tag", tag)
	}
	if memoryType != "" {
		q.Set("memory_type", memoryType)
	}
	var p store.Page
	if err := s.do(ctx, http.MethodGet, "/api/memories?"+q.Encode(), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type healthResponse struct {
	Status  string       `json:"status"`
	Service string       `json:"service"`
	Storage *store.Stats `json:"storage,omitempty"`
}

// Stats implements store.Store by asking the server for its health report.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	var resp healthResponse
	if err := s.do(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Storage == nil {
		return nil, memerr.Internal("server health report carries no storage stats", nil)
	}
	resp.Storage.Backend = "http(" + resp.Storage.Backend + ")"
	return resp.Storage, nil
}

// Close implements store.Store. The transport is shared, so there is nothing
// to tear down.
func (s *Store) Close() error { return nil }
