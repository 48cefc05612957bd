// Package store defines the storage interface every backend implements.
// Upstream code is written against this interface and stays agnostic of
// whether it talks to the embedded database directly or to a peer process
// over HTTP.
package store

import (
	"context"
	"time"

	"github.com/blueberrycongee/memvault/pkg/types"
)

// Stats summarises a backend's contents.
type Stats struct {
	TotalMemories      int    `json:"total_memories"`
	UniqueTags         int    `json:"unique_tags"`
	DatabaseSizeBytes  int64  `json:"database_size_bytes"`
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDimension int    `json:"embedding_dimension"`
	Backend            string `json:"backend"`
}

// Page is one page of a created_at-descending listing.
type Page struct {
	Memories []types.Memory `json:"memories"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	HasMore  bool           `json:"has_more"`
}

// Store is the polymorphic memory store. Two variants exist: the embedded
// SQLite engine and the remote HTTP client.
type Store interface {
	// Store persists a new memory. Fails with DuplicateHash when the
	// identity already exists, EmbeddingFailure when no vector could be
	// produced, StorageBusy when the database stayed locked past the retry
	// budget.
	Store(ctx context.Context, m *types.Memory) error

	// Retrieve runs a semantic nearest-neighbour search. Degrades to an
	// empty result on embedding failure.
	Retrieve(ctx context.Context, query string, n int) ([]types.QueryResult, error)

	// Recall combines optional semantic search with an optional half-open
	// time window. With an empty query the results are purely time-filtered,
	// ordered created_at descending, and carry no relevance score.
	Recall(ctx context.Context, query string, n int, start, end *time.Time) ([]types.QueryResult, error)

	// SearchByTag returns memories matching any (matchAll=false) or all
	// (matchAll=true) of the given tags.
	SearchByTag(ctx context.Context, tags []string, matchAll bool) ([]types.Memory, error)

	// GetByHash returns the memory with the given identity, or nil.
	GetByHash(ctx context.Context, hash string) (*types.Memory, error)

	// UpdateMetadata applies a sparse update to tags, memory_type and
	// metadata. Content, hash and embedding are immutable; updated_at is
	// always refreshed; created_at is reset only when preserveCreatedAt is
	// false. Returns the updated memory.
	UpdateMetadata(ctx context.Context, hash string, updates map[string]any, preserveCreatedAt bool) (*types.Memory, error)

	// Delete removes one memory by identity.
	Delete(ctx context.Context, hash string) error

	// DeleteByTag removes every memory carrying at least one of the tags.
	DeleteByTag(ctx context.Context, tags []string) (int, error)

	// DeleteByAllTags removes every memory carrying all of the tags.
	DeleteByAllTags(ctx context.Context, tags []string) (int, error)

	// DeleteByTimeRange removes memories created within [start, end],
	// optionally restricted to one tag.
	DeleteByTimeRange(ctx context.Context, start, end time.Time, tag string) (int, error)

	// CleanupDuplicates keeps the earliest row per hash and removes the
	// rest, returning the number removed.
	CleanupDuplicates(ctx context.Context) (int, error)

	// List returns one page of memories ordered created_at descending,
	// optionally filtered by tag and memory type.
	List(ctx context.Context, page, pageSize int, tag, memoryType string) (*Page, error)

	// Stats reports totals and backend identity.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
