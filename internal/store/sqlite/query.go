package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/blueberrycongee/memvault/internal/embedding"
	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/internal/vec"
	"github.com/blueberrycongee/memvault/pkg/memerr"
	"github.com/blueberrycongee/memvault/pkg/types"
)

const defaultSearchLimit = 5

// Retrieve implements store.Store: semantic search over the whole database.
func (s *Store) Retrieve(ctx context.Context, query string, n int) ([]types.QueryResult, error) {
	return s.semanticSearch(ctx, query, n, nil, nil)
}

// Recall implements store.Store. An empty query degrades to a pure
// time-window listing with no relevance scores.
func (s *Store) Recall(ctx context.Context, query string, n int, start, end *time.Time) ([]types.QueryResult, error) {
	if query == "" {
		return s.timeRecall(ctx, n, start, end)
	}
	return s.semanticSearch(ctx, query, n, start, end)
}

// semanticSearch embeds the query (result cache first), scans candidate rows
// and ranks them by cosine similarity in process. Embedding failures degrade
// to an empty result rather than failing the search; the warning is rate
// limited.
func (s *Store) semanticSearch(ctx context.Context, query string, n int, start, end *time.Time) ([]types.QueryResult, error) {
	if n <= 0 {
		n = defaultSearchLimit
	}
	if s.provider == nil {
		s.warnDegraded("semantic search unavailable, no embedding model", nil)
		return []types.QueryResult{}, nil
	}

	cacheHit := false
	if c, ok := s.provider.(embedding.Cache); ok {
		_, cacheHit = c.Lookup(query)
	}
	qv, err := s.provider.Embed(ctx, query)
	if err != nil {
		s.warnDegraded("query embedding failed, returning empty result", err)
		return []types.QueryResult{}, nil
	}

	q := `SELECT ` + memoryColumns + `, e.content_embedding
		FROM memories m JOIN memory_embeddings e ON e.id = m.id`
	var (
		args  []any
		where []string
	)
	if start != nil {
		where = append(where, "m.created_at >= ?")
		args = append(args, types.Epoch(*start))
	}
	if end != nil {
		where = append(where, "m.created_at <= ?")
		args = append(args, types.Epoch(*end))
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.QueryResult
	for rows.Next() {
		var (
			id      int64
			m       types.Memory
			rawTags string
			rawMeta string
			blob    []byte
		)
		err := rows.Scan(&id, &m.ContentHash, &m.Content, &rawTags, &m.MemoryType, &rawMeta,
			&m.CreatedAt, &m.UpdatedAt, &m.CreatedAtISO, &m.UpdatedAtISO, &blob)
		if err != nil {
			return nil, err
		}
		m.Tags = parseTags(rawTags)
		decodeMetadataInto(&m, rawMeta)

		v, err := vec.Decode(blob)
		if err != nil || len(v) != len(qv) {
			// Rows written under a different dimension are unrankable.
			continue
		}
		sim := vec.CosineSimilarity(qv, v)
		score := float64(sim)
		if score < 0 {
			score = 0
		}
		out = append(out, types.QueryResult{
			Memory:         m,
			RelevanceScore: &score,
			DebugInfo: map[string]any{
				"backend":         "sqlite",
				"distance":        1 - float64(sim),
				"query_cache_hit": cacheHit,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RelevanceScore > *out[j].RelevanceScore
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) timeRecall(ctx context.Context, n int, start, end *time.Time) ([]types.QueryResult, error) {
	if n <= 0 {
		n = defaultSearchLimit
	}

	q := `SELECT ` + memoryColumns + ` FROM memories m`
	var (
		args  []any
		where []string
	)
	if start != nil {
		where = append(where, "m.created_at >= ?")
		args = append(args, types.Epoch(*start))
	}
	if end != nil {
		where = append(where, "m.created_at <= ?")
		args = append(args, types.Epoch(*end))
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.QueryResult{}
	for rows.Next() {
		_, m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, types.QueryResult{Memory: m})
	}
	return out, rows.Err()
}

// SearchByTag implements store.Store.
func (s *Store) SearchByTag(ctx context.Context, tags []string, matchAll bool) ([]types.Memory, error) {
	want := types.NormalizeTags(tags)
	if len(want) == 0 {
		return nil, memerr.InvalidArgument("at least one tag is required")
	}
	match := hasAnyTag
	if matchAll {
		match = hasAllTags
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE m.tags != '' ORDER BY m.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Memory{}
	for rows.Next() {
		_, m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if match(m.Tags, want) {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// GetByHash implements store.Store. A missing row is (nil, nil).
func (s *Store) GetByHash(ctx context.Context, hash string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE m.content_hash = ?`, hash)
	_, m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, page, pageSize int, tag, memoryType string) (*store.Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	q := `SELECT ` + memoryColumns + ` FROM memories m`
	var args []any
	if memoryType != "" {
		q += " WHERE m.memory_type = ?"
		args = append(args, memoryType)
	}
	q += " ORDER BY m.created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := []types.Memory{}
	for rows.Next() {
		_, m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if tag != "" && !hasAnyTag(m.Tags, []string{tag}) {
			continue
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	total := len(all)
	offset := (page - 1) * pageSize
	if offset > total {
		offset = total
	}
	endIdx := offset + pageSize
	if endIdx > total {
		endIdx = total
	}

	return &store.Page{
		Memories: all[offset:endIdx],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  endIdx < total,
	}, nil
}

func (s *Store) warnDegraded(msg string, err error) {
	if !s.degradedLog.Allow() {
		return
	}
	if err != nil {
		s.logger.Warn(msg, "error", err)
	} else {
		s.logger.Warn(msg)
	}
}
