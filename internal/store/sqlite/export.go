package sqlite

import (
	"context"

	"github.com/blueberrycongee/memvault/internal/vec"
	"github.com/blueberrycongee/memvault/pkg/types"
)

// ExportAll returns every memory ordered by creation time, optionally with
// its stored vector attached. Used by database export; the HTTP surface
// never exposes raw vectors.
func (s *Store) ExportAll(ctx context.Context, includeEmbeddings bool) ([]types.Memory, error) {
	if !includeEmbeddings {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+memoryColumns+` FROM memories m ORDER BY m.created_at`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []types.Memory
		for rows.Next() {
			_, m, err := scanMemory(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`, e.content_embedding
		FROM memories m JOIN memory_embeddings e ON e.id = m.id
		ORDER BY m.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Memory
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
		if v, err := vec.Decode(blob); err == nil {
			m.Embedding = v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
