package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/hashing"
	"github.com/blueberrycongee/memvault/internal/vec"
	"github.com/blueberrycongee/memvault/pkg/memerr"
	"github.com/blueberrycongee/memvault/pkg/types"
)

// Store implements store.Store. The memory row and its vector are written in
// one transaction so no reader ever sees a memory without an embedding.
func (s *Store) Store(ctx context.Context, m *types.Memory) error {
	if strings.TrimSpace(m.Content) == "" {
		return memerr.InvalidArgument("content must not be empty")
	}
	m.Tags = types.NormalizeTags(m.Tags)
	if m.ContentHash == "" {
		m.ContentHash = hashing.ContentHash(m.Content, m.Metadata)
	}

	// Imports arrive with a vector already attached; everything else is
	// embedded here. A missing provider fails the write rather than storing
	// an unsearchable row.
	if len(m.Embedding) != s.dim {
		if s.provider == nil {
			return memerr.EmbeddingFailure("no embedding model available", nil)
		}
		v, err := s.provider.Embed(ctx, m.Content)
		if err != nil {
			return err
		}
		m.Embedding = v
	}

	now := time.Now()
	if m.CreatedAt == 0 {
		m.StampNew(now)
	} else {
		// Imported rows keep their original clock but get the mirrors
		// backfilled if the source lacked them.
		if m.CreatedAtISO == "" {
			m.CreatedAtISO = types.EpochToISO(m.CreatedAt)
		}
		if m.UpdatedAt == 0 {
			m.UpdatedAt = m.CreatedAt
		}
		if m.UpdatedAtISO == "" {
			m.UpdatedAtISO = types.EpochToISO(m.UpdatedAt)
		}
	}

	metaJSON, err := encodeMetadata(m.Metadata)
	if err != nil {
		return memerr.InvalidArgument(fmt.Sprintf("metadata is not serialisable: %v", err))
	}
	blob := vec.Encode(m.Embedding)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE content_hash = ?`, m.ContentHash).Scan(&one)
		if err == nil {
			return memerr.Duplicate(m.ContentHash)
		}
		if err != sql.ErrNoRows {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories
				(content_hash, content, tags, memory_type, metadata_json,
				 created_at, updated_at, created_at_iso, updated_at_iso)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ContentHash, m.Content, encodeTags(m.Tags), m.MemoryType, metaJSON,
			m.CreatedAt, m.UpdatedAt, m.CreatedAtISO, m.UpdatedAtISO)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return memerr.Duplicate(m.ContentHash)
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_embeddings (id, content_embedding) VALUES (?, ?)`, id, blob); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(events.MemoryStored, map[string]any{
		"content_hash":    m.ContentHash,
		"content_preview": m.ContentPreview(100),
		"tags":            m.Tags,
		"memory_type":     m.MemoryType,
	})
	return nil
}

// Reserved field names an UpdateMetadata call can never set directly.
var protectedFields = map[string]struct{}{
	"content":        {},
	"content_hash":   {},
	"embedding":      {},
	"created_at":     {},
	"created_at_iso": {},
	"updated_at":     {},
	"updated_at_iso": {},
	"timestamp":      {},
}

// UpdateMetadata implements store.Store. Updates are sparse: tags,
// memory_type and metadata have dedicated handling, unknown keys land in the
// metadata map, protected fields are ignored.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, updates map[string]any, preserveCreatedAt bool) (*types.Memory, error) {
	m, err := s.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, memerr.NotFound(hash)
	}

	for k, v := range updates {
		switch k {
		case "tags":
			tags, ok := coerceTags(v)
			if !ok {
				return nil, memerr.InvalidArgument("tags must be a list of strings")
			}
			m.Tags = types.NormalizeTags(tags)
		case "memory_type":
			t, ok := v.(string)
			if !ok {
				return nil, memerr.InvalidArgument("memory_type must be a string")
			}
			m.MemoryType = t
		case "metadata":
			extra, ok := v.(map[string]any)
			if !ok {
				return nil, memerr.InvalidArgument("metadata must be an object")
			}
			if m.Metadata == nil {
				m.Metadata = make(map[string]any, len(extra))
			}
			for mk, mv := range extra {
				m.Metadata[mk] = mv
			}
		default:
			if _, reserved := protectedFields[k]; reserved {
				continue
			}
			if m.Metadata == nil {
				m.Metadata = make(map[string]any)
			}
			m.Metadata[k] = v
		}
	}

	now := time.Now()
	m.Touch(now)
	if !preserveCreatedAt {
		m.CreatedAt = types.Epoch(now)
		m.CreatedAtISO = types.EpochToISO(m.CreatedAt)
	}

	metaJSON, err := encodeMetadata(m.Metadata)
	if err != nil {
		return nil, memerr.InvalidArgument(fmt.Sprintf("metadata is not serialisable: %v", err))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE memories
			SET tags = ?, memory_type = ?, metadata_json = ?,
			    created_at = ?, updated_at = ?, created_at_iso = ?, updated_at_iso = ?
			WHERE content_hash = ?`,
			encodeTags(m.Tags), m.MemoryType, metaJSON,
			m.CreatedAt, m.UpdatedAt, m.CreatedAtISO, m.UpdatedAtISO, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func coerceTags(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, hash string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_embeddings WHERE id IN (SELECT id FROM memories WHERE content_hash = ?)`, hash); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE content_hash = ?`, hash)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return memerr.NotFound(hash)
	}

	s.publish(events.MemoryDeleted, map[string]any{
		"content_hash": hash,
		"success":      true,
	})
	return nil
}

// DeleteByTag implements store.Store (OR semantics).
func (s *Store) DeleteByTag(ctx context.Context, tags []string) (int, error) {
	return s.deleteMatching(ctx, tags, hasAnyTag)
}

// DeleteByAllTags implements store.Store (AND semantics).
func (s *Store) DeleteByAllTags(ctx context.Context, tags []string) (int, error) {
	return s.deleteMatching(ctx, tags, hasAllTags)
}

func (s *Store) deleteMatching(ctx context.Context, tags []string, match func(have, want []string) bool) (int, error) {
	// An empty tag list matches nothing. Deleting zero rows is a valid
	// outcome, not a caller error.
	want := types.NormalizeTags(tags)
	if len(want) == 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, tags FROM memories WHERE tags != ''`)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if match(parseTags(raw), want) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	return s.deleteIDs(ctx, ids)
}

// DeleteByTimeRange implements store.Store. The window is inclusive on both
// ends; an optional tag narrows the match.
func (s *Store) DeleteByTimeRange(ctx context.Context, start, end time.Time, tag string) (int, error) {
	if end.Before(start) {
		return 0, memerr.InvalidArgument("end must not precede start")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tags FROM memories WHERE created_at >= ? AND created_at <= ?`,
		types.Epoch(start), types.Epoch(end))
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if tag == "" || hasAnyTag(parseTags(raw), []string{tag}) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	return s.deleteIDs(ctx, ids)
}

func (s *Store) deleteIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_embeddings WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CleanupDuplicates implements store.Store. The earliest row per hash
// survives; later arrivals with the same identity are removed.
func (s *Store) CleanupDuplicates(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM memories
			WHERE id NOT IN (SELECT MIN(id) FROM memories GROUP BY content_hash)`)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_embeddings WHERE id NOT IN (SELECT id FROM memories)`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
