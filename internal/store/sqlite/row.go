package sqlite

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/pkg/types"
)

// memoryColumns is the canonical projection used by every read path. All
// read queries alias the table as m; the prefix keeps id unambiguous in the
// embedding join.
const memoryColumns = `m.id, m.content_hash, m.content, m.tags, m.memory_type, m.metadata_json,
	m.created_at, m.updated_at, m.created_at_iso, m.updated_at_iso`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (int64, types.Memory, error) {
	var (
		id       int64
		m        types.Memory
		rawTags  string
		rawMeta  string
		memoryTp string
	)
	err := r.Scan(&id, &m.ContentHash, &m.Content, &rawTags, &memoryTp, &rawMeta,
		&m.CreatedAt, &m.UpdatedAt, &m.CreatedAtISO, &m.UpdatedAtISO)
	if err != nil {
		return 0, types.Memory{}, err
	}
	m.Tags = parseTags(rawTags)
	m.MemoryType = memoryTp
	decodeMetadataInto(&m, rawMeta)
	return id, m, nil
}

func decodeMetadataInto(m *types.Memory, raw string) {
	if raw == "" || raw == "{}" {
		return
	}
	if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
		// Unreadable metadata should not hide the memory itself.
		m.Metadata = map[string]any{"_raw": raw}
	}
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeTags stores tags comma-joined. parseTags additionally accepts the
// JSON-array form older databases used, read side only; rows are rewritten
// into the comma form whenever they are next updated.
func encodeTags(tags []string) string {
	return strings.Join(tags, ",")
}

func parseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		var arr []string
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return types.NormalizeTags(arr)
		}
	}
	return types.NormalizeTags(strings.Split(raw, ","))
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
