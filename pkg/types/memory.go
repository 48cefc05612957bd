// Package types defines the core data model shared by every storage backend
// and by the HTTP surface.
package types

import (
	"sort"
	"strings"
	"time"
)

// ISOFormat is the timestamp layout used for the *_iso mirror fields.
// Always UTC, microsecond precision, trailing Z.
const ISOFormat = "2006-01-02T15:04:05.000000Z"

// Memory is the single first-class entity of the service: one unit of
// remembered text plus its tags, typed metadata, timestamps and embedding.
type Memory struct {
	Content      string         `json:"content"`
	ContentHash  string         `json:"content_hash"`
	Tags         []string       `json:"tags"`
	MemoryType   string         `json:"memory_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Embedding    []float32      `json:"embedding,omitempty"`
	CreatedAt    float64        `json:"created_at"`
	CreatedAtISO string         `json:"created_at_iso"`
	UpdatedAt    float64        `json:"updated_at"`
	UpdatedAtISO string         `json:"updated_at_iso"`
}

// QueryResult is a Memory plus an optional relevance score in [0,1]
// (absent for pure time-filtered results) and opaque per-backend debug info.
type QueryResult struct {
	Memory         Memory         `json:"memory"`
	RelevanceScore *float64       `json:"relevance_score,omitempty"`
	DebugInfo      map[string]any `json:"debug_info,omitempty"`
}

// EpochToISO renders seconds-since-epoch as the canonical ISO mirror string.
func EpochToISO(epoch float64) string {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(ISOFormat)
}

// Epoch returns t as float seconds since the epoch.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// StampNew sets both timestamp pairs to now. Used when a memory is first stored.
func (m *Memory) StampNew(now time.Time) {
	e := Epoch(now)
	m.CreatedAt = e
	m.UpdatedAt = e
	m.CreatedAtISO = EpochToISO(e)
	m.UpdatedAtISO = EpochToISO(e)
}

// Touch refreshes the updated_at pair, leaving created_at alone.
func (m *Memory) Touch(now time.Time) {
	m.UpdatedAt = Epoch(now)
	m.UpdatedAtISO = EpochToISO(m.UpdatedAt)
}

// NormalizeTags trims, drops empties and duplicates, and sorts the result.
// Tag identity is exact-string; order is irrelevant to the data model, so a
// sorted slice gives deterministic storage and comparisons.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ContentPreview returns the first n characters of the content, rune-safe.
// Used for event payloads.
func (m *Memory) ContentPreview(n int) string {
	runes := []rune(m.Content)
	if len(runes) <= n {
		return m.Content
	}
	return string(runes[:n])
}
