// Package backup implements portable JSON export and import of the memory
// database. The format is self-describing and survives machines, embedding
// models and database rebuilds: content, tags, metadata and original
// timestamps always travel; vectors only on request, since they can be
// recomputed.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/pkg/types"
)

// FormatVersion identifies the export file layout.
const FormatVersion = "1.0"

// ExportMetadata describes an export file.
type ExportMetadata struct {
	Version           string   `json:"version"`
	ExportedAt        string   `json:"exported_at"`
	SourceHostname    string   `json:"source_hostname,omitempty"`
	TotalMemories     int      `json:"total_memories"`
	IncludeEmbeddings bool     `json:"include_embeddings"`
	FilterTags        []string `json:"filter_tags,omitempty"`
}

// File is the complete export document.
type File struct {
	ExportMetadata ExportMetadata `json:"export_metadata"`
	Memories       []types.Memory `json:"memories"`
}

// bulkExporter is implemented by backends that can hand over all rows at
// once, vectors included. Without it the exporter pages through List and
// vectors are unavailable.
type bulkExporter interface {
	ExportAll(ctx context.Context, includeEmbeddings bool) ([]types.Memory, error)
}

// ExportOptions configures Export.
type ExportOptions struct {
	// Dir is the backups directory. The file name is derived from the
	// current time.
	Dir string
	// Tags restricts the export to memories carrying at least one of them.
	Tags []string
	// IncludeEmbeddings writes stored vectors into the file.
	IncludeEmbeddings bool
	Logger            *slog.Logger
}

// Export writes all (or tag-filtered) memories into a timestamped JSON file
// under opts.Dir and returns its path.
func Export(ctx context.Context, st store.Store, opts ExportOptions) (string, int, error) {
	if opts.Dir == "" {
		return "", 0, fmt.Errorf("backup: export directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	memories, err := collect(ctx, st, opts)
	if err != nil {
		return "", 0, fmt.Errorf("backup: collect memories: %w", err)
	}

	host, _ := os.Hostname()
	doc := File{
		ExportMetadata: ExportMetadata{
			Version:           FormatVersion,
			ExportedAt:        time.Now().UTC().Format(time.RFC3339),
			SourceHostname:    host,
			TotalMemories:     len(memories),
			IncludeEmbeddings: opts.IncludeEmbeddings,
			FilterTags:        opts.Tags,
		},
		Memories: memories,
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("backup: create backups directory: %w", err)
	}
	path := filepath.Join(opts.Dir,
		fmt.Sprintf("memvault-%s.json", time.Now().UTC().Format("20060102-150405")))

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("backup: encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("backup: write export: %w", err)
	}

	logger.Info("export complete", "path", path, "memories", len(memories))
	return path, len(memories), nil
}

func collect(ctx context.Context, st store.Store, opts ExportOptions) ([]types.Memory, error) {
	if len(opts.Tags) > 0 {
		memories, err := st.SearchByTag(ctx, opts.Tags, false)
		if err != nil {
			return nil, err
		}
		if !opts.IncludeEmbeddings {
			for i := range memories {
				memories[i].Embedding = nil
			}
		}
		return memories, nil
	}

	if be, ok := st.(bulkExporter); ok {
		return be.ExportAll(ctx, opts.IncludeEmbeddings)
	}

	// Remote backends page through the listing endpoint.
	var out []types.Memory
	for page := 1; ; page++ {
		p, err := st.List(ctx, page, 100, "", "")
		if err != nil {
			return nil, err
		}
		out = append(out, p.Memories...)
		if !p.HasMore {
			return out, nil
		}
	}
}

// tagContains reports whether tags already carries tag. Import uses it to
// avoid stacking duplicate source tags across repeated round-trips.
func tagContains(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
