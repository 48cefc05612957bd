package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memvault/internal/store"
	"github.com/blueberrycongee/memvault/pkg/memerr"
)

// ImportOptions configures Import.
type ImportOptions struct {
	// SourceTag is added to every imported memory, e.g. "source:laptop-a".
	// Empty derives it from the export file's source hostname.
	SourceTag string
	// DryRun analyses the file without writing anything.
	DryRun bool
	Logger *slog.Logger
}

// ImportResult summarises an import run.
type ImportResult struct {
	Total      int    `json:"total"`
	Imported   int    `json:"imported"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
	SourceTag  string `json:"source_tag,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// ReadFile parses an export document from disk.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: read export file: %w", err)
	}
	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("backup: parse export file: %w", err)
	}
	if doc.ExportMetadata.Version == "" {
		return nil, fmt.Errorf("backup: %s is not a memvault export (missing export_metadata)", path)
	}
	return &doc, nil
}

// Import merges an export file into the store. Existing memories (same
// content identity) are skipped, original timestamps are preserved, and each
// imported memory is stamped with the source tag plus import provenance
// metadata. Import is idempotent: running it twice changes nothing the
// second time.
func Import(ctx context.Context, st store.Store, path string, opts ImportOptions) (*ImportResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	sourceTag := opts.SourceTag
	if sourceTag == "" && doc.ExportMetadata.SourceHostname != "" {
		sourceTag = "source:" + doc.ExportMetadata.SourceHostname
	}

	res := &ImportResult{
		Total:     len(doc.Memories),
		SourceTag: sourceTag,
		DryRun:    opts.DryRun,
	}
	importedAt := time.Now().UTC().Format(time.RFC3339)
	fileName := filepath.Base(path)

	for i := range doc.Memories {
		m := doc.Memories[i]

		existing, err := st.GetByHash(ctx, m.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("backup: check existing memory: %w", err)
		}
		if existing != nil {
			res.Duplicates++
			continue
		}
		if opts.DryRun {
			res.Imported++
			continue
		}

		if sourceTag != "" && !tagContains(m.Tags, sourceTag) {
			m.Tags = append(m.Tags, sourceTag)
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata["import_info"] = map[string]any{
			"imported_at": importedAt,
			"source_file": fileName,
		}

		err = st.Store(ctx, &m)
		switch {
		case err == nil:
			res.Imported++
		case memerr.IsDuplicate(err):
			// Lost a race with a concurrent writer; still a duplicate.
			res.Duplicates++
		default:
			res.Failed++
			logger.Warn("import: memory skipped",
				"content_hash", m.ContentHash, "error", err)
		}
	}

	logger.Info("import complete",
		"file", fileName,
		"imported", res.Imported,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
		"dry_run", opts.DryRun,
	)
	return res, nil
}

// Analyze reports what importing the given files would do without writing
// anything. Duplicates count both memories already in the store and memories
// repeated across the input files, so the result matches what a real import
// of all files in order would produce.
func Analyze(ctx context.Context, st store.Store, paths ...string) (*ImportResult, error) {
	res := &ImportResult{DryRun: true}
	seen := make(map[string]struct{})

	for _, path := range paths {
		doc, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		res.Total += len(doc.Memories)

		for i := range doc.Memories {
			hash := doc.Memories[i].ContentHash
			if _, dup := seen[hash]; dup {
				res.Duplicates++
				continue
			}
			seen[hash] = struct{}{}

			existing, err := st.GetByHash(ctx, hash)
			if err != nil {
				return nil, fmt.Errorf("backup: check existing memory: %w", err)
			}
			if existing != nil {
				res.Duplicates++
				continue
			}
			res.Imported++
		}
	}
	return res, nil
}
