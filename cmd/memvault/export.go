package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/memvault/internal/backup"
	"github.com/blueberrycongee/memvault/internal/coordinator"
)

var (
	exportDir        string
	exportTags       []string
	exportEmbeddings bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all memories to a portable JSON file",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportDir, "output-dir", "", "directory for the export file (default: configured backups path)")
	exportCmd.Flags().StringSliceVar(&exportTags, "tags", nil, "only export memories carrying at least one of these tags")
	exportCmd.Flags().BoolVar(&exportEmbeddings, "include-embeddings", false, "include stored vectors in the export")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	dir := exportDir
	if dir == "" {
		dir = cfg.Storage.BackupsPath
	}

	ctx := context.Background()
	st, err := coordinator.New(cfg, nil, logger).Acquire(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	path, count, err := backup.Export(ctx, st, backup.ExportOptions{
		Dir:               dir,
		Tags:              exportTags,
		IncludeEmbeddings: exportEmbeddings,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("exported %d memories to %s\n", count, path)
	return nil
}
