package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/memvault/internal/backup"
	"github.com/blueberrycongee/memvault/internal/coordinator"
)

var (
	importDryRun    bool
	importSourceTag string
)

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Merge memories from export files, skipping duplicates",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "report what would be imported without writing")
	importCmd.Flags().StringVar(&importSourceTag, "source-tag", "", "tag added to every imported memory (default: source:<export hostname>)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := coordinator.New(cfg, nil, logger).Acquire(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if importDryRun {
		// Analyze spans all files at once so a memory repeated across
		// inputs is reported as the duplicate it would become.
		res, err := backup.Analyze(ctx, st, args...)
		if err != nil {
			return err
		}
		fmt.Printf("would import %d of %d memories (%d duplicates)\n",
			res.Imported, res.Total, res.Duplicates)
		return nil
	}

	total := &backup.ImportResult{}
	for _, path := range args {
		res, err := backup.Import(ctx, st, path, backup.ImportOptions{
			SourceTag: importSourceTag,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		total.Total += res.Total
		total.Imported += res.Imported
		total.Duplicates += res.Duplicates
		total.Failed += res.Failed
		total.SourceTag = res.SourceTag
	}

	fmt.Printf("imported %d of %d memories (%d duplicates, %d failed)\n",
		total.Imported, total.Total, total.Duplicates, total.Failed)
	if total.SourceTag != "" {
		fmt.Printf("source tag: %s\n", total.SourceTag)
	}
	return nil
}
