package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/memvault/internal/config"
)

// Version is stamped by the release build; the default marks dev builds.
var Version = "0.2.0-dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Local-first semantic memory service",
	Long: `memvault stores text memories with embeddings in a local SQLite
database and retrieves them by meaning, tag or time. Multiple clients on one
machine coordinate through a shared HTTP server; the first process to need
the database can start it automatically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits with the conventional status codes:
// 0 on success, 1 on error, 130 on interrupt.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if err == errInterrupted {
			os.Exit(130)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

// loadConfig builds the effective configuration and installs the logger it
// describes as the process default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
