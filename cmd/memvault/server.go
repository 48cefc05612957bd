package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/memvault/internal/api"
	"github.com/blueberrycongee/memvault/internal/config"
	"github.com/blueberrycongee/memvault/internal/coordinator"
	"github.com/blueberrycongee/memvault/internal/discovery"
	"github.com/blueberrycongee/memvault/internal/embedding"
	"github.com/blueberrycongee/memvault/internal/events"
	"github.com/blueberrycongee/memvault/internal/store/sqlite"
)

// errInterrupted signals an operator-initiated stop so Execute can exit 130.
var errInterrupted = errors.New("interrupted")

var (
	serverHost string
	serverPort int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP memory server",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverHost, "host", "", "bind address (overrides configuration)")
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "listen port (overrides configuration)")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serverHost != "" {
		cfg.HTTP.Host = serverHost
	}
	if serverPort != 0 {
		cfg.HTTP.Port = serverPort
	}
	logger.Info("starting memvault server", "version", Version)

	// Hot reload for the config file, when one is used.
	mgr, err := config.NewManager(configPath, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	bus := events.NewBus(events.Options{
		QueueSize:         cfg.Events.QueueSize,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		Logger:            logger,
	})
	bus.Run(ctx)

	// The server owns the database directly. A missing embedding model
	// degrades search instead of refusing to start.
	provider, err := embedding.Open(coordinator.EmbeddingConfig(cfg), logger)
	if err != nil {
		logger.Warn("embedding model unavailable, running degraded", "error", err)
		provider = nil
	}
	defer func() { _ = embedding.CloseAll() }()

	st, err := sqlite.Open(ctx, sqlite.Options{
		Path:     cfg.Storage.DatabasePath,
		Provider: provider,
		Bus:      bus,
		Logger:   logger,
		Pragmas:  cfg.Storage.Pragmas,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise("", cfg.HTTP.Port, Version, logger)
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Close()
		}
	}

	handler := api.New(st, bus, cfg, Version, logger)
	server := api.NewServer(handler, cfg, logger)

	// SIGINT maps to exit 130, SIGTERM to a plain graceful stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		sig := <-sigCh
		logger.Info("signal received", "signal", sig.String())
		if sig == syscall.SIGINT {
			interrupted = true
		}
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	if interrupted {
		return errInterrupted
	}
	return nil
}
