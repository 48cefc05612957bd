package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/memvault/internal/discovery"
)

var statusDiscover bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a server is reachable and what it holds",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusDiscover, "discover", false, "also scan the local network over mDNS")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	base := cfg.Storage.RemoteURL
	if base == "" {
		base = cfg.HTTP.BaseURL()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("server:  not reachable at %s\n", base)
	} else {
		defer resp.Body.Close()
		var health map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("decode health response: %w", err)
		}
		fmt.Printf("server:  %s\n", base)
		printHealth(health)
	}

	if statusDiscover {
		candidates, err := discovery.Browse(ctx, discovery.DefaultBrowseTimeout, logger)
		if err != nil {
			logger.Warn("mDNS browse failed", "error", err)
		} else if len(candidates) == 0 {
			fmt.Println("mdns:    no peers found")
		} else {
			for _, c := range candidates {
				fmt.Printf("mdns:    %s at %s\n", c.Instance, c.URL)
			}
		}
	}
	return nil
}

func printHealth(health map[string]any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(health)
}
