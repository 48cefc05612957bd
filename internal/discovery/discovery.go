// Package discovery advertises the server on the local network over mDNS
// and lets clients find a running peer without configuration. Everything
// here is best-effort: discovery failing never takes the service down.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type peers register under.
	ServiceType = "mcp-memory"
	mdnsService = "_mcp-memory._tcp"
	mdnsDomain  = "local."

	// DefaultBrowseTimeout bounds a discovery scan.
	DefaultBrowseTimeout = 3 * time.Second
)

// Advertiser keeps an mDNS registration alive until closed.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise registers this server on the local network.
func Advertise(instance string, port int, version string, logger *slog.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if instance == "" {
		instance = "memvault"
	}

	txt := []string{
		"service_name=memvault",
		"api_version=" + version,
		"https=false",
		"auth_required=false",
	}
	server, err := zeroconf.Register(instance, mdnsService, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mDNS service: %w", err)
	}

	logger.Info("mDNS advertisement started",
		"instance", instance, "service", mdnsService, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() {
	a.server.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
}

// Candidate is one discovered peer.
type Candidate struct {
	Instance     string `json:"instance"`
	Host         string `json:"host"`
	Addr         string `json:"addr"`
	Port         int    `json:"port"`
	URL          string `json:"url"`
	APIVersion   string `json:"api_version,omitempty"`
	HTTPS        bool   `json:"https"`
	RequiresAuth bool   `json:"requires_auth"`
}

// txtValue extracts a key=value record from an mDNS TXT set.
func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, t := range txt {
		if strings.HasPrefix(t, prefix) {
			return t[len(prefix):]
		}
	}
	return ""
}

// Browse scans the local network for peers until the timeout elapses.
func Browse(ctx context.Context, timeout time.Duration, logger *slog.Logger) ([]Candidate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	var out []Candidate
	for entry := range entries {
		if entry == nil || len(entry.AddrIPv4) == 0 {
			continue
		}
		addr := entry.AddrIPv4[0].String()
		scheme := "http"
		https := txtValue(entry.Text, "https") == "true"
		if https {
			scheme = "https"
		}
		out = append(out, Candidate{
			Instance:     entry.Instance,
			Host:         entry.HostName,
			Addr:         addr,
			Port:         entry.Port,
			URL:          fmt.Sprintf("%s://%s:%d", scheme, addr, entry.Port),
			APIVersion:   txtValue(entry.Text, "api_version"),
			HTTPS:        https,
			RequiresAuth: txtValue(entry.Text, "auth_required") == "true",
		})
	}

	logger.Debug("mDNS browse finished", "candidates", len(out))
	return out, nil
}

// FindBest browses and returns the first candidate whose health endpoint
// identifies as this service. nil means nothing usable was found; that is
// not an error.
func FindBest(ctx context.Context, timeout time.Duration, logger *slog.Logger) (*Candidate, error) {
	candidates, err := Browse(ctx, timeout, logger)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 2 * time.Second}
	for i := range candidates {
		c := &candidates[i]
		if healthy(ctx, client, c.URL) {
			return c, nil
		}
	}
	return nil, nil
}

func healthy(ctx context.Context, client *http.Client, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Service == "memvault"
}
