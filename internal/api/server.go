package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/memvault/internal/config"
	"github.com/blueberrycongee/memvault/internal/metrics"
)

// Server wraps the HTTP server with route assembly and graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer assembles the mux, middleware and server settings.
func NewServer(h *Handler, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = metrics.Middleware(handler)
	if len(cfg.HTTP.CORSOrigins) > 0 {
		handler = corsMiddleware(cfg.HTTP.CORSOrigins, handler)
	}

	return &Server{
		srv: &http.Server{
			Addr:        cfg.HTTP.Addr(),
			Handler:     handler,
			ReadTimeout: cfg.HTTP.ReadTimeout,
			IdleTimeout: cfg.HTTP.IdleTimeout,
			// No write timeout: the SSE stream is a deliberately unbounded
			// response.
			WriteTimeout: 0,
		},
		logger: logger.With("component", "server"),
	}
}

// Run serves until ctx is cancelled, then drains connections gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// corsMiddleware answers preflight requests and stamps allowed origins.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-Hostname")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
