package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocero-ai/vocero/internal/observe"
)

// ServerConfig configures the ops listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string

	// Metrics instruments request handling. When nil the shared default
	// instrument set is used.
	Metrics *observe.Metrics

	// Checkers are evaluated by the /readyz endpoint.
	Checkers []Checker
}

// Server is the standalone ops listener. It serves /healthz, /readyz and
// /metrics, with every request traced and timed by [observe.Middleware].
type Server struct {
	srv *http.Server
}

// NewServer assembles the ops routes and returns an unstarted [Server].
func NewServer(cfg ServerConfig) *Server {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	New(cfg.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           observe.Middleware(m)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the assembled route handler. Exposed for tests and for
// mounting the ops routes on another listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens on the configured address and blocks until
// [Server.Shutdown] is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("ops listener started", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve %s: %w", s.srv.Addr, err)
	}
	return nil
}

// Shutdown gracefully stops the listener, waiting for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	return nil
}
