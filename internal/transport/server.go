package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// HandlerFunc runs one accepted call. It owns the connection for the call's
// lifetime; the connection is closed when it returns.
type HandlerFunc func(ctx context.Context, conn *Conn)

// ServerConfig parameterises the media listener.
type ServerConfig struct {
	// Addr is the TCP listen address, e.g. ":8090".
	Addr string

	// Path is the HTTP path accepting media-stream upgrades, e.g. "/media".
	Path string

	// PipelineRate is passed through to every accepted [Conn].
	PipelineRate int

	// Logger receives listener logs. Nil selects slog.Default.
	Logger *slog.Logger
}

// Server is the media-stream WebSocket listener. Each accepted stream is
// handed to the handler on its own request goroutine; the handler blocks for
// the call's lifetime.
type Server struct {
	cfg    ServerConfig
	handle HandlerFunc
	log    *slog.Logger
	srv    *http.Server
}

// NewServer builds the listener. Calls are not accepted until Start.
func NewServer(cfg ServerConfig, handle HandlerFunc) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/media"
	}
	s := &Server{cfg: cfg, handle: handle, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Path, s.serveMedia)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(r.Context(), w, r, ConnConfig{
		PipelineRate: s.cfg.PipelineRate,
		Logger:       s.log,
	})
	if err != nil {
		s.log.Warn("media stream rejected",
			slog.String("remote", r.RemoteAddr), slog.Any("err", err))
		return
	}
	defer conn.Close()

	s.log.Info("media stream accepted",
		slog.String("call_id", conn.CallID()),
		slog.String("stream_sid", conn.StreamSid()),
		slog.String("format", conn.WireFormat().Encoding),
		slog.Int("sample_rate", conn.WireFormat().SampleRate))
	s.handle(r.Context(), conn)
}

// Handler exposes the mux, for tests that drive the server through
// httptest.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens and serves until Shutdown. It blocks; run it on its own
// goroutine. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info("media server listening",
		slog.String("addr", s.cfg.Addr), slog.String("path", s.cfg.Path))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new streams and waits for in-flight calls up to
// ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
