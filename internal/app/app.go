// Package app wires all Vocero subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the media and ops listeners until the context is
// cancelled, and Shutdown drains in-flight calls and tears everything down
// in reverse-init order.
//
// For testing, inject mock implementations via functional options
// (WithToolHost, WithHistoryStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/health"
	"github.com/vocero-ai/vocero/internal/mcp"
	"github.com/vocero-ai/vocero/internal/mcp/mcphost"
	"github.com/vocero-ai/vocero/internal/mcp/tools/dblookup"
	"github.com/vocero-ai/vocero/internal/mcp/tools/endcall"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/internal/transport"
	"github.com/vocero-ai/vocero/pkg/audio"
	"github.com/vocero-ai/vocero/pkg/history"
	"github.com/vocero-ai/vocero/pkg/history/postgres"
)

// App owns all subsystem lifetimes and serves the Vocero call engine.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems — initialised in New, torn down in Shutdown.
	repo      config.Repository
	metrics   *observe.Metrics
	tools     mcp.Host
	histStore history.Store
	lookupDB  *pgxpool.Pool
	sessions  *SessionManager
	media     *transport.Server
	ops       *health.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRepository injects a per-call parameter repository instead of the
// static one built from the config's defaults block.
func WithRepository(r config.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithToolHost injects a tool host instead of creating one from config.
func WithToolHost(h mcp.Host) Option {
	return func(a *App) { a.tools = h }
}

// WithHistoryStore injects a history sink instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.histStore = s }
}

// WithMetrics injects an instrument set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The registry comes
// from main.go with the builtin provider factories already registered. Use
// Option functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: history sink connection,
// tool host assembly (MCP servers plus builtin tools), hold-audio loading,
// and a provider probe that fails fast on unregistered or misconfigured
// providers.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}

	if a.repo == nil {
		a.repo = config.NewStaticRepository(cfg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	hold, err := loadHoldAudio(cfg.Defaults.Voice.BackgroundSound)
	if err != nil {
		return nil, fmt.Errorf("app: load background sound: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Registry:   registry,
		Repository: a.repo,
		Providers:  cfg.Providers,
		Tools:      a.tools,
		History:    a.histStore,
		Metrics:    a.metrics,
		HoldAudio:  hold,
	})

	// Fail fast on providers that cannot be built before accepting calls.
	if err := a.sessions.Probe(ctx); err != nil {
		return nil, fmt.Errorf("app: provider probe: %w", err)
	}

	a.media = transport.NewServer(transport.ServerConfig{
		Addr:         cfg.Server.ListenAddr,
		Path:         cfg.Server.MediaPath,
		PipelineRate: session.PipelineSampleRate,
	}, a.sessions.HandleCall)

	if cfg.Server.HealthAddr != "" {
		a.ops = health.NewServer(health.ServerConfig{
			Addr:     cfg.Server.HealthAddr,
			Metrics:  a.metrics,
			Checkers: a.checkers(),
		})
	}

	return a, nil
}

// initHistory connects the configured history sink, if any.
func (a *App) initHistory(ctx context.Context) error {
	if a.histStore != nil {
		return nil
	}
	if a.cfg.History.Driver != "postgres" {
		return nil
	}

	store, err := postgres.New(ctx, a.cfg.History.DSN)
	if err != nil {
		return err
	}
	a.histStore = store
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), forcedDrainTimeout)
		defer cancel()
		return store.Close(ctx)
	})
	return nil
}

// initTools assembles the tool host: builtin tools first, then the
// configured MCP servers.
func (a *App) initTools(ctx context.Context) error {
	if a.tools != nil {
		return nil
	}

	var hostOpts []mcphost.Option
	if a.cfg.Tools.TimeoutMs > 0 {
		hostOpts = append(hostOpts, mcphost.WithTimeout(msDuration(a.cfg.Tools.TimeoutMs)))
	}
	host := mcphost.New(hostOpts...)
	a.tools = host
	a.closers = append(a.closers, host.Close)

	if err := host.RegisterBuiltin(endcall.Tool()); err != nil {
		return err
	}

	if err := a.initLookups(ctx, host); err != nil {
		return err
	}

	for _, srv := range a.cfg.Tools.MCPServers {
		serverCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Token:     srv.Token,
			Env:       srv.Env,
		}
		if err := host.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	return nil
}

// initLookups registers the configured dblookup tools over a shared pool.
func (a *App) initLookups(ctx context.Context, host *mcphost.Host) error {
	var specs []dblookup.Spec
	for _, ts := range a.cfg.Tools.Schema {
		if ts.Query == "" {
			continue
		}
		specs = append(specs, dblookup.Spec{
			Name:        ts.Name,
			Description: ts.Description,
			Parameters:  ts.Parameters,
			Query:       ts.Query,
		})
	}
	if len(specs) == 0 {
		return nil
	}
	if a.cfg.Tools.DBLookupDSN == "" {
		return fmt.Errorf("tools.dblookup_dsn is required for %d lookup tool(s)", len(specs))
	}

	pool, err := pgxpool.New(ctx, a.cfg.Tools.DBLookupDSN)
	if err != nil {
		return fmt.Errorf("connect lookup database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping lookup database: %w", err)
	}
	a.lookupDB = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	for _, spec := range specs {
		tool, err := dblookup.New(pool, spec)
		if err != nil {
			return err
		}
		if err := host.RegisterBuiltin(tool.Builtin()); err != nil {
			return err
		}
		slog.Info("registered lookup tool", "name", spec.Name)
	}
	return nil
}

// checkers builds the readiness probes for the ops listener.
func (a *App) checkers() []health.Checker {
	checkers := []health.Checker{
		{Name: "providers", Check: a.sessions.Probe},
	}
	if a.lookupDB != nil {
		checkers = append(checkers, health.Checker{
			Name:  "lookup_database",
			Check: a.lookupDB.Ping,
		})
	}
	return checkers
}

// Run serves the media listener (and the ops listener when configured)
// until ctx is cancelled or a listener fails. Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.media.Start)
	if a.ops != nil {
		g.Go(a.ops.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		// Unblock the listeners so g.Wait can return; Shutdown does the
		// orderly drain afterwards.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), forcedDrainTimeout)
		defer cancel()
		if err := a.media.Shutdown(shutdownCtx); err != nil {
			slog.Warn("media listener shutdown", "err", err)
		}
		if a.ops != nil {
			if err := a.ops.Shutdown(shutdownCtx); err != nil {
				slog.Warn("ops listener shutdown", "err", err)
			}
		}
		return gctx.Err()
	})

	slog.Info("vocero serving",
		"media", a.cfg.Server.ListenAddr,
		"ops", a.cfg.Server.HealthAddr,
	)
	return g.Wait()
}

// Shutdown drains in-flight calls, then tears down subsystems in
// reverse-init order. It respects the context deadline: when ctx expires,
// remaining sessions are force-cancelled and remaining closers skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Shutdown(ctx); err != nil {
			slog.Warn("session drain", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// wavHeaderLen is the size of a canonical RIFF/WAVE header.
const wavHeaderLen = 44

// loadHoldAudio reads the background-sound file as pipeline-rate mono PCM.
// A WAV header, when present, is stripped and its sample rate honoured.
func loadHoldAudio(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rate := session.PipelineSampleRate
	if len(data) > wavHeaderLen && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		rate = int(binary.LittleEndian.Uint32(data[24:28]))
		data = data[wavHeaderLen:]
	}
	if rate != session.PipelineSampleRate {
		data = audio.ResampleMono16(data, rate, session.PipelineSampleRate)
	}
	return data, nil
}
