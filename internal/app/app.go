// Package app wires all contextengine subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the transcript store and
// builds the listening controller, MCP server, retention sweeper and HTTP
// surface; Run serves them until the context ends or the stdio client goes
// away; Shutdown stops the capture pipeline and releases everything in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithRegistry, WithMCPTransport). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/contextengine/internal/config"
	"github.com/MrWong99/contextengine/internal/health"
	"github.com/MrWong99/contextengine/internal/listener"
	"github.com/MrWong99/contextengine/internal/mcp"
	"github.com/MrWong99/contextengine/internal/mcp/tools/audiotool"
	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/internal/retention"
	"github.com/MrWong99/contextengine/pkg/memory"
	"github.com/MrWong99/contextengine/pkg/memory/postgres"
	"github.com/MrWong99/contextengine/pkg/memory/sqlite"
)

// Name is the server name announced to MCP clients.
const Name = "contextengine"

const instructions = "Captures microphone audio, segments it into utterances and stores " +
	"transcripts. Use start_listening and stop_listening to control capture, " +
	"get_transcript for recent speech and search_audio for full-text search."

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	version string

	reg       *config.Registry
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	transport mcpsdk.Transport
	watcher   *config.Watcher

	store      memory.TranscriptStore
	controller *listener.Controller
	service    *audiotool.Service
	server     *mcp.Server
	sweeper    *retention.Sweeper
	health     *health.Handler
	httpSrv    *http.Server
	httpLn     net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of opening one from config.
// The app does not close an injected store.
func WithStore(s memory.TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry replaces the built-in provider registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version announced to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLevelVar lets config reloads change the log level of the handler that
// was built with lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMCPTransport serves MCP over t instead of stdio when the configured
// transport is stdio.
func WithMCPTransport(t mcpsdk.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithWatcher runs w during Run and applies its reloads.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Capture devices and
// the transcription engine are created lazily on the first start_listening.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltins(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Listening pipeline ────────────────────────────────────────────
	if err := a.initListener(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init listener: %w", err)
	}

	// ── 3. MCP server ────────────────────────────────────────────────────
	a.server = mcp.NewServer(Name, a.version,
		mcp.WithMetrics(a.metrics),
		mcp.WithInstructions(instructions),
	)
	if err := a.server.Register(audiotool.NewTools(a.service)...); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: register tools: %w", err)
	}

	// ── 4. Retention ─────────────────────────────────────────────────────
	if cfg.Memory.RetentionEnabled() {
		sw, err := retention.New(retention.Config{
			Store:    a.store,
			MaxAge:   cfg.Memory.MaxAge(),
			Interval: cfg.Memory.CleanupInterval,
			Sources:  cfg.Memory.RetentionSources,
			Metrics:  a.metrics,
		})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init retention: %w", err)
		}
		a.sweeper = sw
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(
		health.StoreChecker(a.store),
		health.ListenerChecker(func() string { return a.controller.State().String() }, a.controller.Closed),
	)
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := OpenStore(ctx, a.cfg.Memory)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// OpenStore opens the transcript store selected by m.Backend.
func OpenStore(ctx context.Context, m config.MemoryConfig) (memory.TranscriptStore, error) {
	switch m.Backend {
	case config.BackendSQLite, "":
		s, err := sqlite.Open(ctx, m.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("transcript store opened", "backend", "sqlite", "path", m.SQLitePath)
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.NewStore(ctx, m.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("transcript store opened", "backend", "postgres")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", m.Backend)
	}
}

func (a *App) initListener() error {
	p := a.cfg.Providers
	vadEngine, err := a.reg.CreateVAD(p.VAD)
	if err != nil {
		return fmt.Errorf("create vad provider %q: %w", p.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", p.VAD.Name)

	pipeline := a.cfg.Listener.Pipeline()
	ctrl, err := listener.New(pipeline, listener.Deps{
		Sources: sourceFactory(a.reg, p.Source, pipeline.Format),
		VAD:     vadEngine,
		Engine:  engineFactory(a.reg, p, a.metrics),
	}, listener.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.controller = ctrl
	a.service = audiotool.NewService(ctrl, a.store)
	// Registered first so the pipeline drains into a still-open store.
	a.closers = append([]func() error{ctrl.Close}, a.closers...)
	return nil
}

func (a *App) initHTTP() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	routes := []string{"/healthz", "/readyz", "/metrics"}
	if a.cfg.MCP.Transport == mcp.TransportStreamableHTTP {
		mux.Handle(a.cfg.MCP.Path, a.server.Handler())
		routes = append(routes, a.cfg.MCP.Path)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.httpLn = ln
	a.httpSrv = &http.Server{
		Handler:           observe.Middleware(a.metrics, observe.WithRoutes(routes...))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Service returns the control surface shared by the MCP tools and the CLI.
func (a *App) Service() *audiotool.Service { return a.service }

// Controller returns the listening controller.
func (a *App) Controller() *listener.Controller { return a.controller }

// Server returns the MCP server.
func (a *App) Server() *mcp.Server { return a.server }

// Store returns the transcript store.
func (a *App) Store() memory.TranscriptStore { return a.store }

// Sweeper returns the retention sweeper, or nil when retention is disabled.
func (a *App) Sweeper() *retention.Sweeper { return a.sweeper }

// Addr returns the HTTP listener address, or nil when HTTP is disabled.
func (a *App) Addr() net.Addr {
	if a.httpLn == nil {
		return nil
	}
	return a.httpLn.Addr()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves MCP, HTTP, the retention sweeper and the config watcher until
// ctx is cancelled or, with the stdio transport, the client disconnects.
// It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.MCP.Transport == mcp.TransportStdio {
		t := a.transport
		if t == nil {
			t = &mcpsdk.StdioTransport{}
		}
		g.Go(func() error {
			// The session ending means the client is gone.
			defer cancel()
			err := a.server.Serve(ctx, t)
			if ctx.Err() == nil {
				// Transports differ in how they report a vanished peer.
				slog.Info("mcp client disconnected", "err", err)
			}
			return nil
		})
	}

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.httpLn.Addr().String(), "mcp_transport", a.cfg.MCP.Transport)
			if err := a.httpSrv.Serve(a.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer done()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	slog.Info("app running", "mcp_transport", a.cfg.MCP.Transport, "tools", a.server.Tools())
	return g.Wait()
}

// Reload applies the hot-reloadable parts of a changed config. It matches
// [config.ChangeFunc] and is wired to the watcher passed via [WithWatcher].
func (a *App) Reload(_, cur *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RetentionChanged && a.sweeper != nil {
		if cur.Memory.RetentionEnabled() {
			a.sweeper.SetPolicy(cur.Memory.MaxAge(), cur.Memory.RetentionSources)
		} else {
			slog.Warn("retention cannot be disabled without a restart; keeping the current policy")
		}
	}
	a.cfg.Server.LogLevel = cur.Server.LogLevel
	a.cfg.Memory.RetentionDays = cur.Memory.RetentionDays
	a.cfg.Memory.RetentionSources = cur.Memory.RetentionSources
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any listening session, letting its final utterance reach
// the store, and then closes everything else. If ctx expires first, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sweeper != nil {
			a.sweeper.Stop()
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		if err := a.controller.Stop(ctx); err != nil {
			slog.Warn("listener stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to create before failing.
func (a *App) closeAll() {
	if a.httpLn != nil {
		_ = a.httpLn.Close()
	}
	for _, c := range a.closers {
		_ = c()
	}
}
