// Command contextengine captures audio, transcribes speech and serves the
// transcripts to MCP clients.
//
// Usage:
//
//	contextengine [--config path] [serve]
//	contextengine [--config path] listen -file recording.wav
//	contextengine [--config path] recent [-window 1h] [-source microphone]
//	contextengine [--config path] search [-within 24h] [-limit 10] <query>
//	contextengine [--config path] cleanup [-days 90]
//
// With the stdio MCP transport stdout belongs to the protocol, so every
// human-facing message of serve goes to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/contextengine/internal/app"
	"github.com/MrWong99/contextengine/internal/config"
	"github.com/MrWong99/contextengine/internal/listener"
	"github.com/MrWong99/contextengine/internal/mcp"
	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/internal/retention"
	"github.com/MrWong99/contextengine/pkg/memory"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("contextengine", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("contextengine", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "contextengine: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))
	if !fromFile {
		slog.Warn("config file not found; using defaults", "path", *configPath)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := "serve", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}
	switch cmd {
	case "serve":
		return serve(ctx, cfg, *configPath, fromFile, levelVar)
	case "listen":
		return listen(ctx, cfg, rest)
	case "recent":
		return recent(ctx, cfg, rest)
	case "search":
		return search(ctx, cfg, rest)
	case "cleanup":
		return cleanup(ctx, cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "contextengine: unknown command %q (want serve, listen, recent, search or cleanup)\n", cmd)
		return 2
	}
}

// loadConfig reads path, falling back to the defaults when it does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serve(ctx context.Context, cfg *config.Config, path string, watch bool, levelVar *slog.LevelVar) int {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{Version: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(os.Stderr, cfg)

	// The watcher needs the app for its callback and the app needs the
	// watcher to run it, so the callback is bound after New.
	var application *app.App
	opts := []app.Option{app.WithVersion(version), app.WithLevelVar(levelVar), app.WithMetrics(tel.Metrics)}
	if watch {
		w, err := config.NewWatcher(path, func(old, cur *config.Config, d config.ConfigDiff) {
			if application != nil {
				application.Reload(old, cur, d)
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready", "version", version, "mcp_transport", cfg.MCP.Transport)
	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── listen ────────────────────────────────────────────────────────────────────

// listen runs the pipeline in the foreground and prints every transcript.
// With -file it replays a recording instead of opening a device.
func listen(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	file := fs.String("file", "", "replay a WAV or raw PCM file instead of capturing")
	source := fs.String("source", memory.SourceMicrophone, "capture channel")
	language := fs.String("language", "", "recognition language (default from config)")
	realtime := fs.Bool("realtime", false, "pace file replay at the recording's speed")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *file != "" {
		cfg.Providers.Source = config.ProviderEntry{
			Name: "file",
			Options: map[string]any{
				"paths":    map[string]any{*source: *file},
				"realtime": *realtime,
			},
		}
	}
	// The foreground pipeline serves neither MCP nor HTTP.
	cfg.Server.ListenAddr = ""
	cfg.MCP.Transport = mcp.TransportStdio

	application, err := app.New(ctx, cfg, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	svc := application.Service()
	emit := func(ctx context.Context, t memory.Transcript) error {
		fmt.Println(formatLine(t))
		return svc.Persist(ctx, t)
	}
	ctrl := application.Controller()
	if err := ctrl.Start(ctx, listener.StartOptions{Source: *source, Language: *language}, emit); err != nil {
		slog.Error("failed to start listening", "err", err)
		return 1
	}
	slog.Info("listening; press Ctrl+C to stop", "source", *source)

	// A replayed file ends the session on its own once it runs out.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
wait:
	for ctrl.State() != listener.StateStopped {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := ctrl.Stop(stopCtx)
			cancel()
			if err != nil {
				slog.Warn("stop error", "err", err)
			}
			break wait
		case <-ticker.C:
		}
	}

	st := ctrl.Stats()
	slog.Info("listening finished", "utterances", st.Utterances, "frames", st.FramesCaptured, "dropped", st.FramesDropped)
	return 0
}

// ── recent / search / cleanup ─────────────────────────────────────────────────

func recent(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	window := fs.Duration("window", time.Hour, "how far back to look")
	source := fs.String("source", "", "only this capture channel")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withStore(ctx, cfg, func(store memory.TranscriptStore) error {
		ts, err := store.Recent(ctx, time.Now().Add(-*window), *source)
		if err != nil {
			return err
		}
		printTranscripts(ts)
		return nil
	})
}

func search(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	within := fs.Duration("within", 0, "only transcripts newer than this (0 means all)")
	limit := fs.Int("limit", memory.DefaultSearchLimit, "maximum number of results")
	source := fs.String("source", "", "only this capture channel")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(os.Stderr, "contextengine: search needs a query")
		return 2
	}

	opts := memory.SearchOpts{Source: *source, Limit: *limit}
	if *within > 0 {
		opts.Since = time.Now().Add(-*within)
	}
	return withStore(ctx, cfg, func(store memory.TranscriptStore) error {
		ts, err := store.Search(ctx, query, opts)
		if err != nil {
			return err
		}
		printTranscripts(ts)
		return nil
	})
}

func cleanup(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	days := fs.Int("days", cfg.Memory.RetentionDays, "delete transcripts older than this many days")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *days <= 0 {
		fmt.Fprintln(os.Stderr, "contextengine: retention is disabled; pass -days to clean up anyway")
		return 2
	}
	return withStore(ctx, cfg, func(store memory.TranscriptStore) error {
		sw, err := retention.New(retention.Config{
			Store:   store,
			MaxAge:  time.Duration(*days) * 24 * time.Hour,
			Sources: cfg.Memory.RetentionSources,
		})
		if err != nil {
			return err
		}
		n, err := sw.SweepNow(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d transcripts older than %d days\n", n, *days)
		return nil
	})
}

func withStore(ctx context.Context, cfg *config.Config, fn func(memory.TranscriptStore) error) int {
	store, err := app.OpenStore(ctx, cfg.Memory)
	if err != nil {
		slog.Error("failed to open transcript store", "err", err)
		return 1
	}
	defer store.Close()
	if err := fn(store); err != nil {
		slog.Error("command failed", "err", err)
		return 1
	}
	return 0
}

// ── Output ────────────────────────────────────────────────────────────────────

func formatLine(t memory.Transcript) string {
	return fmt.Sprintf("[%s] %s (%s): %s",
		t.Timestamp.In(time.Local).Format("2006-01-02 15:04:05"), t.Speaker, t.Source, t.Text)
}

func printTranscripts(ts []memory.Transcript) {
	if len(ts) == 0 {
		fmt.Println("no transcripts found")
		return
	}
	for _, t := range ts {
		fmt.Println(formatLine(t))
	}
}

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║       contextengine startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════════╣")
	printRow(w, "Source", cfg.Providers.Source.Name)
	printRow(w, "VAD", cfg.Providers.VAD.Name)
	stt := cfg.Providers.STT.Name
	if cfg.Providers.STT.Model != "" {
		stt += " / " + cfg.Providers.STT.Model
	}
	printRow(w, "STT", stt)
	printRow(w, "STT fallbacks", fmt.Sprint(len(cfg.Providers.STTFallbacks)))
	printRow(w, "Store", string(cfg.Memory.Backend))
	if cfg.Memory.RetentionEnabled() {
		printRow(w, "Retention", fmt.Sprintf("%d days", cfg.Memory.RetentionDays))
	} else {
		printRow(w, "Retention", "(disabled)")
	}
	printRow(w, "MCP transport", string(cfg.MCP.Transport))
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	fmt.Fprintf(w, "║  %-14s : %-24s ║\n", key, value)
}
