package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/contextengine/internal/listener"
	"github.com/MrWong99/contextengine/internal/mcp"
	"github.com/MrWong99/contextengine/internal/retention"
	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/memory"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"source": {"ffmpeg", "file"},
	"vad":    {"energy"},
	"stt":    {"whisper", "whisper-native", "openai", "deepgram"},
}

// Defaults filled in by [ApplyDefaults].
const (
	DefaultSourceProvider = "ffmpeg"
	DefaultVADProvider    = "energy"
	DefaultSTTProvider    = "whisper"
	DefaultWhisperURL     = "http://127.0.0.1:8080"
	DefaultSQLitePath     = "context.db"
	DefaultRetentionDays  = 90
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its default. Explicitly
// set values are left alone, including ones [Validate] will reject.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	p := &cfg.Providers
	if p.Source.Name == "" {
		p.Source.Name = DefaultSourceProvider
	}
	if p.VAD.Name == "" {
		p.VAD.Name = DefaultVADProvider
	}
	if p.STT.Name == "" {
		p.STT.Name = DefaultSTTProvider
	}
	if p.STT.Name == "whisper" && p.STT.BaseURL == "" {
		p.STT.BaseURL = DefaultWhisperURL
	}

	l := &cfg.Listener
	def := listener.DefaultConfig()
	if l.SampleRate == 0 {
		l.SampleRate = def.Format.SampleRate
	}
	if l.FrameDurationMs == 0 {
		l.FrameDurationMs = def.Format.FrameDurationMs
	}
	if l.VADAggressiveness == nil {
		a := def.Aggressiveness
		l.VADAggressiveness = &a
	}
	if l.HangoverFrames == 0 {
		l.HangoverFrames = def.HangoverFrames
	}
	if l.MinUtteranceMs == 0 {
		l.MinUtteranceMs = int(def.MinUtterance / time.Millisecond)
	}
	if l.QueueSize == 0 {
		l.QueueSize = def.QueueSize
	}
	if l.OverflowPolicy == "" {
		l.OverflowPolicy = string(def.Overflow)
	}
	if l.OverflowWaitMs == 0 {
		l.OverflowWaitMs = int(def.OverflowWait / time.Millisecond)
	}
	if l.StopPolicy == "" {
		l.StopPolicy = string(def.StopPolicy)
	}
	if l.JoinTimeoutMs == 0 {
		l.JoinTimeoutMs = int(def.JoinTimeout / time.Millisecond)
	}
	if l.Language == "" {
		l.Language = def.Language
	}
	if l.Speaker == "" {
		l.Speaker = def.Speaker
	}

	// English-only checkpoints are smaller and faster for the default language.
	// whisper-native derives the model name from its model file instead.
	if p.STT.Model == "" && p.STT.Name == "whisper" {
		p.STT.Model = "base"
		if l.Language == "en" {
			p.STT.Model = "base.en"
		}
	}

	m := &cfg.Memory
	if m.Backend == "" {
		m.Backend = BackendSQLite
	}
	if m.Backend == BackendSQLite && m.SQLitePath == "" {
		m.SQLitePath = DefaultSQLitePath
	}
	if m.RetentionDays == 0 {
		m.RetentionDays = DefaultRetentionDays
	}
	if m.CleanupInterval == 0 {
		m.CleanupInterval = retention.DefaultInterval
	}
	if len(m.RetentionSources) == 0 {
		m.RetentionSources = []string{memory.SourceMicrophone}
	}

	if cfg.MCP.Transport == "" {
		cfg.MCP.Transport = mcp.TransportStdio
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = mcp.DefaultPath
	}
}

// Pipeline converts the listener section into a [listener.Config].
func (l ListenerConfig) Pipeline() listener.Config {
	c := listener.Config{
		Format:         audio.Format{SampleRate: l.SampleRate, FrameDurationMs: l.FrameDurationMs},
		HangoverFrames: l.HangoverFrames,
		MinUtterance:   time.Duration(l.MinUtteranceMs) * time.Millisecond,
		MaxUtterance:   time.Duration(l.MaxUtteranceMs) * time.Millisecond,
		QueueSize:      l.QueueSize,
		Overflow:       listener.OverflowPolicy(l.OverflowPolicy),
		OverflowWait:   time.Duration(l.OverflowWaitMs) * time.Millisecond,
		StopPolicy:     listener.StopPolicy(l.StopPolicy),
		JoinTimeout:    time.Duration(l.JoinTimeoutMs) * time.Millisecond,
		Language:       l.Language,
		Speaker:        l.Speaker,
	}
	if l.VADAggressiveness != nil {
		c.Aggressiveness = *l.VADAggressiveness
	}
	return c
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("source", cfg.Providers.Source.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	seen := map[string]int{cfg.Providers.STT.Name: -1}
	for i, fb := range cfg.Providers.STTFallbacks {
		prefix := fmt.Sprintf("providers.stt_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("stt", fb.Name)
		if prev, ok := seen[fb.Name]; ok {
			if prev < 0 {
				errs = append(errs, fmt.Errorf("%s.name %q duplicates providers.stt", prefix, fb.Name))
			} else {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.stt_fallbacks[%d]", prefix, fb.Name, prev))
			}
			continue
		}
		seen[fb.Name] = i
	}

	// Listener
	if cfg.Listener.MinUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("listener.min_utterance_ms must not be negative, got %d", cfg.Listener.MinUtteranceMs))
	}
	if cfg.Listener.MaxUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("listener.max_utterance_ms must not be negative, got %d", cfg.Listener.MaxUtteranceMs))
	}
	if mx, mn := cfg.Listener.MaxUtteranceMs, cfg.Listener.MinUtteranceMs; mx > 0 && mx < mn {
		errs = append(errs, fmt.Errorf("listener.max_utterance_ms %d is shorter than min_utterance_ms %d", mx, mn))
	}
	if cfg.Listener.OverflowWaitMs < 0 {
		errs = append(errs, fmt.Errorf("listener.overflow_wait_ms must not be negative, got %d", cfg.Listener.OverflowWaitMs))
	}
	if err := cfg.Listener.Pipeline().Validate(); err != nil {
		errs = append(errs, err)
	}

	// Memory
	if !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: sqlite, postgres", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == BackendPostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Memory.Backend == BackendSQLite && cfg.Memory.SQLitePath == "" {
		errs = append(errs, errors.New("memory.sqlite_path is required when backend is sqlite"))
	}
	if cfg.Memory.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("memory.cleanup_interval must not be negative, got %s", cfg.Memory.CleanupInterval))
	}
	for i, src := range cfg.Memory.RetentionSources {
		if src == "" {
			errs = append(errs, fmt.Errorf("memory.retention_sources[%d] must not be empty", i))
		}
		if src == memory.SourceCall {
			slog.Warn("memory.retention_sources includes call transcripts; only records without a call_id are swept", "source", src)
		}
	}

	// MCP
	if !cfg.MCP.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("mcp.transport %q is invalid; valid values: stdio, streamable-http", cfg.MCP.Transport))
	}
	if cfg.MCP.Transport == mcp.TransportStreamableHTTP {
		if cfg.Server.ListenAddr == "" {
			errs = append(errs, errors.New("server.listen_addr is required when mcp.transport is streamable-http"))
		}
		if len(cfg.MCP.Path) == 0 || cfg.MCP.Path[0] != '/' {
			errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a provider registered at runtime",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
