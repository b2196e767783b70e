package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/contextengine/internal/config"
	"github.com/MrWong99/contextengine/internal/listener"
	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/internal/resilience"
	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/audio/ffmpeg"
	"github.com/MrWong99/contextengine/pkg/audio/stream"
	"github.com/MrWong99/contextengine/pkg/memory"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
	"github.com/MrWong99/contextengine/pkg/provider/stt/deepgram"
	"github.com/MrWong99/contextengine/pkg/provider/stt/openai"
	"github.com/MrWong99/contextengine/pkg/provider/stt/whisper"
	"github.com/MrWong99/contextengine/pkg/provider/vad"
	"github.com/MrWong99/contextengine/pkg/provider/vad/energy"
)

// DefaultBeamSize is the whisper-native beam width.
const DefaultBeamSize = 5

// RegisterBuiltins wires every provider that ships with contextengine into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource("ffmpeg", func(entry config.ProviderEntry, tag string, format audio.Format) (audio.Source, error) {
		opts := []ffmpeg.Option{ffmpeg.WithFormat(format)}
		if cmd := entry.OptionString("command"); cmd != "" {
			opts = append(opts, ffmpeg.WithCommand(cmd))
		}
		if f := entry.OptionString("input_format"); f != "" {
			opts = append(opts, ffmpeg.WithInputFormat(f))
		}
		device, ok := entry.OptionStringMap("devices")[tag]
		switch {
		case ok:
			opts = append(opts, ffmpeg.WithDevice(device))
		case tag != memory.SourceMicrophone:
			return nil, fmt.Errorf("ffmpeg: no device configured for source %q: %w", tag, audio.ErrDeviceUnavailable)
		}
		return ffmpeg.New(opts...)
	})

	// file replays recordings, mainly for demos and soak tests. Raw PCM input
	// is described by the sample_rate and channels options.
	reg.RegisterSource("file", func(entry config.ProviderEntry, tag string, format audio.Format) (audio.Source, error) {
		path, ok := entry.OptionStringMap("paths")[tag]
		if !ok && tag == memory.SourceMicrophone {
			path = entry.OptionString("path")
		}
		if path == "" {
			return nil, fmt.Errorf("file source: no path configured for source %q: %w", tag, audio.ErrDeviceUnavailable)
		}
		realtime := true
		if v, set := entry.Options["realtime"].(bool); set {
			realtime = v
		}
		return stream.NewFile(path,
			stream.WithFormat(format),
			stream.WithRealtime(realtime),
			stream.WithInputFormat(audio.InputFormat{
				SampleRate: entry.OptionInt("sample_rate"),
				Channels:   entry.OptionInt("channels"),
			}),
		)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Engine, error) {
		beam := entry.OptionInt("beam_size")
		if beam <= 0 {
			beam = DefaultBeamSize
		}
		opts := []whisper.NativeOption{whisper.WithNativeBeamSize(beam)}
		if entry.Model != "" {
			opts = append(opts, whisper.WithNativeModelName(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := entry.OptionInt("threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(entry.OptionString("model_path"), opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if ms := entry.OptionInt("timeout_ms"); ms > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"source", "vad", "stt"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// sourceFactory adapts the registry to a [listener.SourceFactory].
func sourceFactory(reg *config.Registry, entry config.ProviderEntry, format audio.Format) listener.SourceFactory {
	return func(tag string) (audio.Source, error) {
		src, err := reg.CreateSource(entry, tag, format)
		if err != nil {
			return nil, fmt.Errorf("create source %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "source", "name", entry.Name, "tag", tag)
		return src, nil
	}
}

// engineFactory builds the transcription engine on first use. With
// fallbacks configured, the engines are chained behind per-engine circuit
// breakers.
func engineFactory(reg *config.Registry, p config.ProvidersConfig, m *observe.Metrics) listener.EngineFactory {
	return func() (stt.Engine, error) {
		primary, err := reg.CreateSTT(p.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", p.STT.Name, err)
		}
		slog.Info("provider created", "kind", "stt", "name", p.STT.Name, "model", p.STT.Model)
		if len(p.STTFallbacks) == 0 {
			return primary, nil
		}

		chain := resilience.NewEngineFallback(primary, p.STT.Name, resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("stt circuit breaker state change", "engine", name, "from", from, "to", to)
			},
		}, m)
		for _, fb := range p.STTFallbacks {
			e, err := reg.CreateSTT(fb)
			if err != nil {
				_ = chain.Close()
				return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			chain.AddFallback(fb.Name, e)
			slog.Info("provider created", "kind", "stt-fallback", "name", fb.Name, "model", fb.Model)
		}
		return chain, nil
	}
}
