// This file contains the NativeEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/contextengine/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	defaultBeamSize = 5

	whisperSampleRate = stt.SampleRate
)

// Compile-time assertion that NativeEngine satisfies stt.Engine.
var _ stt.Engine = (*NativeEngine)(nil)

// NativeEngine implements stt.Engine using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once and
// shared; each call gets a fresh context.
type NativeEngine struct {
	model     whisperlib.Model
	modelName string
	language  string
	beamSize  int
	threads   uint

	// sem serialises inference; whisper contexts are memory hungry and the
	// pipeline submits one utterance at a time anyway.
	sem chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeLanguage sets the fallback language code used when a request
// carries none (e.g., "en", "de", "auto"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(e *NativeEngine) { e.language = lang }
}

// WithNativeBeamSize sets the beam search width. Defaults to 5.
func WithNativeBeamSize(n int) NativeOption {
	return func(e *NativeEngine) { e.beamSize = n }
}

// WithNativeThreads sets the number of CPU threads per inference. Zero keeps
// the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(e *NativeEngine) { e.threads = n }
}

// WithNativeModelName overrides the model identifier reported in results.
// Defaults to the model file name without "ggml-" prefix and extension.
func WithNativeModelName(name string) NativeOption {
	return func(e *NativeEngine) { e.modelName = name }
}

// NewNative creates a NativeEngine that loads the whisper.cpp model from
// the given file path. The caller must call Close when the engine is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeEngine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &NativeEngine{
		model:     model,
		modelName: ModelName(modelPath),
		language:  defaultLanguage,
		beamSize:  defaultBeamSize,
		sem:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	slog.Info("whisper: model loaded", "path", modelPath, "model", e.modelName, "multilingual", model.IsMultilingual())
	return e, nil
}

// ModelName derives a short model identifier from a ggml model path, e.g.
// "/models/ggml-base.en.bin" becomes "base.en".
func ModelName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.TrimPrefix(name, "ggml-")
}

// Close releases the whisper model. Safe to call more than once.
func (e *NativeEngine) Close() error {
	e.closeOnce.Do(func() {
		if e.model != nil {
			e.closeErr = e.model.Close()
		}
	})
	return e.closeErr
}

// Transcribe runs whisper.cpp inference on the utterance using a fresh
// context. Samples must be 16 kHz.
func (e *NativeEngine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if req.SampleRate != whisperSampleRate {
		return nil, fmt.Errorf("whisper: %w: native engine needs %d Hz audio, got %d", stt.ErrEngine, whisperSampleRate, req.SampleRate)
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("whisper: %w: %w", stt.ErrEngine, ctx.Err())
	}

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: create context: %w", stt.ErrEngine, err)
	}

	lang := req.Language
	if lang == "" {
		lang = e.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}
	if e.beamSize > 0 {
		wctx.SetBeamSize(e.beamSize)
	}
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}

	// The abort callback is not exposed by the bindings; cancellation is only
	// observed before inference starts.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w: %w", stt.ErrEngine, err)
	}
	if err := wctx.Process(req.Samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: %w: process audio: %w", stt.ErrEngine, err)
	}

	res := &stt.Result{
		Model:    e.modelName,
		Duration: stt.DurationOf(req),
	}
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: %w: read segment: %w", stt.ErrEngine, err)
		}
		res.Segments = append(res.Segments, stt.Segment{
			Text:  segment.Text,
			Start: segment.Start.Seconds(),
			End:   segment.End.Seconds(),
		})
	}

	res.Language = wctx.DetectedLanguage()
	if res.Language == "" && !stt.AutoDetect(lang) {
		res.Language = lang
	}
	return res, nil
}
