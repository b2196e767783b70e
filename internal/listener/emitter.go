package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/memory"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

// Callback receives every non-empty transcript. It runs synchronously on the
// process loop; a slow callback delays transcription of the next utterance.
type Callback func(ctx context.Context, t memory.Transcript) error

// EmitterConfig configures an [Emitter].
type EmitterConfig struct {
	// Source is the capture tag stamped on every transcript.
	Source string

	// Speaker is stamped on every transcript. Empty means
	// [memory.DefaultSpeaker].
	Speaker string

	// Language is passed to the engine. Empty or "auto" requests detection.
	Language string

	// SessionID is recorded in transcript metadata.
	SessionID string

	// Metrics receives latency and outcome measurements. Nil disables them.
	Metrics *observe.Metrics

	// Now overrides the transcript clock. Nil means time.Now.
	Now func() time.Time
}

// Emitter runs the engine on assembled utterances and delivers the resulting
// transcripts to a callback.
type Emitter struct {
	engine stt.Engine
	cfg    EmitterConfig
}

// NewEmitter returns an emitter backed by engine.
func NewEmitter(engine stt.Engine, cfg EmitterConfig) *Emitter {
	if cfg.Speaker == "" {
		cfg.Speaker = memory.DefaultSpeaker
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Emitter{engine: engine, cfg: cfg}
}

// Emit transcribes u and hands a non-empty transcript to cb. Engine and
// callback failures are logged and counted, never returned: the caller moves
// on to the next utterance either way. It reports whether a transcript was
// delivered successfully.
func (e *Emitter) Emit(ctx context.Context, u Utterance, cb Callback) (memory.Transcript, bool) {
	log := slog.With("session_id", e.cfg.SessionID, "source", e.cfg.Source)

	res, err := e.Transcribe(ctx, u)
	if err != nil {
		log.Warn("listener: transcription failed, utterance dropped",
			"err", err,
			"duration", u.Duration,
			"bytes", len(u.PCM),
		)
		e.record(ctx, observe.OutcomeEngineError)
		return memory.Transcript{}, false
	}

	t, ok := e.Build(res)
	if !ok {
		log.Debug("listener: empty transcription, nothing emitted", "duration", u.Duration)
		e.record(ctx, observe.OutcomeEmpty)
		return memory.Transcript{}, false
	}

	if err := deliver(ctx, cb, t); err != nil {
		log.Error("listener: transcript callback failed", "err", err, "text_len", len(t.Text))
		e.record(ctx, observe.OutcomeCallbackError)
		return t, false
	}
	log.Info("listener: transcript emitted",
		"duration", u.Duration,
		"language", t.Metadata[memory.MetaLanguage],
		"text_len", len(t.Text),
	)
	e.record(ctx, observe.OutcomeTranscribed)
	return t, true
}

// Transcribe resamples u to [stt.SampleRate], converts it to normalised
// float samples and runs the engine.
func (e *Emitter) Transcribe(ctx context.Context, u Utterance) (*stt.Result, error) {
	ctx, span := observe.StartUtteranceSpan(ctx, e.cfg.SessionID, u.Duration, len(u.Frames))
	defer span.End()

	pcm := u.PCM
	if u.SampleRate != stt.SampleRate {
		pcm = audio.ResampleMono16(pcm, u.SampleRate, stt.SampleRate)
	}
	req := stt.Request{
		Samples:    audio.PCMToFloat32(pcm),
		SampleRate: stt.SampleRate,
		Language:   e.cfg.Language,
	}
	start := time.Now()
	res, err := e.engine.Transcribe(ctx, req)
	elapsed := time.Since(start)

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.STTDuration.Record(ctx, elapsed.Seconds())
		e.cfg.Metrics.UtteranceLength.Record(ctx, u.Duration.Seconds())
	}
	if err != nil {
		observe.Fail(span, err, "transcription failed")
		if !errors.Is(err, stt.ErrEngine) {
			err = fmt.Errorf("%w: %w", stt.ErrEngine, err)
		}
		return nil, err
	}
	if res == nil {
		res = &stt.Result{}
	}
	return res, nil
}

// Build turns an engine result into a transcript. It reports false when the
// joined text is empty.
func (e *Emitter) Build(res *stt.Result) (memory.Transcript, bool) {
	text := JoinSegments(res.Segments)
	if text == "" {
		return memory.Transcript{}, false
	}

	lang := res.Language
	if lang == "" && !stt.AutoDetect(e.cfg.Language) {
		lang = e.cfg.Language
	}
	meta := map[string]any{
		memory.MetaModel:    res.Model,
		memory.MetaLanguage: lang,
		memory.MetaDuration: res.Duration,
	}
	if res.LanguageProbability != nil {
		meta[memory.MetaLanguageProbability] = *res.LanguageProbability
	}
	if e.cfg.SessionID != "" {
		meta[memory.MetaSessionID] = e.cfg.SessionID
	}

	return memory.Transcript{
		Timestamp: e.cfg.Now().UTC(),
		Source:    e.cfg.Source,
		Speaker:   e.cfg.Speaker,
		Text:      text,
		Metadata:  meta,
	}, true
}

// JoinSegments joins segment texts with a single space and trims the result.
// Segment text is otherwise kept as the engine produced it.
func JoinSegments(segs []stt.Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// deliver calls cb, converting errors and panics into ErrCallback.
func deliver(ctx context.Context, cb Callback, t memory.Transcript) (err error) {
	if cb == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrCallback, r)
		}
	}()
	if cbErr := cb(ctx, t); cbErr != nil {
		return fmt.Errorf("%w: %w", ErrCallback, cbErr)
	}
	return nil
}

func (e *Emitter) record(ctx context.Context, outcome string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordUtterance(ctx, outcome)
	}
}
