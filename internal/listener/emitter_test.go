package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/pkg/audio"
	audiomock "github.com/MrWong99/contextengine/pkg/audio/mock"
	"github.com/MrWong99/contextengine/pkg/memory"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
	sttmock "github.com/MrWong99/contextengine/pkg/provider/stt/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testUtterance(values ...int16) Utterance {
	var u Utterance
	for i, v := range values {
		f := audio.AudioFrame{
			Data:       audiomock.FrameData(audio.DefaultFormat, v),
			SampleRate: audio.DefaultFormat.SampleRate,
			Seq:        uint64(i + 1),
		}
		u.Frames = append(u.Frames, f)
		u.PCM = append(u.PCM, f.Data...)
	}
	u.SampleRate = audio.DefaultFormat.SampleRate
	u.Duration = audio.DefaultFormat.DurationOf(len(u.PCM))
	return u
}

func TestJoinSegments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		segs []string
		want string
	}{
		{"single", []string{"hello"}, "hello"},
		{"trims only the ends", []string{" hello", " world "}, "hello  world"},
		{"keeps inner segment spacing", []string{"one", "", "two"}, "one  two"},
		{"leading engine space", []string{" Ship it", " today."}, "Ship it  today."},
		{"all blank", []string{" ", "\n"}, ""},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var segs []stt.Segment
			for _, s := range tt.segs {
				segs = append(segs, stt.Segment{Text: s})
			}
			if got := JoinSegments(segs); got != tt.want {
				t.Errorf("JoinSegments(%q) = %q, want %q", tt.segs, got, tt.want)
			}
		})
	}
}

func TestEmitter_Build(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	prob := 0.87
	e := NewEmitter(&sttmock.Engine{}, EmitterConfig{
		Source:    memory.SourceMicrophone,
		Language:  "en",
		SessionID: "sess-1",
		Now:       func() time.Time { return fixed },
	})

	tr, ok := e.Build(&stt.Result{
		Segments:            []stt.Segment{{Text: " Ship it"}, {Text: "today. "}},
		Language:            "en",
		LanguageProbability: &prob,
		Duration:            1.5,
		Model:               "base.en",
	})
	if !ok {
		t.Fatal("Build reported empty")
	}
	if tr.Text != "Ship it today." {
		t.Errorf("Text = %q", tr.Text)
	}
	if tr.Source != memory.SourceMicrophone || tr.Speaker != memory.DefaultSpeaker {
		t.Errorf("Source/Speaker = %q/%q", tr.Source, tr.Speaker)
	}
	if !tr.Timestamp.Equal(fixed) || tr.Confidence != nil || tr.ID != 0 {
		t.Errorf("Timestamp/Confidence/ID = %v/%v/%d", tr.Timestamp, tr.Confidence, tr.ID)
	}
	want := map[string]any{
		memory.MetaModel:               "base.en",
		memory.MetaLanguage:            "en",
		memory.MetaLanguageProbability: 0.87,
		memory.MetaDuration:            1.5,
		memory.MetaSessionID:           "sess-1",
	}
	for k, v := range want {
		if tr.Metadata[k] != v {
			t.Errorf("Metadata[%q] = %v, want %v", k, tr.Metadata[k], v)
		}
	}
}

func TestEmitter_BuildOmitsUnknownProbability(t *testing.T) {
	t.Parallel()
	e := NewEmitter(&sttmock.Engine{}, EmitterConfig{Source: memory.SourceMicrophone, Language: "de"})
	tr, ok := e.Build(&stt.Result{Segments: []stt.Segment{{Text: "hallo"}}})
	if !ok {
		t.Fatal("Build reported empty")
	}
	if _, present := tr.Metadata[memory.MetaLanguageProbability]; present {
		t.Error("language_probability present without engine support")
	}
	if tr.Metadata[memory.MetaLanguage] != "de" {
		t.Errorf("language = %v, want request language", tr.Metadata[memory.MetaLanguage])
	}
}

func TestEmitter_Emit(t *testing.T) {
	t.Parallel()
	eng := &sttmock.Engine{Result: sttmock.Text("hello")}
	e := NewEmitter(eng, EmitterConfig{Source: memory.SourceMicrophone, Language: "en", Metrics: testMetrics(t)})

	var got []memory.Transcript
	tr, ok := e.Emit(context.Background(), testUtterance(16384, -32768), func(_ context.Context, t memory.Transcript) error {
		got = append(got, t)
		return nil
	})
	if !ok || tr.Text != "hello" || len(got) != 1 {
		t.Fatalf("Emit = %+v, %v; callback got %d", tr, ok, len(got))
	}

	reqs := eng.Requests()
	if len(reqs) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	n := audio.DefaultFormat.FrameSamples()
	if len(req.Samples) != 2*n || req.SampleRate != 16000 || req.Language != "en" {
		t.Fatalf("request = %d samples @ %d Hz lang %q", len(req.Samples), req.SampleRate, req.Language)
	}
	if req.Samples[0] != 0.5 || req.Samples[n] != -1 {
		t.Errorf("samples = %v, %v; want 0.5, -1", req.Samples[0], req.Samples[n])
	}
}

func TestEmitter_EmptyResultSkipsCallback(t *testing.T) {
	t.Parallel()
	e := NewEmitter(&sttmock.Engine{Result: sttmock.Text("  ", "")}, EmitterConfig{Source: memory.SourceMicrophone})
	called := false
	if _, ok := e.Emit(context.Background(), testUtterance(1), func(context.Context, memory.Transcript) error {
		called = true
		return nil
	}); ok {
		t.Error("Emit reported success for empty text")
	}
	if called {
		t.Error("callback invoked for empty text")
	}
}

func TestEmitter_EngineErrorDropsUtterance(t *testing.T) {
	t.Parallel()
	eng := &sttmock.Engine{Err: errors.New("model crashed")}
	e := NewEmitter(eng, EmitterConfig{Source: memory.SourceMicrophone})

	if _, err := e.Transcribe(context.Background(), testUtterance(1)); !errors.Is(err, stt.ErrEngine) {
		t.Errorf("Transcribe err = %v, want ErrEngine", err)
	}
	called := false
	if _, ok := e.Emit(context.Background(), testUtterance(1), func(context.Context, memory.Transcript) error {
		called = true
		return nil
	}); ok || called {
		t.Errorf("Emit ok=%v called=%v after engine error", ok, called)
	}
	if eng.CallCount() != 2 {
		t.Errorf("engine calls = %d, want 2 (no retries)", eng.CallCount())
	}
}

func TestEmitter_CallbackFailuresContained(t *testing.T) {
	t.Parallel()
	e := NewEmitter(&sttmock.Engine{Result: sttmock.Text("hi")}, EmitterConfig{Source: memory.SourceMicrophone})

	tests := []struct {
		name string
		cb   Callback
	}{
		{"error", func(context.Context, memory.Transcript) error { return errors.New("disk full") }},
		{"panic", func(context.Context, memory.Transcript) error { panic("nil map") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := e.Emit(context.Background(), testUtterance(1), tt.cb)
			if ok {
				t.Error("Emit reported success")
			}
			if tr.Text != "hi" {
				t.Errorf("transcript = %+v, want the built record", tr)
			}
		})
	}

	err := deliver(context.Background(), func(context.Context, memory.Transcript) error { panic("boom") }, memory.Transcript{})
	if !errors.Is(err, ErrCallback) {
		t.Errorf("deliver err = %v, want ErrCallback", err)
	}
}
