package whisper_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/contextengine/pkg/provider/stt"
	"github.com/MrWong99/contextengine/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("/nonexistent/path/to/model.bin")
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestModelName(t *testing.T) {
	tests := map[string]string{
		"/models/ggml-base.en.bin": "base.en",
		"ggml-small.bin":           "small",
		"custom.bin":               "custom",
	}
	for in, want := range tests {
		if got := whisper.ModelName(in); got != want {
			t.Errorf("ModelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNativeTranscribe_Silence(t *testing.T) {
	modelPath := testModelPath(t)
	e, err := whisper.NewNative(modelPath, whisper.WithNativeBeamSize(1))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer e.Close()

	res, err := e.Transcribe(context.Background(), stt.Request{
		Samples:    make([]float32, 16000),
		SampleRate: 16000,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Duration != 1 {
		t.Errorf("Duration = %v, want 1", res.Duration)
	}
	if res.Model == "" {
		t.Error("Model should be set")
	}
	for _, s := range res.Segments {
		// whisper tends to emit bracketed annotations for silence.
		if txt := strings.TrimSpace(s.Text); txt != "" && !strings.HasPrefix(txt, "[") && !strings.HasPrefix(txt, "(") {
			t.Logf("unexpected text for silence: %q", txt)
		}
	}
}

func TestNativeTranscribe_WrongSampleRate(t *testing.T) {
	modelPath := testModelPath(t)
	e, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer e.Close()

	_, err = e.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 480), SampleRate: 48000})
	if !errors.Is(err, stt.ErrEngine) {
		t.Errorf("err = %v, want ErrEngine", err)
	}
}

func TestNativeClose_Idempotent(t *testing.T) {
	modelPath := testModelPath(t)
	e, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
