package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	e, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := e.buildURL(stt.Request{SampleRate: 16000, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "detect_language", "", q.Get("detect_language"))
}

func TestBuildURL_AutoDetect(t *testing.T) {
	e, _ := New("key", WithModel("base"))
	rawURL, err := e.buildURL(stt.Request{SampleRate: 48000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "", q.Get("language"))
	assertEqual(t, "detect_language", "true", q.Get("detect_language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// ---- transcription ----

const sampleResponse = `{
  "metadata": {"duration": 1.25},
  "results": {"channels": [{
    "detected_language": "en",
    "language_confidence": 0.91,
    "alternatives": [{
      "transcript": "hello there",
      "words": [
        {"word": "hello", "start": 0.1, "end": 0.4},
        {"word": "there", "start": 0.5, "end": 0.9}
      ]
    }]
  }]}
}`

func TestTranscribe(t *testing.T) {
	var gotAuth, gotType string
	var gotBytes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBytes = len(body)
		_, _ = io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	e, _ := New("secret", WithEndpoint(srv.URL+"/v1/listen"))
	res, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 800), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	assertEqual(t, "Authorization", "Token secret", gotAuth)
	assertEqual(t, "Content-Type", "audio/l16", gotType)
	if gotBytes != 1600 {
		t.Errorf("body = %d bytes, want 1600", gotBytes)
	}
	if len(res.Segments) != 1 || res.Segments[0].Text != "hello there" {
		t.Fatalf("segments = %+v", res.Segments)
	}
	if res.Segments[0].Start != 0.1 || res.Segments[0].End != 0.9 {
		t.Errorf("segment bounds = %v..%v", res.Segments[0].Start, res.Segments[0].End)
	}
	if res.Language != "en" || res.LanguageProbability == nil || *res.LanguageProbability != 0.91 {
		t.Errorf("language = %q / %v", res.Language, res.LanguageProbability)
	}
	if res.Duration != 1.25 || res.Model != "nova-3" {
		t.Errorf("duration/model = %v/%q", res.Duration, res.Model)
	}
}

func TestTranscribe_EmptyTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"metadata":{},"results":{"channels":[{"alternatives":[{"transcript":""}]}]}}`)
	}))
	defer srv.Close()

	e, _ := New("k", WithEndpoint(srv.URL))
	res, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 16000), SampleRate: 16000, Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(res.Segments) != 0 {
		t.Errorf("segments = %+v, want none", res.Segments)
	}
	if res.Duration != 1 || res.Language != "en" {
		t.Errorf("duration/language = %v/%q", res.Duration, res.Language)
	}
}

func TestTranscribe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"err_msg":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, _ := New("k", WithEndpoint(srv.URL))
	_, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 10), SampleRate: 16000})
	if !errors.Is(err, stt.ErrEngine) {
		t.Fatalf("err = %v, want ErrEngine", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
