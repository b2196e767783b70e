// Package whisper provides whisper.cpp-backed STT engines.
//
// [Engine] talks to a running whisper-server binary (POST /inference) and
// [NativeEngine] runs the model in-process through the whisper.cpp CGO
// bindings. Both take one complete utterance per call; utterance
// segmentation happens upstream in the listener pipeline.
//
// Usage:
//
//	e, err := whisper.New("http://localhost:8080", whisper.WithModel("base.en"))
//	res, err := e.Transcribe(ctx, stt.Request{Samples: samples, SampleRate: 16000, Language: "en"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	// maxErrorBody caps how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small") and reported in results. When empty the server
// uses whichever model it was started with, which is the default.
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the fallback language used when a request carries none.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithTemperature sets the decoding temperature sent to the server.
func WithTemperature(t float64) Option {
	return func(e *Engine) {
		e.temperature = &t
	}
}

// Engine implements stt.Engine backed by a whisper.cpp HTTP server.
type Engine struct {
	serverURL   string
	model       string
	language    string
	temperature *float64
	httpClient  *http.Client
}

// New creates a new Engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// verboseResponse is the subset of whisper-server's verbose_json output we use.
type verboseResponse struct {
	Text                        string   `json:"text"`
	Language                    string   `json:"language"`
	Duration                    float64  `json:"duration"`
	DetectedLanguage            string   `json:"detected_language"`
	DetectedLanguageProbability *float64 `json:"detected_language_probability"`
	Segments                    []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// Transcribe encodes the utterance as WAV and POSTs it to the /inference
// endpoint as multipart/form-data.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("whisper: %w: invalid sample rate %d", stt.ErrEngine, req.SampleRate)
	}
	lang := req.Language
	if lang == "" {
		lang = e.language
	}

	wav := audio.EncodeWAV(audio.Float32ToPCM(req.Samples), req.SampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: create form file: %w", stt.ErrEngine, err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: %w: write wav data: %w", stt.ErrEngine, err)
	}

	fields := map[string]string{"response_format": "verbose_json"}
	if lang != "" {
		fields["language"] = lang
	}
	if e.model != "" {
		fields["model"] = e.model
	}
	if e.temperature != nil {
		fields["temperature"] = fmt.Sprintf("%g", *e.temperature)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: %w: write %s field: %w", stt.ErrEngine, k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: %w: close multipart writer: %w", stt.ErrEngine, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: create request: %w", stt.ErrEngine, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: http request: %w", stt.ErrEngine, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: read response body: %w", stt.ErrEngine, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data[:min(len(data), maxErrorBody)]))
		return nil, fmt.Errorf("whisper: %w: server returned HTTP %d: %s", stt.ErrEngine, resp.StatusCode, msg)
	}

	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("whisper: %w: parse JSON response: %w", stt.ErrEngine, err)
	}
	return e.toResult(vr, req, lang), nil
}

func (e *Engine) toResult(vr verboseResponse, req stt.Request, lang string) *stt.Result {
	res := &stt.Result{
		Duration: vr.Duration,
		Model:    e.model,
	}
	if res.Model == "" {
		res.Model = "whisper-server"
	}
	if res.Duration <= 0 {
		res.Duration = stt.DurationOf(req)
	}

	switch {
	case vr.DetectedLanguage != "":
		res.Language = vr.DetectedLanguage
		res.LanguageProbability = vr.DetectedLanguageProbability
	case vr.Language != "":
		res.Language = vr.Language
	case !stt.AutoDetect(lang):
		res.Language = lang
	}

	if len(vr.Segments) > 0 {
		for _, s := range vr.Segments {
			res.Segments = append(res.Segments, stt.Segment{Text: s.Text, Start: s.Start, End: s.End})
		}
	} else if strings.TrimSpace(vr.Text) != "" {
		// Plain json responses carry only the joined text.
		res.Segments = []stt.Segment{{Text: vr.Text, End: res.Duration}}
	}
	return res
}
