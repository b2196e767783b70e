// Package openai provides an STT engine backed by the OpenAI audio
// transcription API, or any server that implements the same
// /audio/transcriptions endpoint (faster-whisper-server, LocalAI, ...).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Engine implements the stt.Engine interface.
var _ stt.Engine = (*Engine)(nil)

// Engine implements stt.Engine using the OpenAI API.
type Engine struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Engine.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	// Utterances are dropped on failure rather than retried.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Engine{client: client, model: model}, nil
}

// ModelID returns the configured model name.
func (e *Engine) ModelID() string {
	return e.model
}

// verbose is the verbose_json body; the SDK's Transcription type only
// surfaces the joined text.
type verbose struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// Transcribe implements stt.Engine.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("openai stt: %w: invalid sample rate %d", stt.ErrEngine, req.SampleRate)
	}
	wav := audio.EncodeWAV(audio.Float32ToPCM(req.Samples), req.SampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model:          oai.AudioModel(e.model),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	}
	if !stt.AutoDetect(req.Language) {
		params.Language = param.NewOpt(req.Language)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: %w: transcribe: %w", stt.ErrEngine, err)
	}

	res := &stt.Result{Model: e.model}
	var v verbose
	if raw := resp.RawJSON(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("openai stt: %w: parse response: %w", stt.ErrEngine, err)
		}
	}
	res.Duration = v.Duration
	if res.Duration <= 0 {
		res.Duration = stt.DurationOf(req)
	}
	res.Language = v.Language
	if res.Language == "" && !stt.AutoDetect(req.Language) {
		res.Language = req.Language
	}
	for _, s := range v.Segments {
		res.Segments = append(res.Segments, stt.Segment{Text: s.Text, Start: s.Start, End: s.End})
	}
	if len(res.Segments) == 0 && resp.Text != "" {
		res.Segments = []stt.Segment{{Text: resp.Text, End: res.Duration}}
	}
	return res, nil
}
