// Package deepgram provides a Deepgram-backed STT engine using the Deepgram
// pre-recorded audio REST API. It implements the stt.Engine interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultTimeout   = 60 * time.Second
)

// Ensure Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithEndpoint overrides the listen endpoint (for self-hosted deployments and tests).
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) {
		e.endpoint = endpoint
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// Engine implements stt.Engine backed by the Deepgram REST API.
type Engine struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   deepgramEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// buildURL constructs the listen endpoint URL for the given request.
func (e *Engine) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", e.model)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(req.SampleRate))
	q.Set("channels", "1")
	if stt.AutoDetect(req.Language) {
		q.Set("detect_language", "true")
	} else {
		q.Set("language", req.Language)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenResponse is the subset of the pre-recorded response we use.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage   string   `json:"detected_language"`
			LanguageConfidence *float64 `json:"language_confidence"`
			Alternatives       []struct {
				Transcript string `json:"transcript"`
				Words      []struct {
					Word           string  `json:"word"`
					PunctuatedWord string  `json:"punctuated_word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Engine. The utterance is sent as raw linear16 PCM.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("deepgram: %w: invalid sample rate %d", stt.ErrEngine, req.SampleRate)
	}
	endpoint, err := e.buildURL(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w: build url: %w", stt.ErrEngine, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio.Float32ToPCM(req.Samples)))
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w: create request: %w", stt.ErrEngine, err)
	}
	httpReq.Header.Set("Authorization", "Token "+e.apiKey)
	httpReq.Header.Set("Content-Type", "audio/l16")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w: http request: %w", stt.ErrEngine, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w: read response: %w", stt.ErrEngine, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: %w: HTTP %d: %s", stt.ErrEngine, resp.StatusCode, strings.TrimSpace(string(data[:min(len(data), 512)])))
	}

	return e.parse(data, req)
}

func (e *Engine) parse(data []byte, req stt.Request) (*stt.Result, error) {
	var lr listenResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, fmt.Errorf("deepgram: %w: parse response: %w", stt.ErrEngine, err)
	}

	res := &stt.Result{Model: e.model, Duration: lr.Metadata.Duration}
	if res.Duration <= 0 {
		res.Duration = stt.DurationOf(req)
	}
	if !stt.AutoDetect(req.Language) {
		res.Language = req.Language
	}
	if len(lr.Results.Channels) == 0 {
		return res, nil
	}
	ch := lr.Results.Channels[0]
	if ch.DetectedLanguage != "" {
		res.Language = ch.DetectedLanguage
		res.LanguageProbability = ch.LanguageConfidence
	}
	if len(ch.Alternatives) == 0 {
		return res, nil
	}
	alt := ch.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return res, nil
	}
	seg := stt.Segment{Text: alt.Transcript}
	if n := len(alt.Words); n > 0 {
		seg.Start = alt.Words[0].Start
		seg.End = alt.Words[n-1].End
	}
	res.Segments = []stt.Segment{seg}
	return res, nil
}
