// Package audiotool provides the MCP tools that control audio capture and
// query the stored transcripts.
//
// Four tools are exported via [NewTools]:
//   - "start_listening": open a capture device and begin transcribing.
//   - "stop_listening": end the running session.
//   - "get_transcript": list transcripts from the last N minutes.
//   - "search_audio": full-text search over recent transcripts.
//
// Handlers never fail on bad input: argument problems and backend errors are
// reported to the client as a text result. All handlers are safe for
// concurrent use.
package audiotool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/contextengine/internal/listener"
	"github.com/MrWong99/contextengine/internal/mcp/tools"
	"github.com/MrWong99/contextengine/pkg/memory"
)

// Argument defaults.
const (
	DefaultMinutes  = 5
	DefaultDaysBack = 7
)

// Tool names.
const (
	ToolStartListening = "start_listening"
	ToolStopListening  = "stop_listening"
	ToolGetTranscript  = "get_transcript"
	ToolSearchAudio    = "search_audio"
)

type startArgs struct {
	Source   string `json:"source,omitempty"`
	Language string `json:"language,omitempty"`
}

type transcriptArgs struct {
	Minutes *float64 `json:"minutes,omitempty"`
	Source  string   `json:"source,omitempty"`
}

type searchArgs struct {
	Query    string   `json:"query"`
	DaysBack *float64 `json:"days_back,omitempty"`
	Limit    *int     `json:"limit,omitempty"`
}

// decode unmarshals args into v. Empty input decodes to the zero value.
func decode(args string, v any) error {
	args = strings.TrimSpace(args)
	if args == "" || args == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func makeStartHandler(svc *Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a startArgs
		if err := decode(args, &a); err != nil {
			return "Error starting transcription: " + err.Error(), nil
		}
		if a.Source == "" {
			a.Source = memory.SourceMicrophone
		}

		err := svc.Start(ctx, a.Source, a.Language)
		switch {
		case errors.Is(err, listener.ErrAlreadyListening):
			return "Transcription is already active.", nil
		case err != nil:
			slog.Error("audiotool: start listening", "source", a.Source, "err", err)
			return "Error starting transcription: " + err.Error(), nil
		}
		return fmt.Sprintf("Started listening to %s. Transcription is now active.", a.Source), nil
	}
}

func makeStopHandler(svc *Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, _ string) (string, error) {
		stopped, err := svc.Stop(ctx)
		if err != nil {
			slog.Error("audiotool: stop listening", "err", err)
			return "Error stopping transcription: " + err.Error(), nil
		}
		if !stopped {
			return "Transcription is not currently active.", nil
		}
		return "Stopped listening. Transcription is now inactive.", nil
	}
}

func makeTranscriptHandler(svc *Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a transcriptArgs
		if err := decode(args, &a); err != nil {
			return "Error: " + err.Error(), nil
		}
		minutes := float64(DefaultMinutes)
		if a.Minutes != nil {
			minutes = *a.Minutes
		}
		if minutes <= 0 {
			return "Error: 'minutes' must be a positive number", nil
		}
		source := a.Source
		if source == "" {
			source = memory.SourceMicrophone
		}

		window := time.Duration(minutes * float64(time.Minute))
		records, err := svc.Recent(ctx, window, source)
		if err != nil {
			slog.Error("audiotool: get transcripts", "err", err)
			return "Error getting transcripts: " + err.Error(), nil
		}
		if len(records) == 0 {
			return fmt.Sprintf("No transcripts found in the last %s minutes.", number(minutes)), nil
		}

		lines := []string{fmt.Sprintf("# Transcripts from last %s minutes\n", number(minutes))}
		for _, t := range records {
			lines = append(lines, fmt.Sprintf("[%s] %s", t.Timestamp.In(svc.loc).Format(time.TimeOnly), t.Text))
		}
		return strings.Join(lines, "\n"), nil
	}
}

func makeSearchHandler(svc *Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchArgs
		if err := decode(args, &a); err != nil {
			return "Error: " + err.Error(), nil
		}
		query := strings.TrimSpace(a.Query)
		if query == "" {
			return "Error: 'query' parameter is required", nil
		}
		days := float64(DefaultDaysBack)
		if a.DaysBack != nil {
			days = *a.DaysBack
		}
		if days <= 0 {
			return "Error: 'days_back' must be a positive number", nil
		}
		limit := memory.DefaultSearchLimit
		if a.Limit != nil {
			limit = *a.Limit
		}
		if limit <= 0 {
			return "Error: 'limit' must be a positive integer", nil
		}

		within := time.Duration(days * float64(24*time.Hour))
		results, err := svc.Search(ctx, query, within, limit)
		if err != nil {
			slog.Error("audiotool: search transcripts", "query", query, "err", err)
			return "Error searching transcripts: " + err.Error(), nil
		}
		if len(results) == 0 {
			return fmt.Sprintf("No transcripts found matching '%s' in the last %s days.", query, number(days)), nil
		}

		lines := []string{fmt.Sprintf("# Search results for '%s' (%d matches)\n", query, len(results))}
		for _, t := range results {
			lines = append(lines,
				fmt.Sprintf("**%s** (%s)", t.Timestamp.In(svc.loc).Format(time.DateTime), t.Source),
				t.Text+"\n",
			)
		}
		return strings.Join(lines, "\n"), nil
	}
}

// NewTools constructs the audio capture tools backed by svc.
func NewTools(svc *Service) []tools.Tool {
	return []tools.Tool{
		{
			Definition: tools.Definition{
				Name:        ToolStartListening,
				Description: "Start real-time audio transcription from the microphone or system audio. Transcripts are stored as they are recognised.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source": map[string]any{
							"type":        "string",
							"enum":        []string{memory.SourceMicrophone, memory.SourceSystemAudio, SourceBoth},
							"default":     memory.SourceMicrophone,
							"description": "Audio source to capture.",
						},
						"language": map[string]any{
							"type":        "string",
							"default":     listener.DefaultLanguage,
							"description": "Language code (e.g. 'en', 'es', 'fr'), or 'auto' to detect.",
						},
					},
				},
			},
			Handler:     makeStartHandler(svc),
			DeclaredP50: 500,
			DeclaredMax: 30000,
		},
		{
			Definition: tools.Definition{
				Name:        ToolStopListening,
				Description: "Stop audio transcription. Speech captured so far is still transcribed.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Handler:     makeStopHandler(svc),
			DeclaredP50: 200,
			DeclaredMax: 10000,
		},
		{
			Definition: tools.Definition{
				Name:        ToolGetTranscript,
				Description: "Get the recent transcript from the last N minutes, oldest first.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"minutes": map[string]any{
							"type":        "number",
							"default":     DefaultMinutes,
							"description": "How many minutes back to retrieve transcripts.",
						},
						"source": map[string]any{
							"type":        "string",
							"default":     memory.SourceMicrophone,
							"description": "Only return transcripts from this source.",
						},
					},
				},
			},
			Handler:     makeTranscriptHandler(svc),
			DeclaredP50: 20,
			DeclaredMax: 2000,
		},
		{
			Definition: tools.Definition{
				Name:        ToolSearchAudio,
				Description: "Search audio transcripts by keyword. Every word of the query must appear; results are newest first.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Words to search for.",
						},
						"days_back": map[string]any{
							"type":        "number",
							"default":     DefaultDaysBack,
							"description": "Number of days to search.",
						},
						"limit": map[string]any{
							"type":        "integer",
							"default":     memory.DefaultSearchLimit,
							"description": "Maximum number of results.",
						},
					},
					"required": []string{"query"},
				},
			},
			Handler:     makeSearchHandler(svc),
			DeclaredP50: 30,
			DeclaredMax: 2000,
		},
	}
}
