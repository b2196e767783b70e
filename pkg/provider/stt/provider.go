// Package stt defines the Engine interface for Speech-to-Text backends.
//
// An STT engine wraps a batch transcription backend (whisper.cpp in-process,
// a whisper-server over HTTP, the OpenAI transcription API, Deepgram) and
// exposes a uniform request/response call: one complete utterance of
// normalised float samples in, ordered text segments plus language metadata
// out. Segmentation into utterances happens upstream; engines never see
// partial speech.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEngine is wrapped by every error returned from [Engine.Transcribe]. The
// caller drops the utterance; engine calls are never retried.
var ErrEngine = errors.New("stt engine error")

// SampleRate is the rate the pipeline delivers to every engine. whisper.cpp
// models only accept 16 kHz.
const SampleRate = 16000

// Engine is the interface implemented by each STT backend.
type Engine interface {
	// Transcribe runs recognition on a single utterance. Cancelling ctx aborts
	// the call where the backend supports it. Errors wrap [ErrEngine].
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// Closer is implemented by engines that hold resources (model weights, pooled
// connections) which must be released at shutdown.
type Closer interface {
	Close() error
}

// Request is one utterance submitted for transcription.
type Request struct {
	// Samples are mono samples normalised to [-1.0, 1.0).
	Samples []float32

	// SampleRate of Samples in Hz. The pipeline always sends [SampleRate].
	SampleRate int

	// Language is an ISO-639-1 code such as "en" or "de". Empty or "auto"
	// asks the engine to detect the language, where supported.
	Language string
}

// Result is the engine output for one utterance.
type Result struct {
	// Segments in playback order. May be empty when the engine heard nothing.
	Segments []Segment

	// Language is the detected (or forced) language code. May be empty.
	Language string

	// LanguageProbability is the detector's confidence in Language. Nil when
	// the engine does not report it.
	LanguageProbability *float64

	// Duration is the length of the submitted audio as reported by the engine,
	// or computed from the request when the engine does not report it.
	Duration float64

	// Model identifies the model that produced the result.
	Model string
}

// Segment is a contiguous piece of recognised text.
type Segment struct {
	Text  string
	Start float64 // seconds from utterance start
	End   float64
}

// DurationOf returns the length of req in seconds.
func DurationOf(req Request) float64 {
	if req.SampleRate <= 0 {
		return 0
	}
	return float64(len(req.Samples)) / float64(req.SampleRate)
}

// AutoDetect reports whether lang asks for automatic language detection.
func AutoDetect(lang string) bool {
	return lang == "" || lang == "auto"
}
