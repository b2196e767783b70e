// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (an energy detector, WebRTC
// VAD, a neural model) and surfaces it as a stateful, per-stream session. Each
// session keeps its own state (smoothing history, noise floor estimates) so
// that independent audio streams can be processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// which makes it suitable for the capture pipeline stage that gates
// transcription input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
	"slices"
)

// MaxAggressiveness is the strictest aggressiveness level.
const MaxAggressiveness = 3

// ErrFrameSize is returned by ProcessFrame when a frame does not match the
// session's configured frame size.
var ErrFrameSize = errors.New("vad: frame size mismatch")

var (
	validSampleRates = []int{8000, 16000, 32000, 48000}
	validFrameSizes  = []int{10, 20, 30}
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. One of 8000, 16000, 32000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds: 10, 20
	// or 30. ProcessFrame returns [ErrFrameSize] if the supplied frame does not
	// match.
	FrameSizeMs int

	// Aggressiveness ranges from 0 to [MaxAggressiveness]. Higher levels are
	// less tolerant of noise and more likely to reject weak speech.
	Aggressiveness int
}

// Validate reports whether the configuration is usable by any engine.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(validSampleRates, c.SampleRate) {
		errs = append(errs, fmt.Errorf("vad: unsupported sample rate %d", c.SampleRate))
	}
	if !slices.Contains(validFrameSizes, c.FrameSizeMs) {
		errs = append(errs, fmt.Errorf("vad: unsupported frame size %d ms", c.FrameSizeMs))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > MaxAggressiveness {
		errs = append(errs, fmt.Errorf("vad: aggressiveness %d out of range [0, %d]", c.Aggressiveness, MaxAggressiveness))
	}
	return errors.Join(errs...)
}

// FrameBytes is the byte length of one 16-bit mono frame under this config.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream.
// Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection result.
	// The frame must be raw little-endian 16-bit mono PCM at the SampleRate and
	// FrameSizeMs configured when the session was created.
	//
	// It is called synchronously in the capture pipeline and must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state. Use it when the audio
	// stream restarts so that stale history does not affect the new stream.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
