// Package audio defines the frame type and the capture-device abstraction used
// by the transcription pipeline.
//
// All audio inside the pipeline is 16-bit signed little-endian mono PCM cut
// into fixed-duration frames. A [Source] produces frames of exactly
// [Format.FrameBytes] bytes; everything downstream (VAD, utterance assembly,
// transcription) relies on that size being constant for the lifetime of a
// listening session.
package audio

import (
	"fmt"
	"slices"
	"time"
)

// bytesPerSample is fixed: the pipeline only carries 16-bit PCM.
const bytesPerSample = 2

// ValidSampleRates lists the sample rates accepted by [Format.Validate].
var ValidSampleRates = []int{8000, 16000, 32000, 48000}

// ValidFrameDurations lists the frame durations (ms) accepted by [Format.Validate].
var ValidFrameDurations = []int{10, 20, 30}

// Format describes the frame layout of a capture stream.
type Format struct {
	// SampleRate in Hz. One of [ValidSampleRates].
	SampleRate int

	// FrameDurationMs is the duration of each frame in milliseconds.
	// One of [ValidFrameDurations].
	FrameDurationMs int
}

// DefaultFormat is 16 kHz mono with 30 ms frames.
var DefaultFormat = Format{SampleRate: 16000, FrameDurationMs: 30}

// Validate reports whether f uses a supported sample rate and frame duration.
func (f Format) Validate() error {
	if !slices.Contains(ValidSampleRates, f.SampleRate) {
		return fmt.Errorf("audio: unsupported sample rate %d; valid: %v", f.SampleRate, ValidSampleRates)
	}
	if !slices.Contains(ValidFrameDurations, f.FrameDurationMs) {
		return fmt.Errorf("audio: unsupported frame duration %d ms; valid: %v", f.FrameDurationMs, ValidFrameDurations)
	}
	return nil
}

// FrameSamples is the number of samples in one frame.
func (f Format) FrameSamples() int {
	return f.SampleRate * f.FrameDurationMs / 1000
}

// FrameBytes is the number of PCM bytes in one frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * bytesPerSample
}

// FrameDuration returns the frame duration as a [time.Duration].
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.FrameDurationMs) * time.Millisecond
}

// DurationOf returns the playback duration of n bytes of PCM in this format.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// AudioFrame is one fixed-size slice of captured PCM. A frame is never
// modified after the source returns it; ownership passes to whoever receives
// it from the pipeline queue.
type AudioFrame struct {
	// Data is 16-bit signed little-endian mono PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Seq is the 1-based index of the frame within its capture session.
	Seq uint64

	// CapturedAt is the wall-clock time the frame was read from the device.
	CapturedAt time.Time
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Data)/bytesPerSample) * time.Second / time.Duration(f.SampleRate)
}
