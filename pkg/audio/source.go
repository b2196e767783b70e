package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is wrapped by [Source.Open] when the capture device
// cannot be opened. It is fatal to a start attempt.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// ErrRead is wrapped by [Source.ReadFrame] when a frame cannot be read. It
// ends the capture loop of the current listening session.
var ErrRead = errors.New("audio read failed")

// ErrClosed is returned by [Source.ReadFrame] after Close.
var ErrClosed = errors.New("audio source closed")

// Source abstracts a capture device that produces fixed-size frames.
//
// A Source may be opened again after Close; implementations keep no state
// across sessions other than their configuration. ReadFrame is only ever
// called from a single goroutine, but Close may be called concurrently with a
// blocked ReadFrame and must unblock it.
type Source interface {
	// Open acquires the device. Errors wrap [ErrDeviceUnavailable].
	Open(ctx context.Context) error

	// ReadFrame blocks until one full frame is available. Errors wrap
	// [ErrRead], or are [ErrClosed] when the source was closed.
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Close releases the device. Calling Close more than once is safe.
	Close() error

	// Format reports the frame layout produced by ReadFrame.
	Format() Format
}
