// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The Source is safe for concurrent use. It replays a scripted list of frame
// payloads, records every method call so that tests can assert on call counts,
// and exposes exported fields that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Fmt:    audio.DefaultFormat,
//	    Frames: [][]byte{silence, speech, speech, silence},
//	}
//	_ = src.Open(ctx)
//	f, err := src.ReadFrame(ctx)
package mock

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source].
// Set the exported fields before Open; inspect the CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// Fmt is returned by [Source.Format]. Zero means [audio.DefaultFormat].
	Fmt audio.Format

	// Frames are the payloads returned by successive ReadFrame calls. They are
	// replayed from the start after every Open.
	Frames [][]byte

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// ReadErr, if non-nil, is returned (wrapped in [audio.ErrRead]) once all
	// Frames have been consumed. When nil, ReadFrame blocks after the last
	// frame until Close or context cancellation.
	ReadErr error

	// Interval, when positive, delays each ReadFrame to mimic device pacing.
	Interval time.Duration

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int

	pos     int
	open    bool
	closed  chan struct{}
	drained chan struct{}
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return fmt.Errorf("mock source: open: %w", s.OpenErr)
	}
	s.pos = 0
	s.open = true
	s.closed = make(chan struct{})
	s.drained = make(chan struct{})
	if len(s.Frames) == 0 {
		close(s.drained)
	}
	return nil
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	s.CallCountReadFrame++
	if !s.open {
		s.mu.Unlock()
		return audio.AudioFrame{}, audio.ErrClosed
	}
	closed := s.closed
	interval := s.Interval
	s.mu.Unlock()

	if interval > 0 {
		select {
		case <-time.After(interval):
		case <-closed:
			return audio.AudioFrame{}, audio.ErrClosed
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		}
	}

	s.mu.Lock()
	if s.pos < len(s.Frames) {
		data := s.Frames[s.pos]
		s.pos++
		seq := uint64(s.pos)
		if s.pos == len(s.Frames) {
			close(s.drained)
		}
		f := s.format()
		s.mu.Unlock()
		return audio.AudioFrame{
			Data:       data,
			SampleRate: f.SampleRate,
			Seq:        seq,
			CapturedAt: time.Now(),
		}, nil
	}
	readErr := s.ReadErr
	s.mu.Unlock()

	if readErr != nil {
		return audio.AudioFrame{}, fmt.Errorf("mock source: %w: %w", audio.ErrRead, readErr)
	}
	select {
	case <-closed:
		return audio.AudioFrame{}, audio.ErrClosed
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	}
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.open {
		s.open = false
		close(s.closed)
	}
	return nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format()
}

func (s *Source) format() audio.Format {
	if s.Fmt == (audio.Format{}) {
		return audio.DefaultFormat
	}
	return s.Fmt
}

// IsOpen reports whether the source is currently open.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Drained returns a channel that is closed once every scripted frame has been
// read since the last Open. It returns nil before the first Open.
func (s *Source) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

// FrameData returns one frame worth of PCM for f with every sample set to v.
// Handy for building scripted Frames: zero is silence, anything loud is speech.
func FrameData(f audio.Format, v int16) []byte {
	buf := make([]byte, f.FrameBytes())
	for i := 0; i+1 < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(v))
	}
	return buf
}
