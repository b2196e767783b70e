// Package stream provides an [audio.Source] that cuts frames out of any byte
// stream: a WAV file, a raw PCM dump, a pipe from another process.
//
// WAV input is detected from its RIFF header; the header's sample rate and
// channel count override [WithInputFormat]. Input that is not already mono at
// the target rate is converted with [audio.Converter]. A trailing partial frame
// is padded with silence; the read after it fails with [audio.ErrRead]
// wrapping [io.EOF].
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// readChunk is the number of input bytes read per conversion step.
const readChunk = 4096

// OpenFunc opens the underlying byte stream. It is called on every
// [Source.Open] so that the same Source can be replayed.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Option is a functional option for [Source].
type Option func(*Source)

// WithFormat sets the frame format produced by the source.
// Defaults to [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// WithInputFormat describes headerless input. Defaults to mono at the target
// sample rate. Ignored for WAV input.
func WithInputFormat(f audio.InputFormat) Option {
	return func(s *Source) { s.input = f }
}

// WithRealtime paces ReadFrame to one frame per frame duration, so that file
// replay behaves like a live device.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// Source reads fixed-size frames from a byte stream.
type Source struct {
	open     OpenFunc
	format   audio.Format
	input    audio.InputFormat
	realtime bool

	mu     sync.Mutex
	rc     io.ReadCloser
	br     *bufio.Reader
	conv   *audio.Converter
	buf    []byte
	seq    uint64
	eof    bool
	next   time.Time
	closed bool
}

// New creates a Source that reads from the stream returned by open.
func New(open OpenFunc, opts ...Option) (*Source, error) {
	if open == nil {
		return nil, errors.New("stream: open func must not be nil")
	}
	s := &Source{open: open, format: audio.DefaultFormat}
	for _, o := range opts {
		o(s)
	}
	if err := s.format.Validate(); err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	return s, nil
}

// NewFile creates a Source that replays the file at path.
func NewFile(path string, opts ...Option) (*Source, error) {
	if path == "" {
		return nil, errors.New("stream: file path must not be empty")
	}
	return New(func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}, opts...)
}

// NewReader creates a Source over an already-open reader. Only the first
// Open succeeds since the reader cannot be rewound.
func NewReader(r io.Reader, opts ...Option) (*Source, error) {
	var used bool
	var mu sync.Mutex
	return New(func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		if used {
			return nil, errors.New("reader already consumed")
		}
		used = true
		return io.NopCloser(r), nil
	}, opts...)
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context) error {
	rc, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("stream: open: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	br := bufio.NewReaderSize(rc, readChunk)

	in := s.input
	if in.SampleRate == 0 {
		in.SampleRate = s.format.SampleRate
	}
	if in.Channels == 0 {
		in.Channels = 1
	}
	if magic, err := br.Peek(4); err == nil && string(magic) == "RIFF" {
		wavFmt, err := audio.ReadWAVHeader(br)
		if err != nil {
			_ = rc.Close()
			return fmt.Errorf("stream: open: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		in = wavFmt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rc = rc
	s.br = br
	s.conv = &audio.Converter{From: in, TargetRate: s.format.SampleRate}
	s.buf = s.buf[:0]
	s.seq = 0
	s.eof = false
	s.closed = false
	s.next = time.Time{}
	return nil
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	if s.closed || s.br == nil {
		s.mu.Unlock()
		return audio.AudioFrame{}, audio.ErrClosed
	}
	br, conv := s.br, s.conv
	s.mu.Unlock()

	want := s.format.FrameBytes()
	stride := 2 * max(conv.From.Channels, 1)
	chunk := make([]byte, readChunk-readChunk%stride)
	for len(s.buf) < want && !s.eof {
		if err := ctx.Err(); err != nil {
			return audio.AudioFrame{}, err
		}
		// Keep reads aligned to whole interleaved samples.
		n, err := io.ReadAtLeast(br, chunk, stride)
		if rem := n % stride; rem != 0 && err == nil {
			var m int
			m, err = io.ReadFull(br, chunk[n:n+stride-rem])
			n += m
		}
		if n > 0 {
			s.buf = append(s.buf, conv.Convert(chunk[:n])...)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.eof = true
			break
		}
		if err != nil {
			if s.isClosed() {
				return audio.AudioFrame{}, audio.ErrClosed
			}
			return audio.AudioFrame{}, fmt.Errorf("stream: read: %w: %w", audio.ErrRead, err)
		}
	}

	if len(s.buf) == 0 {
		return audio.AudioFrame{}, fmt.Errorf("stream: read: %w: %w", audio.ErrRead, io.EOF)
	}

	data := make([]byte, want)
	n := copy(data, s.buf)
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]

	if s.realtime {
		if err := s.pace(ctx); err != nil {
			return audio.AudioFrame{}, err
		}
	}

	s.seq++
	return audio.AudioFrame{
		Data:       data,
		SampleRate: s.format.SampleRate,
		Seq:        s.seq,
		CapturedAt: time.Now(),
	}, nil
}

func (s *Source) pace(ctx context.Context) error {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.next = s.next.Add(s.format.FrameDuration())
	return nil
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.rc == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	err := s.rc.Close()
	s.rc = nil
	if err != nil {
		return fmt.Errorf("stream: close: %w", err)
	}
	return nil
}
