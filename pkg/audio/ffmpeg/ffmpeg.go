// Package ffmpeg captures microphone or loopback audio by running an ffmpeg
// subprocess that writes raw 16-bit mono PCM to stdout.
//
// Open starts the process and waits for the first frame, so a device that
// ffmpeg cannot open is reported as [audio.ErrDeviceUnavailable] instead of
// surfacing later as a read error. Close kills and reaps the process.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

const (
	defaultCommand      = "ffmpeg"
	defaultStartTimeout = 5 * time.Second
	stderrLimit         = 4096
)

// Option is a functional option for [Source].
type Option func(*Source)

// WithCommand sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithCommand(path string) Option {
	return func(s *Source) { s.command = path }
}

// WithInputFormat sets the ffmpeg input demuxer (-f), e.g. "pulse", "alsa",
// "avfoundation" or "dshow". Defaults to the platform's usual capture API.
func WithInputFormat(f string) Option {
	return func(s *Source) { s.inputFormat = f }
}

// WithDevice sets the input device name (-i). Defaults to "default".
func WithDevice(d string) Option {
	return func(s *Source) { s.device = d }
}

// WithFormat sets the produced frame format. Defaults to [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// WithExtraArgs appends arguments before the input specification, e.g.
// "-thread_queue_size 1024".
func WithExtraArgs(args ...string) Option {
	return func(s *Source) { s.extraArgs = append(s.extraArgs, args...) }
}

// WithStartTimeout bounds how long Open waits for the first frame.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Source) { s.startTimeout = d }
}

// Source is an [audio.Source] backed by an ffmpeg subprocess.
type Source struct {
	command      string
	inputFormat  string
	device       string
	format       audio.Format
	extraArgs    []string
	startTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *limitedBuffer
	pending []byte
	seq     uint64
	closed  bool
}

// New creates an ffmpeg-backed source. The process is not started until Open.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		command:      defaultCommand,
		inputFormat:  DefaultInputFormat(),
		device:       "default",
		format:       audio.DefaultFormat,
		startTimeout: defaultStartTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.command == "" {
		return nil, errors.New("ffmpeg: command must not be empty")
	}
	if err := s.format.Validate(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	return s, nil
}

// DefaultInputFormat returns the capture demuxer for the current OS.
func DefaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

// Args returns the ffmpeg argument list used by Open.
func (s *Source) Args() []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	args = append(args, s.extraArgs...)
	device := s.device
	if s.inputFormat == "avfoundation" && !strings.HasPrefix(device, ":") {
		device = ":" + device
	}
	args = append(args,
		"-f", s.inputFormat,
		"-i", device,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(s.format.SampleRate),
		"pipe:1",
	)
	return args
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil && !s.closed {
		s.mu.Unlock()
		return errors.New("ffmpeg: source already open")
	}
	s.mu.Unlock()

	// The process outlives the Open call, so it is not bound to ctx.
	cmd := exec.Command(s.command, s.Args()...)
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: stdout pipe: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	slog.Debug("ffmpeg: starting capture", "command", s.command, "args", strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start %s: %w: %w", s.command, audio.ErrDeviceUnavailable, err)
	}

	first, err := s.awaitFirstFrame(ctx, stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg: device %q: %w: %w (%s)", s.device, audio.ErrDeviceUnavailable, err, msg)
		}
		return fmt.Errorf("ffmpeg: device %q: %w: %w", s.device, audio.ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdout = stdout
	s.stderr = stderr
	s.pending = first
	s.seq = 0
	s.closed = false
	s.mu.Unlock()

	slog.Info("ffmpeg: capture started", "device", s.device, "input_format", s.inputFormat, "sample_rate", s.format.SampleRate)
	return nil
}

func (s *Source) awaitFirstFrame(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, s.format.FrameBytes())
		_, err := io.ReadFull(r, buf)
		done <- result{buf, err}
	}()

	timer := time.NewTimer(s.startTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.buf, res.err
	case <-timer.C:
		return nil, fmt.Errorf("no audio within %s", s.startTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(_ context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	if s.closed || s.stdout == nil {
		s.mu.Unlock()
		return audio.AudioFrame{}, audio.ErrClosed
	}
	stdout := s.stdout
	data := s.pending
	s.pending = nil
	s.mu.Unlock()

	if data == nil {
		data = make([]byte, s.format.FrameBytes())
		if _, err := io.ReadFull(stdout, data); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return audio.AudioFrame{}, audio.ErrClosed
			}
			return audio.AudioFrame{}, fmt.Errorf("ffmpeg: read: %w: %w", audio.ErrRead, err)
		}
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return audio.AudioFrame{
		Data:       data,
		SampleRate: s.format.SampleRate,
		Seq:        seq,
		CapturedAt: time.Now(),
	}, nil
}

// Close implements [audio.Source]. It kills the process, which unblocks a
// pending ReadFrame, and waits for it to exit.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed || s.cmd == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.cmd = nil
	s.stdout = nil
	s.mu.Unlock()

	// Errors are expected here; ffmpeg may already have exited.
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	slog.Info("ffmpeg: capture stopped", "device", s.device)
	return nil
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
