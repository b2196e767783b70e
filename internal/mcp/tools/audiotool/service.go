package audiotool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/contextengine/internal/listener"
	"github.com/MrWong99/contextengine/pkg/memory"
)

// SourceBoth is accepted by the start_listening schema but cannot be served:
// a listening session captures exactly one device.
const SourceBoth = "both"

// ErrUnsupportedSource is returned by [Service.Start] for [SourceBoth] and
// unknown source tags.
var ErrUnsupportedSource = errors.New("unsupported audio source")

// Listener is the part of [listener.Controller] the service drives.
type Listener interface {
	Start(ctx context.Context, opts listener.StartOptions, cb listener.Callback) error
	Stop(ctx context.Context) error
	State() listener.State
}

var _ Listener = (*listener.Controller)(nil)

// Option configures a [Service].
type Option func(*Service)

// WithClock overrides the time source used for search windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the time zone used when rendering timestamps.
// The default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithSources limits the source tags Start accepts. The default is the
// microphone and system audio channels.
func WithSources(tags ...string) Option {
	return func(s *Service) { s.sources = tags }
}

// Service exposes the capture pipeline and the transcript store as the four
// control operations. Every transcript produced while listening is persisted
// through the store.
type Service struct {
	listener Listener
	store    memory.TranscriptStore
	now      func() time.Time
	loc      *time.Location
	sources  []string
}

// NewService wires l and store together. Both must be non-nil.
func NewService(l Listener, store memory.TranscriptStore, opts ...Option) *Service {
	s := &Service{
		listener: l,
		store:    store,
		now:      time.Now,
		loc:      time.Local,
		sources:  []string{memory.SourceMicrophone, memory.SourceSystemAudio},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins a listening session on source. An empty source means the
// microphone and an empty language means [listener.DefaultLanguage].
// It returns [listener.ErrAlreadyListening] when a session is running.
func (s *Service) Start(ctx context.Context, source, language string) error {
	if source == "" {
		source = memory.SourceMicrophone
	}
	if language == "" {
		language = listener.DefaultLanguage
	}
	if !s.accepts(source) {
		if source == SourceBoth {
			return fmt.Errorf("audiotool: %w: capturing %q is not supported, start %q or %q", ErrUnsupportedSource, source, memory.SourceMicrophone, memory.SourceSystemAudio)
		}
		return fmt.Errorf("audiotool: %w: %q", ErrUnsupportedSource, source)
	}
	return s.listener.Start(ctx, listener.StartOptions{Source: source, Language: language}, s.Persist)
}

func (s *Service) accepts(source string) bool {
	for _, tag := range s.sources {
		if tag == source {
			return true
		}
	}
	return false
}

// Stop ends the running session. It reports false when nothing was running.
func (s *Service) Stop(ctx context.Context) (bool, error) {
	switch s.listener.State() {
	case listener.StateStopped, listener.StateStopping:
		return false, nil
	}
	if err := s.listener.Stop(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Listening reports whether a session is active.
func (s *Service) Listening() bool {
	return s.listener.State() == listener.StateListening
}

// Persist saves t. It is the transcript callback of every session started
// through the service.
func (s *Service) Persist(ctx context.Context, t memory.Transcript) error {
	id, err := s.store.Save(ctx, t)
	if err != nil {
		return fmt.Errorf("audiotool: save transcript: %w", err)
	}
	slog.Debug("audiotool: transcript saved", "id", id, "source", t.Source, "text", preview(t.Text, 50))
	return nil
}

// Recent returns transcripts from the last window, oldest first. The window
// is measured against the service clock.
func (s *Service) Recent(ctx context.Context, window time.Duration, source string) ([]memory.Transcript, error) {
	if window <= 0 {
		return nil, fmt.Errorf("audiotool: window must be positive, got %s", window)
	}
	return s.store.Recent(ctx, s.now().Add(-window), source)
}

// Search runs a full-text query over transcripts from the last within,
// newest first. A zero limit means [memory.DefaultSearchLimit].
func (s *Service) Search(ctx context.Context, query string, within time.Duration, limit int) ([]memory.Transcript, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("audiotool: query must not be empty")
	}
	opts := memory.SearchOpts{Limit: limit}
	if within > 0 {
		opts.Since = s.now().Add(-within)
	}
	return s.store.Search(ctx, query, opts)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
