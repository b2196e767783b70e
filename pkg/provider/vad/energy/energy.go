// Package energy implements a dependency-free voice activity detector based on
// short-term signal energy.
//
// A frame is speech when its RMS amplitude exceeds a threshold chosen by the
// session's aggressiveness level and its zero-crossing rate stays below a
// level-dependent ceiling (broadband hiss crosses zero far more often than
// voiced speech). The threshold also tracks a slowly adapting noise floor so
// that a constant background hum does not register as speech.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// level holds the detection parameters for one aggressiveness level.
type level struct {
	minRMS     float64 // absolute RMS floor (int16 units)
	noiseRatio float64 // RMS must exceed noiseFloor*noiseRatio
	maxZCR     float64
}

var levels = [vad.MaxAggressiveness + 1]level{
	{minRMS: 150, noiseRatio: 1.5, maxZCR: 0.60},
	{minRMS: 300, noiseRatio: 2.0, maxZCR: 0.50},
	{minRMS: 500, noiseRatio: 2.5, maxZCR: 0.45},
	{minRMS: 800, noiseRatio: 3.0, maxZCR: 0.40},
}

// noiseAlpha is the EMA weight given to each new silent frame.
const noiseAlpha = 0.05

// Engine creates energy-based VAD sessions. It is stateless and safe for
// concurrent use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	return &session{cfg: cfg, lvl: levels[cfg.Aggressiveness], frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	cfg        vad.Config
	lvl        level
	frameBytes int

	mu         sync.Mutex
	noiseFloor float64
	speaking   bool
	closed     bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy vad: got %d bytes, want %d: %w", len(frame), s.frameBytes, vad.ErrFrameSize)
	}

	rms := audio.RMS(frame)
	threshold := max(s.lvl.minRMS, s.noiseFloor*s.lvl.noiseRatio)
	speech := rms >= threshold && audio.ZeroCrossingRate(frame) <= s.lvl.maxZCR

	prob := min(rms/(2*threshold), 1.0)
	if !speech {
		s.noiseFloor = (1-noiseAlpha)*s.noiseFloor + noiseAlpha*rms
	}

	var ev vad.VADEvent
	switch {
	case speech && !s.speaking:
		ev.Type = vad.VADSpeechStart
	case speech:
		ev.Type = vad.VADSpeechContinue
	case s.speaking:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	ev.Probability = prob
	s.speaking = speech
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noiseFloor = 0
	s.speaking = false
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
