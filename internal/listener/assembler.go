package listener

import (
	"log/slog"
	"time"

	"github.com/MrWong99/contextengine/pkg/audio"
)

// Assembler defaults.
const (
	DefaultHangoverFrames = 30
	DefaultMinUtterance   = 500 * time.Millisecond
)

// Utterance is one continuous run of speech frames, ready for transcription.
type Utterance struct {
	// Frames are the speech frames in capture order. Trailing silence is not
	// included.
	Frames []audio.AudioFrame

	// PCM is the concatenation of the frame payloads.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// StartedAt is the capture time of the first frame.
	StartedAt time.Time

	// Duration is the playback length of PCM.
	Duration time.Duration
}

// AssemblerConfig configures an [Assembler].
type AssemblerConfig struct {
	// Format of the incoming frames.
	Format audio.Format

	// HangoverFrames is the number of consecutive silent frames that ends an
	// utterance. Zero means [DefaultHangoverFrames].
	HangoverFrames int

	// MinUtterance discards shorter utterances. Zero means
	// [DefaultMinUtterance]; negative disables the check.
	MinUtterance time.Duration

	// MaxUtterance force-emits an utterance once it reaches this length.
	// Zero disables the cap.
	MaxUtterance time.Duration

	// OnDiscard, if set, is called with the length of every utterance dropped
	// for being shorter than MinUtterance.
	OnDiscard func(time.Duration)
}

type assemblerState int

const (
	stateIdle assemblerState = iota
	stateAccumulating
)

// Assembler groups classified frames into utterances using a silence
// hangover. It is not safe for concurrent use; the process loop owns it.
type Assembler struct {
	cfg     AssemblerConfig
	state   assemblerState
	frames  []audio.AudioFrame
	bytes   int
	silence int
}

// NewAssembler returns an idle assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.HangoverFrames <= 0 {
		cfg.HangoverFrames = DefaultHangoverFrames
	}
	if cfg.MinUtterance == 0 {
		cfg.MinUtterance = DefaultMinUtterance
	}
	return &Assembler{cfg: cfg}
}

// Push feeds one classified frame. It returns an utterance when the frame
// completes one that meets the minimum length.
func (a *Assembler) Push(f audio.AudioFrame, speech bool) (Utterance, bool) {
	switch a.state {
	case stateIdle:
		if !speech {
			return Utterance{}, false
		}
		a.state = stateAccumulating
		a.frames = a.frames[:0]
		a.bytes = 0
		a.append(f)
	case stateAccumulating:
		if speech {
			a.append(f)
		} else {
			a.silence++
			if a.silence >= a.cfg.HangoverFrames {
				return a.emit("hangover")
			}
			return Utterance{}, false
		}
	}
	if a.cfg.MaxUtterance > 0 && a.cfg.Format.DurationOf(a.bytes) >= a.cfg.MaxUtterance {
		return a.emit("max_length")
	}
	return Utterance{}, false
}

// Flush emits the buffered speech regardless of the silence counter. It is
// used on stop.
func (a *Assembler) Flush() (Utterance, bool) {
	if a.state != stateAccumulating {
		return Utterance{}, false
	}
	return a.emit("flush")
}

// Reset drops any buffered speech.
func (a *Assembler) Reset() {
	a.state = stateIdle
	a.frames = nil
	a.bytes = 0
	a.silence = 0
}

// Accumulating reports whether speech is currently buffered.
func (a *Assembler) Accumulating() bool {
	return a.state == stateAccumulating
}

func (a *Assembler) append(f audio.AudioFrame) {
	a.frames = append(a.frames, f)
	a.bytes += len(f.Data)
	a.silence = 0
}

func (a *Assembler) emit(reason string) (Utterance, bool) {
	frames := a.frames
	size := a.bytes
	a.state = stateIdle
	a.frames = nil
	a.bytes = 0
	a.silence = 0

	d := a.cfg.Format.DurationOf(size)
	if a.cfg.MinUtterance > 0 && d < a.cfg.MinUtterance {
		slog.Debug("listener: utterance too short, discarded",
			"duration", d,
			"min", a.cfg.MinUtterance,
			"frames", len(frames),
		)
		if a.cfg.OnDiscard != nil {
			a.cfg.OnDiscard(d)
		}
		return Utterance{}, false
	}

	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f.Data...)
	}
	u := Utterance{
		Frames:     frames,
		PCM:        pcm,
		SampleRate: a.cfg.Format.SampleRate,
		StartedAt:  frames[0].CapturedAt,
		Duration:   d,
	}
	slog.Debug("listener: utterance assembled",
		"reason", reason,
		"frames", len(frames),
		"bytes", size,
		"duration", d,
	)
	return u, true
}
