package energy_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/contextengine/pkg/provider/vad"
	"github.com/MrWong99/contextengine/pkg/provider/vad/energy"
)

var cfg = vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 3}

// sine returns one frame of a 200 Hz tone at the given peak amplitude.
func sine(c vad.Config, amp float64) []byte {
	n := c.FrameBytes() / 2
	buf := make([]byte, n*2)
	for i := range n {
		v := amp * math.Sin(2*math.Pi*200*float64(i)/float64(c.SampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	}
	return buf
}

// hiss alternates sign every sample: loud but maximal zero-crossing rate.
func hiss(c vad.Config, amp int16) []byte {
	n := c.FrameBytes() / 2
	buf := make([]byte, n*2)
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	e := energy.New()
	for _, bad := range []vad.Config{
		{SampleRate: 44100, FrameSizeMs: 30},
		{SampleRate: 16000, FrameSizeMs: 25},
		{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 4},
		{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: -1},
	} {
		if _, err := e.NewSession(bad); err == nil {
			t.Errorf("NewSession(%+v) = nil error, want error", bad)
		}
	}
}

func TestProcessFrame_EventSequence(t *testing.T) {
	t.Parallel()
	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	silence := make([]byte, cfg.FrameBytes())
	speech := sine(cfg, 8000)

	want := []struct {
		frame []byte
		typ   vad.VADEventType
	}{
		{silence, vad.VADSilence},
		{speech, vad.VADSpeechStart},
		{speech, vad.VADSpeechContinue},
		{silence, vad.VADSpeechEnd},
		{silence, vad.VADSilence},
	}
	for i, w := range want {
		ev, err := sess.ProcessFrame(w.frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != w.typ {
			t.Errorf("frame %d: got %v, want %v", i, ev.Type, w.typ)
		}
	}
}

func TestAggressiveness_WeakSpeech(t *testing.T) {
	t.Parallel()
	// Peak 600 -> RMS ~424: above level 1's floor, below level 3's.
	weak := sine(cfg, 600)

	lenient, _ := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 1})
	strict, _ := energy.New().NewSession(cfg)

	if ev, _ := lenient.ProcessFrame(weak); !ev.IsSpeech() {
		t.Errorf("aggressiveness 1 rejected weak speech: %v", ev.Type)
	}
	if ev, _ := strict.ProcessFrame(weak); ev.IsSpeech() {
		t.Errorf("aggressiveness 3 accepted weak speech: %v", ev.Type)
	}
}

func TestHissIsNotSpeech(t *testing.T) {
	t.Parallel()
	sess, _ := energy.New().NewSession(cfg)
	ev, err := sess.ProcessFrame(hiss(cfg, 5000))
	if err != nil {
		t.Fatal(err)
	}
	if ev.IsSpeech() {
		t.Errorf("high zero-crossing noise classified as speech (%v)", ev.Type)
	}
}

func TestNoiseFloorAdapts(t *testing.T) {
	t.Parallel()
	sess, _ := energy.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 0})
	// A hum just under level 0's floor raises the noise estimate...
	hum := sine(cfg, 200)
	for range 200 {
		_, _ = sess.ProcessFrame(hum)
	}
	// ...so a tone that would pass the fixed floor alone is now rejected.
	borderline := sine(cfg, 280)
	if ev, _ := sess.ProcessFrame(borderline); ev.IsSpeech() {
		t.Error("borderline tone over adapted noise floor classified as speech")
	}
	sess.Reset()
	if ev, _ := sess.ProcessFrame(borderline); !ev.IsSpeech() {
		t.Error("after Reset, borderline tone should pass the fixed floor")
	}
}

func TestProcessFrame_Errors(t *testing.T) {
	t.Parallel()
	sess, _ := energy.New().NewSession(cfg)
	if _, err := sess.ProcessFrame(make([]byte, 10)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("short frame err = %v, want ErrFrameSize", err)
	}
	_ = sess.Close()
	if err := sess.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := sess.ProcessFrame(make([]byte, cfg.FrameBytes())); err == nil {
		t.Error("ProcessFrame after Close should fail")
	}
}
