package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/contextengine/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		in       []int16
		want     []int16
	}{
		{"mono passthrough", 1, []int16{1, 2, 3}, []int16{1, 2, 3}},
		{"stereo", 2, []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"stereo clamp", 2, []int16{32767, 32767}, []int16{32767}},
		{"three channels", 3, []int16{300, 600, 900}, []int16{600}},
		{"partial trailing frame dropped", 2, []int16{10, 20, 30}, []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.Downmix(samplesToBytes(tt.in), tt.channels))
			equalSamples(t, got, tt.want)
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 48 kHz -> 16 kHz keeps every third sample.
	pcm := samplesToBytes([]int16{0, 1, 2, 3, 4, 5, 6, 7, 8})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, 16000))
	equalSamples(t, got, []int16{0, 3, 6})
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 100})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	equalSamples(t, got, []int16{0, 50, 100, 100})
}

func TestResampleMono16_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero source rate should return input unchanged, got %d bytes", len(out))
	}
}

func TestConverter_Passthrough(t *testing.T) {
	c := audio.Converter{From: audio.InputFormat{SampleRate: 16000, Channels: 1}, TargetRate: 16000}
	if c.NeedsConversion() {
		t.Fatal("NeedsConversion() = true for matching format")
	}
	pcm := samplesToBytes([]int16{5, 6, 7})
	out := c.Convert(pcm)
	if &out[0] != &pcm[0] {
		t.Error("expected passthrough to return the input slice")
	}
}

func TestConverter_StereoToMono16k(t *testing.T) {
	c := audio.Converter{From: audio.InputFormat{SampleRate: 32000, Channels: 2}, TargetRate: 16000}
	// 4 stereo frames at 32 kHz -> 2 mono samples at 16 kHz.
	pcm := samplesToBytes([]int16{10, 30, 0, 0, 50, 70, 0, 0})
	got := bytesToSamples(c.Convert(pcm))
	equalSamples(t, got, []int16{20, 60})
}

func TestConverter_MisalignedInputTruncated(t *testing.T) {
	c := audio.Converter{From: audio.InputFormat{SampleRate: 16000, Channels: 2}, TargetRate: 16000}
	pcm := append(samplesToBytes([]int16{100, 300}), 0x01, 0x02, 0x03)
	got := bytesToSamples(c.Convert(pcm))
	equalSamples(t, got, []int16{200})
}

func TestInputFormatString(t *testing.T) {
	tests := []struct {
		f    audio.InputFormat
		want string
	}{
		{audio.InputFormat{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.InputFormat{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.InputFormat{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
