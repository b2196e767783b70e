package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// InputFormat describes raw PCM as it arrives from a file or device, before
// it is normalised to the pipeline's mono frames.
type InputFormat struct {
	SampleRate int
	Channels   int
}

func (f InputFormat) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter normalises interleaved 16-bit PCM to mono at a target sample
// rate. It logs a warning on the first format mismatch and on the first
// misaligned block. Create one per stream; not safe for concurrent use.
type Converter struct {
	From       InputFormat
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NeedsConversion reports whether Convert would change its input.
func (c *Converter) NeedsConversion() bool {
	return c.From.Channels != 1 || c.From.SampleRate != c.TargetRate
}

// Convert returns pcm as mono at TargetRate. Input already in the target
// format is returned unchanged. Blocks whose length is not a whole number of
// interleaved samples are truncated to the last complete sample.
// Conversion order: downmix first, then resample.
func (c *Converter) Convert(pcm []byte) []byte {
	stride := 2 * max(c.From.Channels, 1)
	if rem := len(pcm) % stride; rem != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM block, truncating",
				"bytes", len(pcm),
				"format", c.From.String(),
			)
		})
		pcm = pcm[:len(pcm)-rem]
	}
	if !c.NeedsConversion() {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.From.String(),
			"to", InputFormat{SampleRate: c.TargetRate, Channels: 1}.String(),
		)
	})
	out := Downmix(pcm, c.From.Channels)
	return ResampleMono16(out, c.From.SampleRate, c.TargetRate)
}

// Downmix averages each interleaved group of channels into one mono sample.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}
