package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts interleaved float32 blocks from a device format to
// mono at the target sample rate. It logs a warning on the first format
// mismatch and keeps resampler state across blocks so that block boundaries
// do not introduce discontinuities.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	TargetRate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
	resampler      *linearResampler
}

// Convert converts one block captured at from to mono at TargetRate. If the
// source already matches, the block is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample (avoids resampling channels
// that are about to be averaged away).
func (c *FormatConverter) Convert(block []float32, from Format) []float32 {
	channels := from.Channels
	if channels <= 0 {
		channels = 1
	}
	if len(block)%channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: block length is not a multiple of the channel count, dropping block",
				"samples", len(block),
				"channels", channels,
			)
		})
		return nil
	}

	if channels == 1 && (from.SampleRate == c.TargetRate || from.SampleRate <= 0) {
		return block
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(from.SampleRate, channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	mono := block
	if channels > 1 {
		mono = DownmixFloat(block, channels)
	}
	if from.SampleRate != c.TargetRate && from.SampleRate > 0 {
		if c.resampler == nil || c.resampler.src != from.SampleRate {
			c.resampler = newLinearResampler(from.SampleRate, c.TargetRate)
		}
		mono = c.resampler.process(mono)
	}
	return mono
}

// DownmixFloat averages interleaved channels into a mono signal.
func DownmixFloat(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleFloat resamples a complete mono signal from srcRate to dstRate
// using linear interpolation. If the rates match, the input is returned
// unchanged. For continuous streams use [FormatConverter], which carries
// interpolation state across blocks.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	return newLinearResampler(srcRate, dstRate).process(samples)
}

// linearResampler is a streaming linear-interpolation resampler. pos is the
// source position of the next output sample, relative to the first sample of
// the next block; index -1 refers to last.
type linearResampler struct {
	src    int
	ratio  float64
	pos    float64
	last   float32
	primed bool
}

func newLinearResampler(srcRate, dstRate int) *linearResampler {
	return &linearResampler{
		src:   srcRate,
		ratio: float64(srcRate) / float64(dstRate),
	}
}

func (r *linearResampler) process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if !r.primed {
		r.last = in[0]
		r.primed = true
	}
	at := func(i int) float32 {
		if i < 0 {
			return r.last
		}
		return in[i]
	}

	n := float64(len(in))
	out := make([]float32, 0, int(math.Ceil(n/r.ratio))+1)
	p := r.pos
	for p < n-1 {
		i := int(math.Floor(p))
		frac := float32(p - float64(i))
		s0, s1 := at(i), at(i+1)
		out = append(out, s0*(1-frac)+s1*frac)
		p += r.ratio
	}
	r.pos = p - n
	r.last = in[len(in)-1]
	return out
}

// PCM16ToFloat converts little-endian signed 16-bit PCM into float32 samples
// in the range -1.0…1.0. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
