package audio

import (
	"context"
	"fmt"
	"math"
)

// ctxCheckEvery bounds how many frames a transform processes between
// cancellation checks
const ctxCheckEvery = 4096

// DefaultSilenceThreshold is the RMS level below which a frame counts as silent
const DefaultSilenceThreshold = 0.01

// SilenceFrame is the analysis window for silence removal
const SilenceFrame = 0.02

// Speed factors accepted by ChangeSpeed
const (
	MinSpeedFactor = 0.25
	MaxSpeedFactor = 4.0
)

// RemoveSilence drops every analysis frame whose RMS across all channels is
// below threshold
func RemoveSilence(ctx context.Context, c *Clip, threshold float64) (*Clip, error) {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	frameLen := int(float64(c.SampleRate) * SilenceFrame)
	if frameLen < 1 {
		frameLen = 1
	}

	total := c.Frames()
	out := &Clip{SampleRate: c.SampleRate, Channels: make([][]float64, len(c.Channels))}
	for start := 0; start < total; start += frameLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+frameLen, total)

		var sum float64
		for _, ch := range c.Channels {
			for _, s := range ch[start:end] {
				sum += s * s
			}
		}
		rms := math.Sqrt(sum / float64((end-start)*len(c.Channels)))
		if rms < threshold {
			continue
		}
		for i, ch := range c.Channels {
			out.Channels[i] = append(out.Channels[i], ch[start:end]...)
		}
	}
	return out, nil
}

// biquad is a second-order IIR section (RBJ cookbook coefficients)
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func newBiquad(highpass bool, sampleRate, cutoff, q float64) *biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cos := math.Cos(w0)
	a0 := 1 + alpha

	bq := &biquad{a1: -2 * cos / a0, a2: (1 - alpha) / a0}
	if highpass {
		bq.b0 = (1 + cos) / 2 / a0
		bq.b1 = -(1 + cos) / a0
		bq.b2 = (1 + cos) / 2 / a0
	} else {
		bq.b0 = (1 - cos) / 2 / a0
		bq.b1 = (1 - cos) / a0
		bq.b2 = (1 - cos) / 2 / a0
	}
	return bq
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// Noise reduction band limits
const (
	NoiseLowCut  = 80.0
	NoiseHighCut = 8000.0
	noiseStages  = 2
)

// ReduceNoise band-limits the clip to the speech band with cascaded
// high-pass and low-pass biquads
func ReduceNoise(ctx context.Context, c *Clip) (*Clip, error) {
	rate := float64(c.SampleRate)
	high := math.Min(NoiseHighCut, rate*0.45)
	if high <= NoiseLowCut {
		return nil, fmt.Errorf("sample rate %d too low for band-pass", c.SampleRate)
	}

	out := NewClip(c.SampleRate, len(c.Channels), c.Frames())
	for chIdx, ch := range c.Channels {
		filters := make([]*biquad, 0, noiseStages*2)
		for i := 0; i < noiseStages; i++ {
			filters = append(filters,
				newBiquad(true, rate, NoiseLowCut, math.Sqrt2/2),
				newBiquad(false, rate, high, math.Sqrt2/2),
			)
		}
		dst := out.Channels[chIdx]
		for i, s := range ch {
			if i%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			for _, f := range filters {
				s = f.process(s)
			}
			dst[i] = s
		}
	}
	return out, nil
}

// ChangeSpeed resamples the clip by linear interpolation so it plays factor
// times faster; the result has Frames()/factor frames at the same rate.
// factor must lie in [MinSpeedFactor, MaxSpeedFactor].
func ChangeSpeed(ctx context.Context, c *Clip, factor float64) (*Clip, error) {
	if math.IsNaN(factor) || factor < MinSpeedFactor || factor > MaxSpeedFactor {
		return nil, fmt.Errorf("speed factor %v outside [%v, %v]", factor, MinSpeedFactor, MaxSpeedFactor)
	}
	n := c.Frames()
	outLen := int(math.Floor(float64(n) / factor))
	out := NewClip(c.SampleRate, len(c.Channels), outLen)
	for i := 0; i < outLen; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		pos := float64(i) * factor
		j := int(pos)
		frac := pos - float64(j)
		for ch := range c.Channels {
			src := c.Channels[ch]
			v := src[j]
			if j+1 < n {
				v += (src[j+1] - v) * frac
			}
			out.Channels[ch][i] = v
		}
	}
	return out, nil
}

// ChangeVolume scales every sample by factor, clipping to [-1, 1]
func ChangeVolume(ctx context.Context, c *Clip, factor float64) (*Clip, error) {
	if factor < 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil, fmt.Errorf("invalid volume factor %v", factor)
	}
	out := NewClip(c.SampleRate, len(c.Channels), c.Frames())
	for ch, src := range c.Channels {
		for i, s := range src {
			if i%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			out.Channels[ch][i] = clamp(s * factor)
		}
	}
	return out, nil
}
