package audio

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(rate int, freq, amp, seconds float64) *Clip {
	n := int(float64(rate) * seconds)
	c := NewClip(rate, 1, n)
	for i := range c.Channels[0] {
		c.Channels[0][i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return c
}

func rms(s []float64) float64 {
	var sum float64
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(s)))
}

func TestWAVRoundTripPreservesShape(t *testing.T) {
	in := NewClip(8000, 2, 800)
	for i := 0; i < 800; i++ {
		in.Channels[0][i] = 0.5
		in.Channels[1][i] = -0.25
	}

	data, err := EncodeWAV(in)
	require.NoError(t, err)
	require.Len(t, data, 44+800*2*2)

	out, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 8000, out.SampleRate)
	assert.Len(t, out.Channels, 2)
	assert.Equal(t, 800, out.Frames())
	assert.InDelta(t, 0.1, out.Duration(), 1e-9)
	assert.InDelta(t, 0.5, out.Channels[0][10], 1e-3)
	assert.InDelta(t, -0.25, out.Channels[1][10], 1e-3)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV([]byte("definitely not audio"))
	require.ErrorIs(t, err, ErrNotWAV)
}

func TestDecodeWAVOversizedChunkHeader(t *testing.T) {
	data := []byte("RIFF\x10\x00\x00\x00WAVE")
	data = append(data, "LIST"...)
	data = binary.LittleEndian.AppendUint32(data, 0xFFFFFFF0)
	data = append(data, 0, 0, 0, 0)

	_, err := DecodeWAV(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claims")
}

func TestDecodeWAVTruncatedDataChunk(t *testing.T) {
	data, err := EncodeWAV(NewClip(8000, 1, 100))
	require.NoError(t, err)
	// data chunk size lives at offset 40
	binary.LittleEndian.PutUint32(data[40:], 0xFFFFFFF0)

	out, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Frames())
}

func TestRemoveSilenceDropsQuietFrames(t *testing.T) {
	loud := sine(8000, 440, 0.5, 0.5)
	quiet := NewClip(8000, 1, 4000)
	c := &Clip{SampleRate: 8000, Channels: [][]float64{append(append([]float64{}, loud.Channels[0]...), quiet.Channels[0]...)}}

	out, err := RemoveSilence(context.Background(), c, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Duration(), 0.03)
}

func TestReduceNoiseAttenuatesOutOfBand(t *testing.T) {
	low := sine(16000, 20, 0.5, 1)
	mid := sine(16000, 1000, 0.5, 1)

	lowOut, err := ReduceNoise(context.Background(), low)
	require.NoError(t, err)
	midOut, err := ReduceNoise(context.Background(), mid)
	require.NoError(t, err)

	// skip the filter warm-up
	assert.Less(t, rms(lowOut.Channels[0][4000:]), 0.1*rms(low.Channels[0][4000:]))
	assert.Greater(t, rms(midOut.Channels[0][4000:]), 0.8*rms(mid.Channels[0][4000:]))
}

func TestChangeSpeedHalvesDuration(t *testing.T) {
	c := sine(8000, 440, 0.5, 2)
	out, err := ChangeSpeed(context.Background(), c, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, c.Duration()/2, out.Duration(), 1e-3)

	for _, factor := range []float64{0, -1, 1e-12, MinSpeedFactor / 2, MaxSpeedFactor * 2, math.NaN(), math.Inf(1)} {
		_, err = ChangeSpeed(context.Background(), c, factor)
		require.Error(t, err, "factor %v", factor)
	}

	out, err = ChangeSpeed(context.Background(), c, MinSpeedFactor)
	require.NoError(t, err)
	assert.InDelta(t, c.Duration()*4, out.Duration(), 1e-3)
}

func TestChangeVolumeClips(t *testing.T) {
	c := sine(8000, 440, 0.5, 0.1)
	out, err := ChangeVolume(context.Background(), c, 4)
	require.NoError(t, err)
	for _, s := range out.Channels[0] {
		require.LessOrEqual(t, math.Abs(s), 1.0)
	}
}

func TestTransformsObserveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := sine(8000, 440, 0.5, 1)

	_, err := ChangeSpeed(ctx, c, 1.5)
	require.ErrorIs(t, err, context.Canceled)
	_, err = ReduceNoise(ctx, c)
	require.ErrorIs(t, err, context.Canceled)
	_, err = RemoveSilence(ctx, c, 0)
	require.ErrorIs(t, err, context.Canceled)
}
