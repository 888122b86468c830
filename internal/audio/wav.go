// Package audio decodes and encodes WAV clips and implements the sample-level
// transforms used by the audio processor.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Clip is decoded audio: one float64 slice per channel, samples in [-1, 1]
type Clip struct {
	SampleRate int
	Channels   [][]float64
}

// Frames returns the number of samples per channel
func (c *Clip) Frames() int {
	if c == nil || len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// Duration returns the clip length in seconds
func (c *Clip) Duration() float64 {
	if c == nil || c.SampleRate == 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

// NewClip allocates a silent clip
func NewClip(sampleRate, channels, frames int) *Clip {
	c := &Clip{SampleRate: sampleRate, Channels: make([][]float64, channels)}
	for i := range c.Channels {
		c.Channels[i] = make([]float64, frames)
	}
	return c
}

const (
	formatPCM        = 1
	formatFloat      = 3
	formatExtensible = 0xFFFE
)

var (
	// ErrNotWAV is returned for input without a RIFF/WAVE header
	ErrNotWAV = errors.New("not a RIFF/WAVE stream")

	// ErrUnsupportedEncoding is returned for WAV encodings this package cannot decode
	ErrUnsupportedEncoding = errors.New("unsupported WAV encoding")
)

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV parses a RIFF/WAVE byte stream
func DecodeWAV(data []byte) (*Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		format  *wavFormat
		samples []byte
	)
	r := bytes.NewReader(data[12:])
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("read chunk size: %w", err)
		}
		// a truncated data chunk is common in streamed recordings; any other
		// chunk must fit in what remains
		remaining := r.Len()
		if int64(size) > int64(remaining) && string(id[:]) != "data" {
			return nil, fmt.Errorf("%q chunk claims %d bytes, %d remain", id, size, remaining)
		}
		chunk := make([]byte, min(int64(size), int64(remaining)))
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("read %q chunk: %w", id, err)
		}
		if size%2 == 1 {
			r.ReadByte()
		}

		switch string(id[:]) {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", len(chunk))
			}
			f := &wavFormat{}
			if err := binary.Read(bytes.NewReader(chunk[:16]), binary.LittleEndian, f); err != nil {
				return nil, fmt.Errorf("parse fmt chunk: %w", err)
			}
			if f.AudioFormat == formatExtensible && len(chunk) >= 26 {
				f.AudioFormat = binary.LittleEndian.Uint16(chunk[24:26])
			}
			format = f
		case "data":
			samples = chunk
		}
	}

	if format == nil {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if samples == nil {
		return nil, fmt.Errorf("missing data chunk")
	}
	if format.Channels == 0 || format.SampleRate == 0 {
		return nil, fmt.Errorf("invalid format: %d channels at %d Hz", format.Channels, format.SampleRate)
	}

	read, err := sampleReader(format)
	if err != nil {
		return nil, err
	}

	width := int(format.BitsPerSample / 8)
	channels := int(format.Channels)
	frames := len(samples) / (width * channels)
	clip := NewClip(int(format.SampleRate), channels, frames)
	off := 0
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			clip.Channels[ch][i] = read(samples[off : off+width])
			off += width
		}
	}
	return clip, nil
}

func sampleReader(f *wavFormat) (func([]byte) float64, error) {
	switch {
	case f.AudioFormat == formatPCM && f.BitsPerSample == 8:
		return func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }, nil
	case f.AudioFormat == formatPCM && f.BitsPerSample == 16:
		return func(b []byte) float64 {
			return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
		}, nil
	case f.AudioFormat == formatPCM && f.BitsPerSample == 24:
		return func(b []byte) float64 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			return float64(v) / 8388608
		}, nil
	case f.AudioFormat == formatPCM && f.BitsPerSample == 32:
		return func(b []byte) float64 {
			return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}, nil
	case f.AudioFormat == formatFloat && f.BitsPerSample == 32:
		return func(b []byte) float64 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}, nil
	case f.AudioFormat == formatFloat && f.BitsPerSample == 64:
		return func(b []byte) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}, nil
	}
	return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedEncoding, f.AudioFormat, f.BitsPerSample)
}

// EncodeWAV writes the clip as 16-bit PCM
func EncodeWAV(c *Clip) ([]byte, error) {
	if c == nil || len(c.Channels) == 0 {
		return nil, fmt.Errorf("empty clip")
	}

	channels := len(c.Channels)
	frames := c.Frames()
	dataSize := frames * channels * 2

	var buf bytes.Buffer
	buf.Grow(44 + dataSize)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, wavFormat{
		AudioFormat:   formatPCM,
		Channels:      uint16(channels),
		SampleRate:    uint32(c.SampleRate),
		ByteRate:      uint32(c.SampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
	})
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))

	sample := make([]byte, 2)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			v := clamp(c.Channels[ch][i])
			binary.LittleEndian.PutUint16(sample, uint16(int16(math.Round(v*32767))))
			buf.Write(sample)
		}
	}
	return buf.Bytes(), nil
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
