package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	// ErrDecode reports bytes that are not a supported, intact audio stream.
	ErrDecode = errors.New("audio decode failed")
	// ErrUnsupportedEnvironment reports that no decoding facility is available.
	ErrUnsupportedEnvironment = errors.New("audio decoding is not available")
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Decoded is PCM audio at its native rate, one float32 slice per channel.
type Decoded struct {
	Channels   [][]float32
	SampleRate int
}

// Frames is the number of samples per channel.
func (d *Decoded) Frames() int {
	if d == nil || len(d.Channels) == 0 {
		return 0
	}
	return len(d.Channels[0])
}

func (d *Decoded) NumChannels() int {
	if d == nil {
		return 0
	}
	return len(d.Channels)
}

func (d *Decoded) Duration() time.Duration {
	if d == nil || d.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(d.Frames()) / float64(d.SampleRate) * float64(time.Second))
}

// Decoder turns an encoded byte buffer into PCM.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*Decoded, error)
}

// WAVDecoder decodes RIFF/WAVE integer PCM.
type WAVDecoder struct{}

func NewWAVDecoder() *WAVDecoder { return &WAVDecoder{} }

func (WAVDecoder) Decode(ctx context.Context, data []byte) (*Decoded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav stream", ErrDecode)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, fmt.Errorf("%w: unsupported wav codec 0x%04x", ErrDecode, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrDecode)
	}
	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDecode, bitDepth)
	}
	return deinterleave(buf, bitDepth), nil
}

func deinterleave(buf *goaudio.IntBuffer, bitDepth int) *Decoded {
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	out := &Decoded{
		Channels:   make([][]float32, channels),
		SampleRate: buf.Format.SampleRate,
	}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}

	// 8-bit wav is unsigned, everything wider is signed.
	scale := float32(int64(1) << (bitDepth - 1))
	var offset float32
	if bitDepth == 8 {
		offset = scale
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out.Channels[c][i] = (float32(buf.Data[i*channels+c]) - offset) / scale
		}
	}
	return out
}
