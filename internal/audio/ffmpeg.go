package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegDecoder decodes any container ffmpeg understands (m4a, mp3, ogg,
// flac, webm). RIFF/WAVE input is tried through WAVDecoder first.
type FFmpegDecoder struct {
	FFmpeg  string
	FFprobe string
	wav     WAVDecoder
}

func NewFFmpegDecoder(ffmpegBinary, ffprobeBinary string) *FFmpegDecoder {
	if ffmpegBinary == "" {
		ffmpegBinary = "ffmpeg"
	}
	if ffprobeBinary == "" {
		ffprobeBinary = "ffprobe"
	}
	return &FFmpegDecoder{FFmpeg: ffmpegBinary, FFprobe: ffprobeBinary}
}

// NewDecoder picks a decoder by kind: "wav", "ffmpeg" or "auto". Auto uses
// ffmpeg when both binaries resolve and WAV-only decoding otherwise.
func NewDecoder(kind, ffmpegBinary, ffprobeBinary string) (Decoder, error) {
	switch kind {
	case "wav":
		return NewWAVDecoder(), nil
	case "ffmpeg":
		return NewFFmpegDecoder(ffmpegBinary, ffprobeBinary), nil
	case "", "auto":
		dec := NewFFmpegDecoder(ffmpegBinary, ffprobeBinary)
		if dec.available() != nil {
			return NewWAVDecoder(), nil
		}
		return dec, nil
	default:
		return nil, fmt.Errorf("unknown audio decoder %q", kind)
	}
}

func (d *FFmpegDecoder) available() error {
	for _, bin := range []string{d.FFmpeg, d.FFprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s not found: %v", ErrUnsupportedEnvironment, bin, err)
		}
	}
	return nil
}

func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) (*Decoded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isRIFFWave(data) {
		if decoded, err := d.wav.Decode(ctx, data); err == nil {
			return decoded, nil
		}
	}
	if err := d.available(); err != nil {
		return nil, err
	}

	// ffprobe needs a seekable input for mp4 containers with a trailing moov atom
	file, err := os.CreateTemp("", "loqa_asr_input_*")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(data); err != nil {
		file.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	rate, channels, err := d.inspect(ctx, file.Name())
	if err != nil {
		return nil, err
	}
	pcm, err := d.extract(ctx, file.Name())
	if err != nil {
		return nil, err
	}
	return deinterleaveFloat32(pcm, channels, rate), nil
}

type streamInfo struct {
	Streams []struct {
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

func (d *FFmpegDecoder) inspect(ctx context.Context, path string) (int, int, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=sample_rate,channels",
		"-of", "json",
		path,
	}
	cmd := exec.CommandContext(ctx, d.FFprobe, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, 0, ctxErr
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: ffprobe: %v: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
	}
	var parsed streamInfo
	if err := json.Unmarshal(output, &parsed); err != nil {
		return 0, 0, fmt.Errorf("%w: ffprobe output: %v", ErrDecode, err)
	}
	if len(parsed.Streams) == 0 {
		return 0, 0, fmt.Errorf("%w: no audio stream", ErrDecode)
	}
	stream := parsed.Streams[0]
	rate, err := strconv.Atoi(stream.SampleRate)
	if err != nil || rate <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid sample rate %q", ErrDecode, stream.SampleRate)
	}
	if stream.Channels <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid channel count %d", ErrDecode, stream.Channels)
	}
	return rate, stream.Channels, nil
}

// extract writes the first audio stream as interleaved little-endian float32
// at its native rate and channel layout.
func (d *FFmpegDecoder) extract(ctx context.Context, path string) ([]byte, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-map", "0:a:0",
		"-vn",
		"-sn",
		"-dn",
		"-f", "f32le",
		"-c:a", "pcm_f32le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, d.FFmpeg, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v", ErrUnsupportedEnvironment, err)
	}
	return output, nil
}

func deinterleaveFloat32(pcm []byte, channels, rate int) *Decoded {
	frames := len(pcm) / 4 / channels
	out := &Decoded{
		Channels:   make([][]float32, channels),
		SampleRate: rate,
	}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			offset := (i*channels + c) * 4
			out.Channels[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[offset:]))
		}
	}
	return out
}

func isRIFFWave(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
