package audio

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TargetSampleRate is the rate every pipeline consumes.
const TargetSampleRate = 16000

// Channel is a single mono channel at TargetSampleRate.
type Channel []float32

// Resampler decodes an encoded buffer and converts channel 0 to
// TargetSampleRate. Only channel 0 is used; channels are never mixed.
type Resampler struct {
	decoder Decoder
	render  func(src *Decoded, rate int) *Decoded
	tracer  trace.Tracer
}

// NewResampler returns a resampler using dec. A nil decoder makes every call
// fail with ErrUnsupportedEnvironment.
func NewResampler(dec Decoder) *Resampler {
	return &Resampler{
		decoder: dec,
		render:  RenderOffline,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-transcribe/audio"),
	}
}

// Resample observes ctx before decoding and before rendering only.
func (r *Resampler) Resample(ctx context.Context, data []byte) (Channel, error) {
	if r == nil || r.decoder == nil {
		return nil, ErrUnsupportedEnvironment
	}
	ctx, span := r.tracer.Start(ctx, "audio.Resample")
	defer span.End()

	decoded, err := r.decoder.Decode(ctx, data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if decoded.NumChannels() == 0 || decoded.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: no audio channels", ErrDecode)
	}
	span.SetAttributes(
		attribute.Int("audio.sample_rate", decoded.SampleRate),
		attribute.Int("audio.channels", decoded.NumChannels()),
		attribute.Int("audio.frames", decoded.Frames()),
	)

	if decoded.SampleRate == TargetSampleRate {
		return Channel(decoded.Channels[0]), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rendered := r.render(decoded, TargetSampleRate)
	return Channel(rendered.Channels[0]), nil
}

// RenderedFrames is ceil(frames * rate / srcRate), i.e. ceil(duration * rate)
// computed without floating point error.
func RenderedFrames(frames, srcRate, rate int) int {
	if frames <= 0 || srcRate <= 0 {
		return 0
	}
	n := int64(frames) * int64(rate)
	return int((n + int64(srcRate) - 1) / int64(srcRate))
}

// RenderOffline renders every channel of src at rate in one non-realtime
// pass using linear interpolation. Positions past the last source frame hold
// the last sample.
func RenderOffline(src *Decoded, rate int) *Decoded {
	frames := RenderedFrames(src.Frames(), src.SampleRate, rate)
	out := &Decoded{
		Channels:   make([][]float32, len(src.Channels)),
		SampleRate: rate,
	}
	step := float64(src.SampleRate) / float64(rate)
	for c, in := range src.Channels {
		dst := make([]float32, frames)
		last := len(in) - 1
		for i := range dst {
			pos := float64(i) * step
			idx := int(pos)
			if idx >= last {
				dst[i] = in[last]
				continue
			}
			frac := float32(pos - float64(idx))
			dst[i] = in[idx] + (in[idx+1]-in[idx])*frac
		}
		out.Channels[c] = dst
	}
	return out
}
