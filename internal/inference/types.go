package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/status"
)

// TaskKind is the pipeline kind requested from every loader.
const TaskKind = "automatic-speech-recognition"

// ErrPipelineLoad wraps every model construction failure.
var ErrPipelineLoad = errors.New("pipeline load failed")

// ProgressFunc receives phase and fraction callbacks from loaders and
// pipelines. It is always called from the goroutine running the operation.
type ProgressFunc func(status.Progress)

func (f ProgressFunc) emit(p status.Progress) {
	if f != nil {
		f(p)
	}
}

// Output is the result record of a pipeline call.
type Output struct {
	Text string `json:"text"`
}

// Pipeline is a loaded model ready to transcribe 16 kHz mono samples.
// Implementations must return promptly once ctx is done; ctx is the
// cancellation token of the call.
type Pipeline interface {
	Transcribe(ctx context.Context, samples []float32, opts Options, progress ProgressFunc) (Output, error)
}

// Loader constructs pipelines.
type Loader interface {
	Load(ctx context.Context, cfg LoadConfig, progress ProgressFunc) (Pipeline, error)
}

// LoadConfig is the construction request handed to a Loader.
type LoadConfig struct {
	Task        string `json:"task"`
	ModelID     string `json:"model"`
	EncoderFile string `json:"encoder_file"`
	DecoderFile string `json:"decoder_file"`
	Precision   string `json:"dtype"`
	Device      string `json:"device"`
}

// NewLoadConfig resolves the weight file overrides for precision.
func NewLoadConfig(modelID, precision, device string) LoadConfig {
	files := FilesFor(precision)
	if device == "" {
		device = "auto"
	}
	return LoadConfig{
		Task:        TaskKind,
		ModelID:     modelID,
		EncoderFile: "onnx/" + files.Encoder,
		DecoderFile: "onnx/" + files.Decoder,
		Precision:   precision,
		Device:      device,
	}
}

// Load runs loader and tags any failure with ErrPipelineLoad.
func Load(ctx context.Context, loader Loader, cfg LoadConfig, progress ProgressFunc) (Pipeline, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: no loader configured", ErrPipelineLoad)
	}
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("%w: model id is empty", ErrPipelineLoad)
	}
	pipe, err := loader.Load(ctx, cfg, progress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineLoad, err)
	}
	if pipe == nil {
		return nil, fmt.Errorf("%w: loader returned no pipeline", ErrPipelineLoad)
	}
	return pipe, nil
}
