package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/status"
)

const mockSteps = 10

type mockLoader struct {
	delay time.Duration
}

// NewMockLoader returns a loader whose pipelines echo a description of the
// call. delay is spent at each of the pipeline's progress checkpoints.
func NewMockLoader(delay time.Duration) Loader {
	return &mockLoader{delay: delay}
}

func (l *mockLoader) Load(ctx context.Context, cfg LoadConfig, progress ProgressFunc) (Pipeline, error) {
	for _, file := range []string{cfg.EncoderFile, cfg.DecoderFile} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress.emit(status.Phase(file))
	}
	progress.emit(status.Fraction(1))
	return &mockPipeline{model: cfg.ModelID, delay: l.delay}, nil
}

type mockPipeline struct {
	model string
	delay time.Duration
}

func (m *mockPipeline) Transcribe(ctx context.Context, samples []float32, opts Options, progress ProgressFunc) (Output, error) {
	for step := 0; step <= mockSteps; step++ {
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-time.After(m.delay):
		}
		progress.emit(status.Fraction(float64(step) / mockSteps))
	}
	lang := "auto"
	if opts.Language != nil {
		lang = *opts.Language
	}
	return Output{
		Text: fmt.Sprintf("[mock %s transcript model=%s samples=%d language=%s]", opts.Task, m.model, len(samples), lang),
	}, nil
}
