//go:build whisper

package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-transcribe/internal/status"
)

type whisperLoader struct {
	modelDir string
	threads  uint
}

// NewWhisperLoader loads ggml models through the whisper.cpp bindings.
// top_p, top_k and repetition_penalty have no whisper.cpp counterpart and are
// ignored.
func NewWhisperLoader(modelDir string, threads int) (Loader, error) {
	if threads < 0 {
		threads = 0
	}
	return &whisperLoader{modelDir: modelDir, threads: uint(threads)}, nil
}

func (l *whisperLoader) Load(ctx context.Context, cfg LoadConfig, progress ProgressFunc) (Pipeline, error) {
	path, err := resolveWhisperModel(l.modelDir, cfg.ModelID)
	if err != nil {
		return nil, err
	}
	progress.emit(status.Phase(filepath.Base(path)))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	progress.emit(status.Fraction(1))
	return &whisperPipeline{model: model, threads: l.threads}, nil
}

func resolveWhisperModel(dir, modelID string) (string, error) {
	base := modelID
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(strings.TrimSuffix(base, "-ONNX"), "-onnx")
	base = strings.TrimPrefix(base, "whisper-")
	candidates := []string{
		modelID,
		filepath.Join(dir, modelID),
		filepath.Join(dir, "ggml-"+base+".bin"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("no whisper model found for %q in %s", modelID, dir)
}

type whisperPipeline struct {
	model   whisper.Model
	threads uint
	mu      sync.Mutex
}

func (p *whisperPipeline) Transcribe(ctx context.Context, samples []float32, opts Options, progress ProgressFunc) (Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return Output{}, fmt.Errorf("create whisper context: %w", err)
	}
	lang := "auto"
	if opts.Language != nil {
		lang = *opts.Language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Output{}, fmt.Errorf("set language %q: %w", lang, err)
	}
	wctx.SetTranslate(opts.Task == TaskTranslate)
	wctx.SetTemperature(float32(opts.Temperature))
	if opts.MaxNewTokens != nil {
		wctx.SetMaxTokensPerSegment(uint(*opts.MaxNewTokens))
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	var segments []string
	err = wctx.Process(samples,
		// returning false aborts before the next encoder pass
		func() bool { return ctx.Err() == nil },
		func(seg whisper.Segment) { segments = append(segments, strings.TrimSpace(seg.Text)) },
		func(pct int) { progress.emit(status.Fraction(float64(pct) / 100)) },
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, ctxErr
	}
	if err != nil {
		return Output{}, fmt.Errorf("whisper process: %w", err)
	}
	return Output{Text: strings.Join(segments, " ")}, nil
}

func (p *whisperPipeline) Close() error {
	return p.model.Close()
}
