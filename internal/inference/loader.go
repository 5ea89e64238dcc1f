package inference

import (
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// NewLoader picks the backend named by cfg.Mode.
func NewLoader(cfg config.PipelineConfig) (Loader, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockLoader(0), nil
	case "exec":
		return NewExecLoader(cfg.Command, cfg.ModelDir)
	case "whisper":
		return NewWhisperLoader(cfg.ModelDir, cfg.Threads)
	default:
		return nil, fmt.Errorf("unknown pipeline mode %q", cfg.Mode)
	}
}
