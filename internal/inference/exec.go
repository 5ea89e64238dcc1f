package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

// execEvent is one JSON line written by the pipeline command on stdout.
type execEvent struct {
	Name     string   `json:"name,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Text     *string  `json:"text,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type execLoader struct {
	cmd      []string
	modelDir string
}

// NewExecLoader runs an external pipeline program. The command receives a
// "load" or "transcribe" subcommand plus flags and streams JSON lines
// (execEvent) on stdout.
func NewExecLoader(command, modelDir string) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("pipeline command is empty")
	}
	return &execLoader{cmd: args, modelDir: modelDir}, nil
}

func (l *execLoader) Load(ctx context.Context, cfg LoadConfig, progress ProgressFunc) (Pipeline, error) {
	p := &execPipeline{cmd: l.cmd, cfg: cfg, modelDir: l.modelDir}
	if _, err := p.run(ctx, "load", nil, nil, progress); err != nil {
		return nil, err
	}
	return p, nil
}

type execPipeline struct {
	cmd      []string
	cfg      LoadConfig
	modelDir string
	mu       sync.Mutex
}

func (p *execPipeline) Transcribe(ctx context.Context, samples []float32, opts Options, progress ProgressFunc) (Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_asr_*.wav")
	if err != nil {
		return Output{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, audio.TargetSampleRate); err != nil {
		return Output{}, err
	}

	input, err := json.Marshal(opts)
	if err != nil {
		return Output{}, fmt.Errorf("encode options: %w", err)
	}

	text, err := p.run(ctx, "transcribe", []string{"--audio", file.Name()}, input, progress)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text}, nil
}

func (p *execPipeline) baseArgs(sub string) []string {
	args := append([]string{}, p.cmd[1:]...)
	args = append(args, sub,
		"--task", p.cfg.Task,
		"--model", p.cfg.ModelID,
		"--encoder", p.cfg.EncoderFile,
		"--decoder", p.cfg.DecoderFile,
		"--dtype", p.cfg.Precision,
		"--device", p.cfg.Device,
	)
	if p.modelDir != "" {
		args = append(args, "--model-dir", p.modelDir)
	}
	return args
}

// run executes one subcommand and returns the last text event. Progress
// events are forwarded as they arrive; ctx cancellation kills the process.
func (p *execPipeline) run(ctx context.Context, sub string, extra []string, stdin []byte, progress ProgressFunc) (string, error) {
	args := append(p.baseArgs(sub), extra...)
	command := exec.CommandContext(ctx, p.cmd[0], args...)
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return "", fmt.Errorf("start pipeline command: %w", err)
	}

	text, eventErr := readEvents(stdout, progress)
	// drain so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := command.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if waitErr != nil {
		return "", fmt.Errorf("pipeline %s failed: %w: %s", sub, waitErr, strings.TrimSpace(stderr.String()))
	}
	if eventErr != nil {
		return "", eventErr
	}
	return text, nil
}

func readEvents(r io.Reader, progress ProgressFunc) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var text string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return "", fmt.Errorf("decode pipeline event: %w", err)
		}
		switch {
		case evt.Error != "":
			return "", errors.New(evt.Error)
		case evt.Text != nil:
			text = *evt.Text
		case evt.Name != "" || evt.Progress != nil:
			progress.emit(status.Progress{Name: evt.Name, Fraction: evt.Progress})
		}
	}
	return text, scanner.Err()
}
