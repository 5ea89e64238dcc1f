package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/invoker"
)

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loqa-asr.yaml")
	data := `pipeline:
  mode: mock
samples:
  Tone_EN: http://127.0.0.1:1/tone.wav
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeTone(t *testing.T, rate, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, make([]float32, frames), rate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestTranscribeCommand(t *testing.T) {
	cfg := writeConfig(t)
	file := writeTone(t, 44100, 44100)

	out, errOut, err := runCLI(t, []string{"transcribe", "--model", "whisper-small-en", file}, cfg)
	if err != nil {
		t.Fatalf("transcribe: %v (stderr %s)", err, errOut)
	}
	requireContains(t, out, "samples=16000")
	requireContains(t, out, "language=en")
	requireContains(t, errOut, "[status] ✅ ASR pipeline created.")
	requireContains(t, errOut, "[status] ✅ Transcription complete")
}

func TestTranscribeCommandJSONQuiet(t *testing.T) {
	cfg := writeConfig(t)
	file := writeTone(t, 16000, 8000)

	out, errOut, err := runCLI(t, []string{"transcribe", "--quiet", "--json", "--task", "translate", "--file", file}, cfg)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if strings.Contains(errOut, "[status]") {
		t.Fatalf("quiet run printed status lines: %s", errOut)
	}
	var res invoker.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Outcome != invoker.OutcomeCompleted || !strings.Contains(res.Text, "mock translate") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTranscribeCommandRequiresOneSource(t *testing.T) {
	cfg := writeConfig(t)
	if _, _, err := runCLI(t, []string{"transcribe"}, cfg); err == nil {
		t.Fatal("expected error without a source")
	}
	if _, _, err := runCLI(t, []string{"transcribe", "--file", "a.wav", "--sample", "Tone_EN"}, cfg); err == nil {
		t.Fatal("expected error with two sources")
	}
}

func TestTranscribeCommandSampleFailure(t *testing.T) {
	cfg := writeConfig(t)
	_, errOut, err := runCLI(t, []string{"transcribe", "--sample", "Tone_EN"}, cfg)
	if err == nil {
		t.Fatal("expected fetch failure")
	}
	requireContains(t, errOut, "❌ Sample load failed")
}

func TestSamplesCommand(t *testing.T) {
	cfg := writeConfig(t)
	out, _, err := runCLI(t, []string{"samples"}, cfg)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	requireContains(t, out, "Tone_EN")

	out, _, err = runCLI(t, []string{"samples", "--json"}, cfg)
	if err != nil {
		t.Fatalf("samples --json: %v", err)
	}
	var entries []sampleEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "http://127.0.0.1:1/tone.wav" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestPrecisionsCommand(t *testing.T) {
	out, _, err := runCLI(t, []string{"precisions"}, "")
	if err != nil {
		t.Fatalf("precisions: %v", err)
	}
	requireContains(t, out, "q4f16")
	requireContains(t, out, "encoder_model_fp16.onnx")
}
