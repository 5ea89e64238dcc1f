package status

import (
	"io"
	"log/slog"
	"math"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	lines []string
}

func (r *recorder) Report(message string) { r.lines = append(r.lines, message) }

func TestThrottlePercentSteps(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(rec, "processing")
	for i := 0; i <= 6; i++ {
		th.Observe(Fraction(float64(i) / 100))
	}
	if len(rec.lines) != 2 {
		t.Fatalf("expected 2 lines, got %v", rec.lines)
	}
	if rec.lines[0] != "processing 0%" || rec.lines[1] != "processing 5%" {
		t.Fatalf("unexpected lines %v", rec.lines)
	}
}

func TestThrottleCapsAtHundred(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(rec, "download")
	th.Observe(Fraction(0.97))
	th.Observe(Fraction(1.7))
	th.Observe(Fraction(2.5))
	if len(rec.lines) != 2 || rec.lines[1] != "download 100%" {
		t.Fatalf("unexpected lines %v", rec.lines)
	}
}

func TestThrottlePhaseChanges(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(rec, "download")
	th.Observe(Phase("encoder_model.onnx"))
	th.Observe(Phase("encoder_model.onnx"))
	th.Observe(Phase("decoder_model.onnx"))
	th.Observe(Phase("encoder_model.onnx"))
	want := []string{"fetching: encoder_model.onnx", "fetching: decoder_model.onnx", "fetching: encoder_model.onnx"}
	if len(rec.lines) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.lines)
	}
	for i := range want {
		if rec.lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], rec.lines[i])
		}
	}
}

func TestThrottleIgnoresEmptyProgress(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(rec, "processing")
	th.Observe(Progress{})
	if len(rec.lines) != 0 {
		t.Fatalf("expected nothing, got %v", rec.lines)
	}
}

func TestThrottleIgnoresNonFiniteFractions(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(rec, "download")
	th.Observe(Fraction(math.Inf(-1)))
	th.Observe(Fraction(math.Inf(1)))
	th.Observe(Fraction(math.NaN()))
	if len(rec.lines) != 0 {
		t.Fatalf("expected nothing, got %v", rec.lines)
	}
	th.Observe(Fraction(0.1))
	if len(rec.lines) != 1 || rec.lines[0] != "download 10%" {
		t.Fatalf("unexpected lines %v", rec.lines)
	}
}

func TestLogOrderAndScrollback(t *testing.T) {
	sink := &recorder{}
	log := NewLog(3, newLogger(), sink)
	for _, msg := range []string{"a", "b", "c", "d"} {
		log.Report(msg)
	}
	lines := log.Lines()
	if len(lines) != 3 || lines[0] != "[status] b" || lines[2] != "[status] d" {
		t.Fatalf("unexpected scrollback %v", lines)
	}
	if len(sink.lines) != 4 {
		t.Fatalf("expected sink to receive every line, got %v", sink.lines)
	}
	entries := log.Since(3)
	if len(entries) != 1 || entries[0].Message != "[status] d" || entries[0].Seq != 4 {
		t.Fatalf("unexpected entries since 3: %+v", entries)
	}
}
