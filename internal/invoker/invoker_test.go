package invoker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

// blockingPipeline waits for release or ctx cancellation.
type blockingPipeline struct {
	started chan struct{}
	release chan struct{}
	ctxs    []context.Context
	mu      sync.Mutex
}

func newBlockingPipeline() *blockingPipeline {
	return &blockingPipeline{started: make(chan struct{}, 4), release: make(chan struct{}, 4)}
}

func (p *blockingPipeline) Transcribe(ctx context.Context, samples []float32, opts inference.Options, progress inference.ProgressFunc) (inference.Output, error) {
	p.mu.Lock()
	p.ctxs = append(p.ctxs, ctx)
	p.mu.Unlock()
	p.started <- struct{}{}
	select {
	case <-ctx.Done():
		return inference.Output{}, ctx.Err()
	case <-p.release:
		return inference.Output{Text: "done"}, nil
	}
}

type failingPipeline struct{ err error }

func (p failingPipeline) Transcribe(context.Context, []float32, inference.Options, inference.ProgressFunc) (inference.Output, error) {
	return inference.Output{}, p.err
}

type progressPipeline struct{ fractions []float64 }

func (p progressPipeline) Transcribe(_ context.Context, _ []float32, _ inference.Options, progress inference.ProgressFunc) (inference.Output, error) {
	for _, f := range p.fractions {
		progress(status.Fraction(f))
	}
	return inference.Output{Text: "ok"}, nil
}

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Report(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func waitStarted(t *testing.T, p *blockingPipeline) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not start")
	}
}

func TestRequestCancelWhileIdle(t *testing.T) {
	inv := New(nil)
	if got := inv.RequestCancel(); got != NothingToCancel {
		t.Fatalf("expected nothing to cancel, got %q", got)
	}
	if inv.State() != Idle {
		t.Fatalf("expected idle, got %s", inv.State())
	}
}

func TestCompletedInvocation(t *testing.T) {
	pipe := newBlockingPipeline()
	pipe.release <- struct{}{}
	inv := New(nil)
	res, err := inv.Invoke(context.Background(), pipe, nil, inference.Options{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.Text != "done" {
		t.Fatalf("unexpected result %+v", res)
	}
	if inv.State() != Completed {
		t.Fatalf("expected completed, got %s", inv.State())
	}
	if got := inv.RequestCancel(); got != NothingToCancel {
		t.Fatalf("expected nothing to cancel after completion, got %q", got)
	}
}

func TestCancelWhileRunning(t *testing.T) {
	pipe := newBlockingPipeline()
	inv := New(nil)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := inv.Invoke(context.Background(), pipe, nil, inference.Options{})
		done <- outcome{res, err}
	}()
	waitStarted(t, pipe)

	if inv.State() != Running {
		t.Fatalf("expected running, got %s", inv.State())
	}
	if got := inv.RequestCancel(); got != CancelRequested {
		t.Fatalf("expected cancellation requested, got %q", got)
	}
	if got := inv.RequestCancel(); got != CancelRequested {
		t.Fatalf("second request while running should be accepted, got %q", got)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("cancellation must not be an error, got %v", out.err)
		}
		if out.res.Outcome != OutcomeAborted || out.res.Text != "" {
			t.Fatalf("unexpected result %+v", out.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invocation did not abort")
	}
	if inv.State() != Aborted {
		t.Fatalf("expected aborted, got %s", inv.State())
	}
}

func TestStaleTokenDoesNotAffectNextRun(t *testing.T) {
	pipe := newBlockingPipeline()
	inv := New(nil)

	done := make(chan struct{})
	go func() {
		_, _ = inv.Invoke(context.Background(), pipe, nil, inference.Options{})
		close(done)
	}()
	waitStarted(t, pipe)
	inv.RequestCancel()
	<-done

	pipe.release <- struct{}{}
	res, err := inv.Invoke(context.Background(), pipe, nil, inference.Options{})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("second run must complete, got %+v", res)
	}

	pipe.mu.Lock()
	defer pipe.mu.Unlock()
	if len(pipe.ctxs) != 2 {
		t.Fatalf("expected two calls, got %d", len(pipe.ctxs))
	}
	if pipe.ctxs[0] == pipe.ctxs[1] {
		t.Fatal("each call must receive its own token")
	}
	if pipe.ctxs[1].Err() == nil {
		t.Fatal("token should be released after the call returns")
	}
}

func TestConcurrentInvokeIsBusy(t *testing.T) {
	pipe := newBlockingPipeline()
	inv := New(nil)
	done := make(chan struct{})
	go func() {
		_, _ = inv.Invoke(context.Background(), pipe, nil, inference.Options{})
		close(done)
	}()
	waitStarted(t, pipe)

	if _, err := inv.Invoke(context.Background(), pipe, nil, inference.Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	pipe.release <- struct{}{}
	<-done
}

func TestFailedInvocation(t *testing.T) {
	inv := New(nil)
	boom := errors.New("boom")
	_, err := inv.Invoke(context.Background(), failingPipeline{err: boom}, nil, inference.Options{})
	if !errors.Is(err, ErrInference) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped inference error, got %v", err)
	}
	if inv.State() != Failed {
		t.Fatalf("expected failed, got %s", inv.State())
	}
}

func TestProgressIsThrottled(t *testing.T) {
	rec := &recorder{}
	inv := New(rec)
	pipe := progressPipeline{fractions: []float64{0, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06}}
	if _, err := inv.Invoke(context.Background(), pipe, nil, inference.Options{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"processing 0%", "processing 5%"}
	if len(rec.lines) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.lines)
	}
	for i := range want {
		if rec.lines[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.lines)
		}
	}
}
