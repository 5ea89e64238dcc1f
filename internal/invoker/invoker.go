package invoker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

// ErrInference wraps pipeline failures other than cancellation.
var ErrInference = errors.New("inference failed")

// ErrBusy is returned when an invocation is already running.
var ErrBusy = errors.New("transcription already running")

// State is the invoker lifecycle.
type State int

const (
	Idle State = iota
	Running
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the terminal state of a single invocation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

// CancelResult reports what RequestCancel did.
type CancelResult string

const (
	NothingToCancel CancelResult = "nothing to cancel"
	CancelRequested CancelResult = "cancellation requested"
)

// Result is returned by a successful or cancelled invocation. Text is empty
// when Outcome is OutcomeAborted.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Text    string  `json:"text,omitempty"`
}

// Token is a single-use cancellation latch scoped to one invocation.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	fired  bool
	mu     sync.Mutex
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Signal fires the latch. Only the first call has an effect.
func (t *Token) Signal() {
	t.once.Do(func() {
		t.mu.Lock()
		t.fired = true
		t.mu.Unlock()
		t.cancel()
	})
}

// Signaled reports whether Signal was called.
func (t *Token) Signaled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Context is done once the token is signaled or the parent context ends.
func (t *Token) Context() context.Context { return t.ctx }

// Invoker runs one pipeline call at a time with a fresh token per call.
// The pipeline observes the token at its own checkpoints; the invoker never
// polls.
type Invoker struct {
	mu       sync.Mutex
	state    State
	token    *Token
	reporter status.Reporter
}

func New(reporter status.Reporter) *Invoker {
	if reporter == nil {
		reporter = status.Discard
	}
	return &Invoker{reporter: reporter}
}

// State returns the current lifecycle state.
func (i *Invoker) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Running reports whether an invocation is in flight.
func (i *Invoker) Running() bool {
	return i.State() == Running
}

// Invoke calls pipe with samples and opts. Cancellation through
// RequestCancel yields an OutcomeAborted result with a nil error; other
// pipeline failures are wrapped with ErrInference.
func (i *Invoker) Invoke(ctx context.Context, pipe inference.Pipeline, samples []float32, opts inference.Options) (Result, error) {
	i.mu.Lock()
	if i.state == Running {
		i.mu.Unlock()
		return Result{}, ErrBusy
	}
	token := newToken(ctx)
	i.token = token
	i.state = Running
	i.mu.Unlock()

	throttle := status.NewThrottle(i.reporter, "processing")
	out, err := pipe.Transcribe(token.Context(), samples, opts, throttle.Observe)
	token.cancel()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.token = nil
	switch {
	case token.Signaled():
		i.state = Aborted
		return Result{Outcome: OutcomeAborted}, nil
	case err != nil:
		i.state = Failed
		return Result{}, fmt.Errorf("%w: %w", ErrInference, err)
	default:
		i.state = Completed
		return Result{Outcome: OutcomeCompleted, Text: out.Text}, nil
	}
}

// RequestCancel signals the running invocation's token and returns without
// waiting for the pipeline to stop.
func (i *Invoker) RequestCancel() CancelResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Running || i.token == nil {
		return NothingToCancel
	}
	i.token.Signal()
	return CancelRequested
}
