package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/ingest"
	"github.com/loqalabs/loqa-transcribe/internal/invoker"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

var (
	// ErrNotLoaded is returned by Transcribe before any model was loaded.
	ErrNotLoaded = errors.New("no model loaded")
	// ErrNoAudio is returned by Transcribe before any audio was loaded.
	ErrNoAudio = errors.New("no audio loaded")
	// ErrBusy is returned when a load or transcription is already running.
	ErrBusy = invoker.ErrBusy
)

// Recorder persists the session timeline.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, runtime string) error
	Record(ctx context.Context, sessionID, eventType string, payload any) error
}

// Publisher broadcasts session results.
type Publisher interface {
	PublishTranscript(ctx context.Context, t protocol.Transcript) error
	PublishModelLoaded(ctx context.Context, m protocol.ModelLoaded) error
}

// Options wires a Session. Loader is required; the rest
// falls back to inert defaults.
type Options struct {
	RuntimeName      string
	Logger           *slog.Logger
	Loader           inference.Loader
	Resampler        *audio.Resampler
	Fetcher          *ingest.Fetcher
	Catalog          ingest.Catalog
	Status           *status.Log
	Recorder         Recorder
	Publisher        Publisher
	DefaultModel     string
	DefaultPrecision string
	Device           string
}

// Info is a snapshot of the session state.
type Info struct {
	ID           string `json:"id"`
	Model        string `json:"model,omitempty"`
	Precision    string `json:"precision,omitempty"`
	Loaded       bool   `json:"loaded"`
	Source       string `json:"source,omitempty"`
	TaskLocked   bool   `json:"task_locked"`
	Loading      bool   `json:"loading"`
	Transcribing bool   `json:"transcribing"`
}

// Session owns the active pipeline, the current audio source and the
// transcript. All mutable state lives here; there is one per process.
type Session struct {
	id        string
	opts      Options
	logger    *slog.Logger
	status    *status.Log
	invoker   *invoker.Invoker
	tracer    trace.Tracer
	metrics   *instruments
	recorder  Recorder
	publisher Publisher

	mu           sync.Mutex
	pipe         inference.Pipeline
	modelID      string
	precision    string
	source       *ingest.Source
	transcript   string
	loading      bool
	transcribing bool

	// cancelRun ends the current Transcribe call from its start, before the
	// invoker holds a token.
	cancelRun     context.CancelFunc
	stopRequested bool
}

func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Loader == nil {
		return nil, errors.New("session: loader is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RuntimeName == "" {
		opts.RuntimeName = "loqa-asr"
	}
	if opts.Status == nil {
		opts.Status = status.NewLog(0, opts.Logger)
	}
	if opts.Catalog == nil {
		opts.Catalog = ingest.Catalog{}
	}

	s := &Session{
		id:        uuid.NewString(),
		opts:      opts,
		status:    opts.Status,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-transcribe/session"),
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
	}
	s.logger = opts.Logger.With(slog.String("component", "session"), slog.String("session_id", s.id))
	s.invoker = invoker.New(s.status)

	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if s.recorder != nil {
		if err := s.recorder.AppendSession(ctx, s.id, opts.RuntimeName); err != nil {
			return nil, fmt.Errorf("record session: %w", err)
		}
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// SetPublisher attaches a result publisher.
func (s *Session) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Status is the session's status log.
func (s *Session) Status() *status.Log { return s.status }

// Samples lists the catalog keys in order.
func (s *Session) Samples() []string { return s.opts.Catalog.Keys() }

func (s *Session) report(msg string) { s.status.Report(msg) }

// Loaded reports whether a pipeline is active.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe != nil
}

// TaskLocked reports whether the active model is English-only, in which case
// a UI should pin its task selector to transcribe.
func (s *Session) TaskLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe != nil && inference.IsEnglishOnly(s.modelID)
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:           s.id,
		Model:        s.modelID,
		Precision:    s.precision,
		Loaded:       s.pipe != nil,
		Loading:      s.loading,
		Transcribing: s.transcribing,
	}
	if s.source != nil {
		info.Source = s.source.Name
	}
	info.TaskLocked = info.Loaded && inference.IsEnglishOnly(s.modelID)
	return info
}

// LoadModel builds a pipeline for model at precision and makes it the active
// one. Empty arguments select the configured defaults. On failure the
// previously active pipeline stays in place.
func (s *Session) LoadModel(ctx context.Context, model, precision string) error {
	if model == "" {
		model = s.opts.DefaultModel
	}
	if precision == "" {
		precision = s.opts.DefaultPrecision
	}

	s.mu.Lock()
	if s.loading || s.transcribing {
		s.mu.Unlock()
		return ErrBusy
	}
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "session.LoadModel", trace.WithAttributes(
		attribute.String("asr.model", model),
		attribute.String("asr.precision", precision),
	))
	defer span.End()

	if !inference.KnownPrecision(precision) {
		s.logger.Warn("unknown precision, using fp32 weight files", slog.String("precision", precision))
	}
	s.report("Creating ASR pipeline (may download ~200 MB)…")
	throttle := status.NewThrottle(s.status, "download")
	cfg := inference.NewLoadConfig(model, precision, s.opts.Device)
	pipe, err := inference.Load(ctx, s.opts.Loader, cfg, throttle.Observe)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordModelLoad(ctx, "error")
		s.report("❌ Failed to create pipeline: " + err.Error())
		s.logger.Warn("pipeline load failed", slog.String("model", model), slogError(err))
		return err
	}

	s.mu.Lock()
	old := s.pipe
	s.pipe = pipe
	s.modelID = model
	s.precision = precision
	pub := s.publisher
	s.mu.Unlock()

	if closer, ok := old.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("closing previous pipeline failed", slogError(err))
		}
	}

	s.recordModelLoad(ctx, "ok")
	s.report("✅ ASR pipeline created.")
	if inference.IsEnglishOnly(model) {
		s.report("English-only model: task locked to transcribe")
	}

	loaded := protocol.ModelLoaded{SessionID: s.id, Model: model, Precision: precision, Timestamp: time.Now().UTC()}
	s.record(ctx, protocol.EventModelLoaded, loaded)
	if pub != nil {
		if err := pub.PublishModelLoaded(ctx, loaded); err != nil {
			s.logger.Warn("publish model loaded failed", slogError(err))
		}
	}
	return nil
}

// LoadSource replaces the current audio source.
func (s *Session) LoadSource(ctx context.Context, src *ingest.Source) error {
	if src == nil {
		return errors.New("session: audio source is nil")
	}
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	s.report("Audio file loaded: " + src.Name)
	s.record(ctx, protocol.EventAudioLoaded, map[string]any{"name": src.Name, "bytes": len(src.Data)})
	return nil
}

// LoadFile reads path from disk and makes it the current source.
func (s *Session) LoadFile(ctx context.Context, path string) error {
	src, err := ingest.FromFile(path)
	if err != nil {
		s.report("❌ Audio load failed: " + err.Error())
		return err
	}
	return s.LoadSource(ctx, src)
}

// LoadSample fetches a catalog sample. A failed fetch leaves the current
// source untouched.
func (s *Session) LoadSample(ctx context.Context, key string) error {
	if s.opts.Fetcher == nil {
		return fmt.Errorf("%w: sample fetching is not configured", ingest.ErrFetch)
	}
	s.report(fmt.Sprintf("Fetching sample %q …", key))
	src, err := s.opts.Fetcher.Fetch(ctx, s.opts.Catalog, key)
	if err != nil {
		s.recordSample(ctx, "error")
		s.report("❌ Sample load failed: " + err.Error())
		return err
	}
	s.recordSample(ctx, "ok")

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	s.report("Sample loaded: " + key)
	s.record(ctx, protocol.EventAudioLoaded, map[string]any{"name": src.Name, "sample": key, "bytes": len(src.Data)})
	return nil
}

// Transcribe resamples the current source and runs the active pipeline on
// it. A cancelled run returns an invoker.OutcomeAborted result and no error.
// Stop is the cancellation path; a cancelled ctx also ends the call but is
// reported as a failure.
func (s *Session) Transcribe(ctx context.Context, params inference.Params) (invoker.Result, error) {
	s.mu.Lock()
	switch {
	case s.pipe == nil:
		s.mu.Unlock()
		s.report("Load a model first")
		return invoker.Result{}, ErrNotLoaded
	case s.source == nil:
		s.mu.Unlock()
		s.report("Upload an audio file first")
		return invoker.Result{}, ErrNoAudio
	case s.transcribing || s.loading:
		s.mu.Unlock()
		return invoker.Result{}, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.transcribing = true
	s.transcript = ""
	s.cancelRun = cancel
	s.stopRequested = false
	pipe, modelID, src, pub := s.pipe, s.modelID, s.source, s.publisher
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.transcribing = false
		s.cancelRun = nil
		s.mu.Unlock()
	}()

	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "session.Transcribe", trace.WithAttributes(
		attribute.String("asr.model", modelID),
		attribute.String("asr.source", src.Name),
	))
	defer span.End()

	s.report("Transcribing …")
	samples, err := s.opts.Resampler.Resample(runCtx, src.Data)
	if s.stopped() {
		return s.aborted(ctx, started, modelID, src.Name)
	}
	if err != nil {
		if errors.Is(err, audio.ErrUnsupportedEnvironment) {
			s.report("❌ Audio decoding is not available in this environment")
		} else {
			s.report("Transcription error: " + err.Error())
		}
		return s.failed(ctx, span, started, err)
	}

	opts := inference.Build(params, modelID)
	span.SetAttributes(attribute.Int("asr.samples", len(samples)), attribute.String("asr.task", string(opts.Task)))

	res, err := s.invoker.Invoke(runCtx, pipe, samples, opts)
	if res.Outcome == invoker.OutcomeAborted || (err != nil && s.stopped()) {
		return s.aborted(ctx, started, modelID, src.Name)
	}
	if err != nil {
		s.report("Transcription error: " + err.Error())
		return s.failed(ctx, span, started, err)
	}

	s.mu.Lock()
	s.transcript = res.Text
	s.mu.Unlock()
	s.report("✅ Transcription complete")
	s.recordTranscription(ctx, string(invoker.OutcomeCompleted), started)

	tr := protocol.Transcript{
		SessionID: s.id,
		Model:     modelID,
		Source:    src.Name,
		Text:      res.Text,
		Task:      string(opts.Task),
		Timestamp: time.Now().UTC(),
	}
	if opts.Language != nil {
		tr.Language = *opts.Language
	}
	s.record(ctx, protocol.EventTranscript, tr)
	if pub != nil {
		if err := pub.PublishTranscript(ctx, tr); err != nil {
			s.logger.Warn("publish transcript failed", slogError(err))
		}
	}
	return res, nil
}

func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

func (s *Session) aborted(ctx context.Context, started time.Time, modelID, source string) (invoker.Result, error) {
	s.report("Transcription aborted")
	s.recordTranscription(ctx, string(invoker.OutcomeAborted), started)
	s.record(ctx, protocol.EventCancelled, map[string]string{"model": modelID, "source": source})
	return invoker.Result{Outcome: invoker.OutcomeAborted}, nil
}

func (s *Session) failed(ctx context.Context, span trace.Span, started time.Time, err error) (invoker.Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.recordTranscription(ctx, "failed", started)
	s.record(ctx, protocol.EventFailed, map[string]string{"error": err.Error()})
	s.logger.Warn("transcription failed", slogError(err))
	return invoker.Result{}, err
}

// Stop requests cancellation of the running transcription and returns
// without waiting for it to end. It takes effect at any point of the run,
// including while audio is still being decoded.
func (s *Session) Stop() invoker.CancelResult {
	s.mu.Lock()
	running := s.cancelRun != nil
	if running {
		s.stopRequested = true
		s.cancelRun()
	}
	s.mu.Unlock()

	res := s.invoker.RequestCancel()
	if running {
		res = invoker.CancelRequested
	}
	if res == invoker.CancelRequested {
		s.report("Abort requested – pipeline cancelled")
	} else {
		s.report("Abort requested – nothing to cancel")
	}
	return res
}

// Transcript returns the text of the last completed transcription.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) ClearTranscript() {
	s.mu.Lock()
	s.transcript = ""
	s.mu.Unlock()
	s.report("🗑️ Transcription cleared")
}

// Close releases the active pipeline.
func (s *Session) Close() error {
	s.mu.Lock()
	pipe := s.pipe
	s.pipe = nil
	s.mu.Unlock()
	if closer, ok := pipe.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *Session) record(ctx context.Context, eventType string, payload any) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, s.id, eventType, payload); err != nil {
		s.logger.Warn("record event failed", slog.String("type", eventType), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
