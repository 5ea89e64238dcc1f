package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/inference"
	"github.com/loqalabs/loqa-transcribe/internal/ingest"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/status"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServers []*http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	session *session.Session
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if err := r.initComponents(ctx); err != nil {
		r.closeComponents()
		return err
	}
	defer r.closeComponents()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	NewAPIHandler(mux, r.session, r.store, r.cfg.Audio.MaxUploadBytes, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           tel.requests.instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", tel.handler)
		servers = append(servers, &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second})
	} else {
		mux.Handle("GET /metrics", tel.handler)
	}

	for _, srv := range servers {
		r.wg.Add(1)
		go func(srv *http.Server) {
			defer r.wg.Done()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
				cancel()
			}
		}(srv)
	}
	r.httpServers = servers

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.RunRetention(ctx, retentionInterval)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.session.ID()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	r.session.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range r.httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// initComponents builds the bus, event store and session from config.
func (r *Runtime) initComponents(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
		if err := client.EnsureStream(ctx); err != nil {
			r.logger.Warn("jetstream unavailable, publishing without retention", slog.String("error", err.Error()))
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	sess, err := NewSession(ctx, r.cfg, r.logger, store)
	if err != nil {
		return err
	}
	r.session = sess
	sess.Status().AddSink(store.StatusSink(sess.ID()))
	if r.bus != nil {
		pub := bus.NewPublisher(r.bus, sess.ID())
		sess.SetPublisher(pub)
		sess.Status().AddSink(pub)
		stop := func() string { return string(sess.Stop()) }
		if _, err := bus.ServeStop(r.bus, sess.ID(), stop); err != nil {
			return fmt.Errorf("subscribe %s: %w", protocol.SubjectControlStop, err)
		}
	}
	return nil
}

func (r *Runtime) closeComponents() {
	var errs []error
	if r.session != nil {
		errs = append(errs, r.session.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("component shutdown error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.nats.Shutdown()
}

// NewSession builds a Session from config. recorder may be nil.
func NewSession(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder session.Recorder) (*session.Session, error) {
	loader, err := inference.NewLoader(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	decoder, err := audio.NewDecoder(cfg.Audio.Decoder, cfg.Audio.FFmpegPath, cfg.Audio.FFprobePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("audio decoder selected", slog.String("decoder", fmt.Sprintf("%T", decoder)))
	fetcher := ingest.NewFetcher(
		time.Duration(cfg.Fetch.TimeoutMS)*time.Millisecond,
		cfg.Fetch.UserAgent,
		cfg.Audio.MaxUploadBytes,
	)
	return session.New(ctx, session.Options{
		RuntimeName:      cfg.RuntimeName,
		Logger:           logger,
		Loader:           loader,
		Resampler:        audio.NewResampler(decoder),
		Fetcher:          fetcher,
		Catalog:          ingest.Catalog(cfg.Samples),
		Status:           status.NewLog(cfg.Status.Scrollback, logger),
		Recorder:         recorder,
		DefaultModel:     cfg.Pipeline.DefaultModel,
		DefaultPrecision: cfg.Pipeline.DefaultPrecision,
		Device:           cfg.Pipeline.Device,
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
