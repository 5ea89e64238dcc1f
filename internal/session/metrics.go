package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
	modelLoads     metric.Int64Counter
	samples        metric.Int64Counter
}

func (s *Session) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/session")

	var err error
	m := &instruments{}
	if m.transcriptions, err = meter.Int64Counter("loqa.asr.transcriptions",
		metric.WithDescription("Finished transcriptions by outcome")); err != nil {
		return err
	}
	if m.duration, err = meter.Float64Histogram("loqa.asr.transcription.duration",
		metric.WithDescription("Wall time of a transcription call"), metric.WithUnit("s")); err != nil {
		return err
	}
	if m.modelLoads, err = meter.Int64Counter("loqa.asr.model_loads",
		metric.WithDescription("Pipeline construction attempts by result")); err != nil {
		return err
	}
	if m.samples, err = meter.Int64Counter("loqa.asr.samples.fetched",
		metric.WithDescription("Catalog samples fetched by result")); err != nil {
		return err
	}

	loaded, err := meter.Int64ObservableGauge("loqa.asr.model_loaded",
		metric.WithDescription("1 while a pipeline is loaded"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var v int64
		if s.Loaded() {
			v = 1
		}
		obs.ObserveInt64(loaded, v)
		return nil
	}, loaded)
	if err != nil {
		return err
	}
	s.metrics = m
	return nil
}

func (s *Session) recordTranscription(ctx context.Context, outcome string, started time.Time) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.metrics.transcriptions.Add(ctx, 1, attrs)
	s.metrics.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (s *Session) recordModelLoad(ctx context.Context, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.modelLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (s *Session) recordSample(ctx context.Context, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.samples.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
