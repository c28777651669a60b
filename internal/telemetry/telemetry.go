package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kafq/kafq/internal/domain"
)

const serviceName = "kafq-worker"

var tracer trace.Tracer

type Option func(*config)

type config struct {
	exporter sdktrace.SpanExporter
}

func WithTestExporter() Option {
	return func(c *config) {
		c.exporter = noopExporter{}
	}
}

func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(c *config) {
		c.exporter = exp
	}
}

func Init(opts ...Option) (*sdktrace.TracerProvider, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	if cfg.exporter == nil {
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		cfg.exporter = exp
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(cfg.exporter),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)
	return tp, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(serviceName)
	}
	return tracer
}

func StartRecordSpan(ctx context.Context, rec domain.Record) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "record.process",
		trace.WithAttributes(
			attribute.String("record.topic", rec.Topic),
			attribute.Int64("record.partition", int64(rec.Partition)),
			attribute.Int64("record.offset", rec.Offset),
		),
	)
}

func StartExecuteSpan(ctx context.Context, job domain.Job, tryCount int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.func", job.Func),
			attribute.Int64("job.try_count", int64(tryCount)),
		),
	)
}

func StartForwardSpan(ctx context.Context, rec domain.Record) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "deadletter.forward",
		trace.WithAttributes(
			attribute.String("record.topic", rec.Topic),
			attribute.Int64("record.partition", int64(rec.Partition)),
			attribute.Int64("record.offset", rec.Offset),
		),
	)
}

func StartCommitSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "offset.commit")
}

type noopExporter struct{}

func (noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error { return nil }
