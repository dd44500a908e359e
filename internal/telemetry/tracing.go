// Package telemetry sets up tracing and exposes the engine's metrics.
package telemetry

import (
	"context"
	"errors"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

const tracerName = "github.com/hochfrequenz/taskpilot"

// Config controls tracing
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint disables export when empty.
	OTLPEndpoint string
	Insecure     bool
}

// Init installs the global tracer provider and returns its shutdown func.
// Without an endpoint spans are not exported and shutdown is a no-op.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	u, err := url.Parse(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	endpoint := u.Host
	if endpoint == "" {
		// host:port without scheme
		endpoint = cfg.OTLPEndpoint
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newTracerProvider(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	), nil
}

// Tracer returns the engine's tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TaskAttributes are the identifying attributes attached to every task span
func TaskAttributes(t *domain.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
		attribute.String("task.repo", t.Repo),
		attribute.String("task.user", t.User),
	}
}

// StartTask starts a span for work on a task
func StartTask(ctx context.Context, name string, t *domain.Task) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(TaskAttributes(t)...))
}
