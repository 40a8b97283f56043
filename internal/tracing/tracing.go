// Package tracing sets up OpenTelemetry export and the remediation spans
// the workflow records.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psantana5/healwatch/internal/logging"
	"github.com/psantana5/healwatch/pkg/models"
)

// Config holds the tracing configuration
type Config struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version,omitempty"`
	Environment    string  `mapstructure:"environment" yaml:"environment"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"` // host:port of an OTLP/HTTP collector
	SampleRatio    float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`   // 0 or >=1 samples every remediation
}

// Provider owns the exporter pipeline. A disabled provider traces nothing.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// InitTracer installs the global tracer provider. With tracing disabled the
// global provider is left as the no-op default.
func InitTracer(cfg Config, logger *logging.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return &Provider{}, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing enabled", map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.OTLPEndpoint,
	})
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Noop is a tracer that records nothing
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer("")
}

// StartRemediation opens the span covering one fault's remediation
func StartRemediation(ctx context.Context, tracer trace.Tracer, f models.Fault) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("fault.id", f.ID),
		attribute.String("fault.kind", string(f.Kind)),
		attribute.String("fault.severity", f.Severity.String()),
		attribute.String("fault.origin", f.Origin),
	}
	if f.HasArtifact() {
		attrs = append(attrs, attribute.String("fault.artifact", f.Artifact.Path))
	}
	return tracer.Start(ctx, "remediation", trace.WithAttributes(attrs...))
}

// EndRemediation records the disposition and closes the span
func EndRemediation(span trace.Span, state models.WorkflowState, reason string, attempts int) {
	span.SetAttributes(
		attribute.String("remediation.outcome", string(state)),
		attribute.Int("remediation.attempts", attempts),
	)
	if state == models.StateCommitted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}

// Step marks a workflow transition on the span in ctx
func Step(ctx context.Context, to models.WorkflowState, reason string) {
	trace.SpanFromContext(ctx).AddEvent(string(to), trace.WithAttributes(
		attribute.String("reason", reason),
	))
}

// Fail records err on the span in ctx
func Fail(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
