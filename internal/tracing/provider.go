// Package tracing emits OpenTelemetry spans around backend submissions.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/torosent/crankexport/internal/config"
)

const (
	defaultServiceName = "crankexport"
	tracerName         = "github.com/torosent/crankexport/delivery"
)

// Provider owns the tracer used for submission spans.
type Provider struct {
	tp        *sdktrace.TracerProvider
	tracer    trace.Tracer
	propagate bool
}

// Init starts span export for cfg.Tracing. Without an endpoint the provider hands out a
// no-op tracer. OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES are honoured; an
// explicit service name and the exporter's own attributes take precedence.
func Init(ctx context.Context, cfg *config.Config) (*Provider, error) {
	tc := cfg.Tracing
	if !tc.Enabled() {
		return &Provider{}, nil
	}

	sampler, err := samplerFor(tc.SampleRate)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(defaultServiceName)),
		resource.WithFromEnv(),
		resource.WithAttributes(ResourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := newExporter(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:        tp,
		tracer:    tp.Tracer(tracerName),
		propagate: tc.ShouldPropagate(),
	}, nil
}

// ResourceAttributes describes the exporting process: its role, the backend it writes
// to and, for CloudWatch, the target namespace and region.
func ResourceAttributes(cfg *config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("crankexport.role", string(cfg.Role)),
		attribute.String("crankexport.backend", string(cfg.Backend.Type)),
		attribute.String("crankexport.window_interval", cfg.WindowInterval.String()),
	}
	if name := strings.TrimSpace(cfg.Tracing.ServiceName); name != "" {
		attrs = append(attrs, semconv.ServiceName(name))
	}
	if cfg.Backend.Type == config.BackendCloudWatch {
		attrs = append(attrs, attribute.String("crankexport.cloudwatch.namespace", cfg.Backend.CloudWatch.Namespace))
		if cfg.Backend.CloudWatch.Region != "" {
			attrs = append(attrs, attribute.String("cloud.region", cfg.Backend.CloudWatch.Region))
		}
	}
	return attrs
}

// Tracer returns the submission tracer, a no-op one when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return p.tracer
}

// ShouldPropagate reports whether the HTTP backend injects W3C trace headers.
func (p *Provider) ShouldPropagate() bool {
	return p != nil && p.propagate
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func samplerFor(rate float64) (sdktrace.Sampler, error) {
	switch {
	case rate < 0 || rate > 1:
		return nil, fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0, got %g", rate)
	case rate == 0:
		return sdktrace.NeverSample(), nil
	case rate == 1:
		return sdktrace.AlwaysSample(), nil
	default:
		return sdktrace.TraceIDRatioBased(rate), nil
	}
}

func newExporter(ctx context.Context, tc config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch protocol := strings.ToLower(tc.Protocol); protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q: use \"grpc\" or \"http\"", protocol)
	}
}
