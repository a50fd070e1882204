// Package telemetry exports spans and metrics. Traces go to the OTLP sink an
// application declares; metrics go to a Prometheus registry served by the
// HTTP surface. A nil *Telemetry or *Metrics is valid and records nothing,
// so callers never guard their instrumentation.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

const tracerName = "github.com/qtype-ai/qtype"

// Options tunes trace export beyond what the sink declaration carries.
type Options struct {
	// SampleRatio is the trace sampling ratio; zero or less samples
	// everything.
	SampleRatio float64
	// Headers are merged over the sink's declared headers, e.g. a resolved
	// authorization header.
	Headers map[string]string
}

// Telemetry owns a tracer provider and hands out spans.
type Telemetry struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Disabled returns a telemetry whose spans go nowhere.
func Disabled() *Telemetry {
	tp := noop.NewTracerProvider()
	return &Telemetry{provider: tp, tracer: tp.Tracer(tracerName)}
}

// New builds trace export for a declared sink. A nil sink disables tracing.
// The initial exporter construction does not touch the network; a dead
// collector surfaces in export, not here.
func New(ctx context.Context, sink *dsl.TelemetrySink, opts Options) (*Telemetry, error) {
	if sink == nil {
		return Disabled(), nil
	}
	exporter, err := newExporter(ctx, sink, opts.Headers)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating exporter: %w", err)
	}

	serviceName := sink.ServiceName
	if serviceName == "" {
		serviceName = "qtype"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Telemetry{provider: tp, tracer: tp.Tracer(tracerName), shutdown: tp.Shutdown}, nil
}

// newExporter picks the span exporter: the "stdout" endpoint prints spans
// for local runs, anything else ships OTLP over the declared protocol.
func newExporter(ctx context.Context, sink *dsl.TelemetrySink, extra map[string]string) (sdktrace.SpanExporter, error) {
	if sink.Endpoint == "stdout" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	headers := make(map[string]string, len(sink.Headers)+len(extra))
	for k, v := range sink.Headers {
		headers[k] = v
	}
	for k, v := range extra {
		headers[k] = v
	}
	if sink.Protocol == "grpc" {
		grpcOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(sink.Endpoint),
			otlptracegrpc.WithInsecure(),
		}
		if len(headers) > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(headers))
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	}
	httpOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(sink.Endpoint),
		otlptracehttp.WithInsecure(),
	}
	if len(headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(headers))
	}
	return otlptracehttp.New(ctx, httpOpts...)
}

// StartSpan opens a span and returns the context carrying it, so child spans
// nest under it.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if t == nil {
		return ctx, &Span{}
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

// Shutdown flushes pending spans. Safe on a disabled telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// Span is a live span handle. The zero Span records nothing.
type Span struct {
	span trace.Span
}

// RecordEvent attaches a point-in-time event to the span.
func (s *Span) RecordEvent(name string, attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes adds attributes discovered after the span started.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// End closes the span. A non-nil err records it and marks the span failed.
func (s *Span) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
