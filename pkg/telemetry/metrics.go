package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments of the pipeline. All Record methods are safe
// on a nil receiver.
type Metrics struct {
	flowDuration metric.Float64Histogram
	flowRuns     metric.Int64Counter
	flowErrors   metric.Int64Counter

	stepDuration metric.Float64Histogram
	stepMessages metric.Int64Counter
	stepFailures metric.Int64Counter

	modelDuration  metric.Float64Histogram
	modelTokensIn  metric.Int64Counter
	modelTokensOut metric.Int64Counter
	modelErrors    metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
	httpBytes    metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on a Prometheus registry.
// A nil registerer uses the process-wide default, which the HTTP surface
// serves at /metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter(tracerName)

	m := &Metrics{}
	var firstErr error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return h
	}

	m.flowDuration = histogram("qtype_flow_run_duration_seconds", "Flow run duration in seconds")
	m.flowRuns = counter("qtype_flow_runs_total", "Completed flow runs")
	m.flowErrors = counter("qtype_flow_errors_total", "Flow runs that ended in error")

	m.stepDuration = histogram("qtype_step_duration_seconds", "Per-message step execution duration in seconds")
	m.stepMessages = counter("qtype_step_messages_total", "Messages processed per step")
	m.stepFailures = counter("qtype_step_failures_total", "Messages a step failed on")

	m.modelDuration = histogram("qtype_model_request_duration_seconds", "Model request duration in seconds")
	m.modelTokensIn = counter("qtype_model_tokens_input_total", "Input tokens sent to models")
	m.modelTokensOut = counter("qtype_model_tokens_output_total", "Output tokens received from models")
	m.modelErrors = counter("qtype_model_errors_total", "Failed model requests")

	m.httpDuration = histogram("qtype_http_request_duration_seconds", "HTTP request duration in seconds")
	m.httpRequests = counter("qtype_http_requests_total", "HTTP requests served")
	m.httpBytes = counter("qtype_http_response_bytes_total", "HTTP response bytes written")

	if firstErr != nil {
		return nil, fmt.Errorf("telemetry: creating instruments: %w", firstErr)
	}
	return m, nil
}

// RecordFlowRun counts one finished flow execution.
func (m *Metrics) RecordFlowRun(ctx context.Context, flow string, duration time.Duration, err error) {
	if m == nil || m.flowRuns == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("flow", flow))
	m.flowDuration.Record(ctx, duration.Seconds(), attrs)
	m.flowRuns.Add(ctx, 1, attrs)
	if err != nil {
		m.flowErrors.Add(ctx, 1, attrs)
	}
}

// RecordStep counts one message through a step.
func (m *Metrics) RecordStep(ctx context.Context, step, stepType string, duration time.Duration, err error) {
	if m == nil || m.stepMessages == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("type", stepType),
	)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
	m.stepMessages.Add(ctx, 1, attrs)
	if err != nil {
		m.stepFailures.Add(ctx, 1, attrs)
	}
}

// RecordModelCall counts one model request with its token usage.
func (m *Metrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.modelDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.modelDuration.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 {
		m.modelTokensIn.Add(ctx, int64(inputTokens), attrs)
	}
	if outputTokens > 0 {
		m.modelTokensOut.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil {
		m.modelErrors.Add(ctx, 1, attrs)
	}
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytesOut int64) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
	if bytesOut > 0 {
		m.httpBytes.Add(ctx, bytesOut, attrs)
	}
}
