package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// recordedTelemetry wires the tracer to an in-memory recorder.
func recordedTelemetry() (*Telemetry, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return &Telemetry{provider: tp, tracer: tp.Tracer(tracerName), shutdown: tp.Shutdown}, sr
}

func TestSpanLifecycle(t *testing.T) {
	tel, sr := recordedTelemetry()

	_, span := tel.StartSpan(context.Background(), "flow.run", attribute.String("flow", "qa"))
	span.RecordEvent("step.start", attribute.String("step", "infer"))
	span.SetAttributes(attribute.Int("messages", 3))
	span.End(nil)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "flow.run", got.Name())
	assert.Equal(t, codes.Ok, got.Status().Code)
	assert.Contains(t, got.Attributes(), attribute.String("flow", "qa"))
	assert.Contains(t, got.Attributes(), attribute.Int("messages", 3))

	require.Len(t, got.Events(), 1)
	assert.Equal(t, "step.start", got.Events()[0].Name)
	assert.Contains(t, got.Events()[0].Attributes, attribute.String("step", "infer"))
}

func TestSpanEndWithError(t *testing.T) {
	tel, sr := recordedTelemetry()

	_, span := tel.StartSpan(context.Background(), "flow.run")
	span.End(errors.New("boom"))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)

	var names []string
	for _, event := range ended[0].Events() {
		names = append(names, event.Name)
	}
	assert.Contains(t, names, "exception")
}

func TestSpanNesting(t *testing.T) {
	tel, sr := recordedTelemetry()

	ctx, parent := tel.StartSpan(context.Background(), "flow.run")
	_, child := tel.StartSpan(ctx, "step.infer")
	child.End(nil)
	parent.End(nil)

	ended := sr.Ended()
	require.Len(t, ended, 2)
	childSpan, parentSpan := ended[0], ended[1]
	assert.Equal(t, "step.infer", childSpan.Name())
	assert.Equal(t, parentSpan.SpanContext().SpanID(), childSpan.Parent().SpanID())
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	ctx, span := tel.StartSpan(context.Background(), "flow.run")
	assert.Equal(t, context.Background(), ctx)
	span.RecordEvent("ignored")
	span.SetAttributes(attribute.Bool("ignored", true))
	span.End(nil)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestDisabledTelemetry(t *testing.T) {
	tel := Disabled()

	_, span := tel.StartSpan(context.Background(), "flow.run")
	span.RecordEvent("noop")
	span.End(errors.New("still fine"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewWithoutSinkDisablesTracing(t *testing.T) {
	tel, err := New(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewExporterSelection(t *testing.T) {
	for _, tc := range []struct {
		name string
		sink *dsl.TelemetrySink
	}{
		{"stdout", &dsl.TelemetrySink{ID: "t", Endpoint: "stdout"}},
		{"http", &dsl.TelemetrySink{ID: "t", Endpoint: "localhost:4318"}},
		{"grpc", &dsl.TelemetrySink{ID: "t", Endpoint: "localhost:4317", Protocol: "grpc"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.sink.SetDefaults()
			tel, err := New(context.Background(), tc.sink, Options{SampleRatio: 0.5})
			require.NoError(t, err)
			require.NotNil(t, tel)
		})
	}
}

func TestMetricsRecordAndGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordFlowRun(ctx, "qa", 120*time.Millisecond, nil)
	m.RecordFlowRun(ctx, "qa", 80*time.Millisecond, errors.New("boom"))
	m.RecordStep(ctx, "infer", "llm_inference", 30*time.Millisecond, nil)
	m.RecordModelCall(ctx, "gpt-4.1", 900*time.Millisecond, 120, 48, nil)
	m.RecordHTTPRequest(ctx, "POST", "/flows/qa", 200, 5*time.Millisecond, 1024)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, want := range []string{
		"qtype_flow_runs_total",
		"qtype_flow_errors_total",
		"qtype_flow_run_duration_seconds",
		"qtype_step_messages_total",
		"qtype_model_tokens_input_total",
		"qtype_http_requests_total",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordFlowRun(ctx, "qa", time.Second, nil)
	m.RecordStep(ctx, "infer", "llm_inference", time.Second, nil)
	m.RecordModelCall(ctx, "gpt-4.1", time.Second, 1, 1, nil)
	m.RecordHTTPRequest(ctx, "GET", "/health", 200, time.Second, 1)
}

func TestMiddlewareRecordsSpanAndMetrics(t *testing.T) {
	tel, sr := recordedTelemetry()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	handler := Middleware(tel, m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("made"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flows/qa", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "made", rec.Body.String())

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "http.request", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("http.status_code", 201))
	assert.Contains(t, ended[0].Attributes(), attribute.String("http.path", "/flows/qa"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, family := range families {
		if family.GetName() == "qtype_http_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMiddlewareMarksErrorResponses(t *testing.T) {
	tel, sr := recordedTelemetry()

	handler := Middleware(tel, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flows/qa", nil))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Status().Description, "502")
}

func TestMiddlewareWithNothingWired(t *testing.T) {
	handler := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
