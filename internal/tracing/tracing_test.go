package tracing

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "without SERVICE_VERSION", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("SERVICE_VERSION", tt.envValue)
				defer os.Unsetenv("SERVICE_VERSION")
			} else {
				os.Unsetenv("SERVICE_VERSION")
			}
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTrimScheme(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://collector:4318", "collector:4318"},
		{"https://collector:4318", "collector:4318"},
		{"collector:4318", "collector:4318"},
	}
	for _, tt := range tests {
		if got := trimScheme(tt.in); got != tt.want {
			t.Errorf("trimScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStartSpanAndError(t *testing.T) {
	recorder := setupRecorder(t)

	ctx, span := StartSpan(context.Background(), "delivery.attempt", attribute.String("job_id", "job-1"))
	AddSpanEvent(ctx, "transport.call")
	SetSpanError(ctx, errors.New("timeout"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "delivery.attempt" {
		t.Errorf("span name = %q, want delivery.attempt", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status().Code)
	}
	if len(s.Events()) < 2 {
		t.Errorf("span events = %d, want at least 2 (event + error)", len(s.Events()))
	}
	found := false
	for _, kv := range s.Attributes() {
		if kv.Key == "job_id" && kv.Value.AsString() == "job-1" {
			found = true
		}
	}
	if !found {
		t.Error("job_id attribute missing from span")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	setupRecorder(t)

	ctx, span := StartSpan(context.Background(), "engine.Submit")
	defer span.End()
	wantTrace := GetTraceID(ctx)
	if wantTrace == "" {
		t.Fatal("GetTraceID() returned empty id for active span")
	}

	headers := InjectHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("InjectHeaders() missing traceparent: %v", headers)
	}

	restored := ExtractHeaders(context.Background(), headers)
	childCtx, child := StartSpan(restored, "delivery.attempt")
	defer child.End()
	if got := GetTraceID(childCtx); got != wantTrace {
		t.Errorf("child trace id = %q, want %q", got, wantTrace)
	}
}

func TestExtractHeadersEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ExtractHeaders(ctx, nil); got != ctx {
		t.Error("ExtractHeaders(nil) should return the input context")
	}
	if GetTraceID(ctx) != "" {
		t.Error("GetTraceID() on empty context should be empty")
	}
}
