package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartRecordsSpanAndError(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := Start(context.Background(), "workflow", attribute.String("symbol", "BTCUSDT"))
	if TraceID(ctx) == "" {
		t.Error("TraceID empty inside a recording span")
	}
	SetError(span, nil) // ignored
	SetError(span, errors.New("venue down"))
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("%d spans ended, want 1", len(ended))
	}
	got := ended[0]
	if got.Name() != "workflow" {
		t.Errorf("name = %q, want workflow", got.Name())
	}
	if got.Status().Code != codes.Error || got.Status().Description != "venue down" {
		t.Errorf("status = %+v, want error venue down", got.Status())
	}
	if len(got.Events()) != 1 {
		t.Errorf("%d events, want the recorded error", len(got.Events()))
	}
}

func TestTraceIDWithoutSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("TraceID = %q, want empty", id)
	}
}
