package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if got := Logger(context.Background()); got != NoopLogger() {
		t.Fatalf("expected noop logger, got %v", got)
	}
	if HasLogger(context.Background()) {
		t.Fatal("expected no request logger")
	}

	logger := zap.NewExample()
	ctx := WithLogger(context.Background(), logger)
	if Logger(ctx) != logger {
		t.Fatal("expected stored logger")
	}
	if !HasLogger(ctx) {
		t.Fatal("expected request logger to be reported")
	}
}

func TestCheckoutID(t *testing.T) {
	ctx := WithCheckoutID(context.Background(), "  chk_1 ")
	if got := CheckoutID(ctx); got != "chk_1" {
		t.Fatalf("expected chk_1, got %q", got)
	}
	if got := CheckoutID(WithCheckoutID(context.Background(), " ")); got != "" {
		t.Fatalf("expected blank id to be ignored, got %q", got)
	}
}

func TestTraceID(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatal("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", Sampled: true})
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestTraceInfoLoggingResource(t *testing.T) {
	info := TraceInfo{TraceID: "abc"}
	if got := info.LoggingResource(); got != "" {
		t.Fatalf("expected empty resource without project, got %q", got)
	}
	info.ProjectID = "hf-prod"
	if got := info.LoggingResource(); got != "projects/hf-prod/traces/abc" {
		t.Fatalf("unexpected resource %q", got)
	}
}
