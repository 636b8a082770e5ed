package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

func TestTraceMiddlewareHonoursCloudTraceHeader(t *testing.T) {
	var seen requestctx.TraceInfo
	var checkoutID string
	r := chi.NewRouter()
	r.Use(TraceMiddleware("hf-prod"))
	r.Get("/api/v1/checkouts/{checkoutID}", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestctx.Trace(r.Context())
		checkoutID = requestctx.CheckoutID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkouts/chk_42", nil)
	req.Header.Set(cloudTraceHeader, testTraceID+"/1;o=1")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if seen.TraceID != testTraceID || seen.ProjectID != "hf-prod" {
		t.Fatalf("unexpected trace info %+v", seen)
	}
	if checkoutID != "chk_42" {
		t.Fatalf("expected checkout id on context, got %q", checkoutID)
	}
	if got := rr.Header().Get(cloudTraceHeader); !strings.HasPrefix(got, testTraceID+"/") {
		t.Fatalf("expected cloud trace header echo, got %q", got)
	}
}

func TestTraceMiddlewareFallsBackToTraceparent(t *testing.T) {
	var seen requestctx.TraceInfo
	handler := TraceMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", nil)
	req.Header.Set("traceparent", "00-"+testTraceID+"-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen.TraceID != testTraceID || !seen.Sampled {
		t.Fatalf("unexpected trace info %+v", seen)
	}
	if got := rr.Header().Get("traceparent"); !strings.Contains(got, testTraceID) {
		t.Fatalf("expected traceparent echo, got %q", got)
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		ok      bool
		sampled bool
	}{
		{name: "empty", header: "", ok: false},
		{name: "missing span", header: testTraceID, ok: false},
		{name: "short trace", header: "abc/1;o=1", ok: false},
		{name: "decimal span sampled", header: testTraceID + "/12345;o=1", ok: true, sampled: true},
		{name: "hex span unsampled", header: testTraceID + "/00f067aa0ba902b7;o=0", ok: true},
		{name: "zero span", header: testTraceID + "/0;o=1", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, ok := parseCloudTraceContext(tc.header)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && (sc.TraceID().String() != testTraceID || sc.IsSampled() != tc.sampled || !sc.IsRemote()) {
				t.Fatalf("unexpected span context %+v", sc)
			}
		})
	}
}

func TestSpanName(t *testing.T) {
	if got := spanName("POST", ""); got != "checkout.http POST" {
		t.Fatalf("unexpected provisional name %q", got)
	}
	if got := spanName("POST", "/api/v1/checkouts/{checkoutID}/submit"); got != "POST /api/v1/checkouts/{checkoutID}/submit" {
		t.Fatalf("unexpected routed name %q", got)
	}
}

func TestCloudTraceContextRoundTrip(t *testing.T) {
	in, ok := parseCloudTraceContext(testTraceID + "/12345;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	carrier := propagation.MapCarrier{}
	cloudTraceContext{}.Inject(trace.ContextWithSpanContext(context.Background(), in), carrier)
	if got := carrier.Get(cloudTraceHeader); got != testTraceID+"/12345;o=1" {
		t.Fatalf("unexpected header %q", got)
	}
}
