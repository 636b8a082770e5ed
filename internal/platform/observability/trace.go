package observability

import (
	"context"
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	cloudTraceHeader = "X-Cloud-Trace-Context"
	checkoutIDAttr   = attribute.Key("checkout.id")
)

var (
	tracer = otel.Tracer("github.com/hanko-field/checkout/internal/platform/observability")
	// Cloud trace is extracted last so it wins over traceparent.
	propagators = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, cloudTraceContext{})
)

// TraceMiddleware starts the server span for a request, continuing a caller's
// X-Cloud-Trace-Context or traceparent, and echoes both headers on the
// response. After routing the span is renamed to the chi pattern.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagators.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, spanName(r.Method, ""),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			if id := checkoutIDFromRequest(r); id != "" {
				span.SetAttributes(checkoutIDAttr.String(id))
				ctx = requestctx.WithCheckoutID(ctx, id)
			}
			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			propagators.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(w, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
				span.SetName(spanName(r.Method, rctx.RoutePattern()))
			}
		})
	}
}

// cloudTraceContext carries "TRACE_ID/SPAN_ID;o=FLAG" where SPAN_ID is a
// decimal uint64.
type cloudTraceContext struct{}

var _ propagation.TextMapPropagator = cloudTraceContext{}

func (cloudTraceContext) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	flag := "0"
	if sc.IsSampled() {
		flag = "1"
	}
	spanID := sc.SpanID()
	carrier.Set(cloudTraceHeader, sc.TraceID().String()+"/"+
		strconv.FormatUint(binary.BigEndian.Uint64(spanID[:]), 10)+";o="+flag)
}

func (cloudTraceContext) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	sc, ok := parseCloudTraceContext(carrier.Get(cloudTraceHeader))
	if !ok {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

func (cloudTraceContext) Fields() []string { return []string{cloudTraceHeader} }

func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok || len(traceHex) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	for _, opt := range strings.Split(options, ";") {
		if strings.TrimSpace(opt) == "o=1" {
			flags = trace.FlagsSampled
		}
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

// parseSpanID accepts the documented decimal form and, from older proxies,
// 16 hex digits.
func parseSpanID(value string) (trace.SpanID, bool) {
	var id trace.SpanID
	if n, err := strconv.ParseUint(value, 10, 64); err == nil {
		binary.BigEndian.PutUint64(id[:], n)
		return id, id.IsValid()
	}
	if len(value) != 16 {
		return id, false
	}
	id, err := trace.SpanIDFromHex(value)
	return id, err == nil
}

func spanName(method, pattern string) string {
	method = SanitizeMethod(method)
	if pattern == "" {
		return "checkout.http " + method
	}
	return method + " " + SanitizeRoute(pattern)
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(SanitizeMethod(r.Method)),
		semconv.URLScheme(scheme),
		semconv.URLPath(SanitizeRoute(r.URL.Path)),
	}
	if r.Host != "" {
		attrs = append(attrs, semconv.ServerAddress(r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, semconv.UserAgentOriginal(ua))
	}
	return attrs
}
