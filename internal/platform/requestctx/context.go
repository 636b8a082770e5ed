// Package requestctx carries per-request values (logger, trace, checkout id)
// between the HTTP middlewares, the handlers and the checkout engine.
package requestctx

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

type (
	loggerKey   struct{}
	traceKey    struct{}
	checkoutKey struct{}
)

var nop = zap.NewNop()

// TraceInfo is the request's position in a distributed trace.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// LoggingResource is the value Cloud Logging expects in
// logging.googleapis.com/trace; empty without a project.
func (t TraceInfo) LoggingResource() string {
	if t.ProjectID == "" || t.TraceID == "" {
		return ""
	}
	return "projects/" + t.ProjectID + "/traces/" + t.TraceID
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(orBackground(ctx), loggerKey{}, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := lookup[*zap.Logger](ctx, loggerKey{}); ok && logger != nil {
		return logger
	}
	return nop
}

// HasLogger reports whether a real request logger was installed.
func HasLogger(ctx context.Context) bool {
	logger, ok := lookup[*zap.Logger](ctx, loggerKey{})
	return ok && logger != nil && logger != nop
}

func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return lookup[TraceInfo](ctx, traceKey{})
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithCheckoutID ignores blank ids.
func WithCheckoutID(ctx context.Context, id string) context.Context {
	ctx = orBackground(ctx)
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, checkoutKey{}, id)
}

func CheckoutID(ctx context.Context) string {
	id, _ := lookup[string](ctx, checkoutKey{})
	return id
}

func lookup[T any](ctx context.Context, key any) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
