package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

// EventLogger matches the structured event hook accepted by the checkout engine.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewLogger builds the JSON stdout logger. LOG_LEVEL picks the minimum level
// and defaults to info when unset or unknown.
func NewLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	return zap.New(newCore(zapcore.Lock(os.Stdout), level),
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	), nil
}

// newCore encodes entries with the field names Cloud Logging parses from
// container output.
func newCore(out zapcore.WriteSyncer, level zapcore.LevelEnabler) zapcore.Core {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:    "message",
		TimeKey:       "timestamp",
		LevelKey:      "severity",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:   encodeSeverity,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	})
	return zapcore.NewCore(enc, out, level)
}

func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.FatalLevel:
		enc.AppendString("ALERT")
	default:
		enc.AppendString("DEFAULT")
	}
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// NewEventLogger bridges engine events onto zap. A request-scoped logger on the
// context wins over the fallback so events carry request and trace fields.
func NewEventLogger(fallback *zap.Logger) EventLogger {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := fallback
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zapFields := make([]zap.Field, 0, len(fields)+2)
		zapFields = append(zapFields, zap.String("event", event))
		if id := requestctx.CheckoutID(ctx); id != "" {
			if _, ok := fields["checkoutID"]; !ok {
				zapFields = append(zapFields, zap.String("checkoutID", id))
			}
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		if ce := logger.Check(eventLevel(event), event); ce != nil {
			ce.Write(zapFields...)
		}
	}
}

func eventLevel(event string) zapcore.Level {
	name := event[strings.LastIndex(event, ".")+1:]
	switch {
	case strings.HasSuffix(name, "failed"), strings.HasSuffix(name, "rejected"), strings.HasSuffix(name, "missed"):
		return zapcore.WarnLevel
	case strings.HasSuffix(name, "stale"), strings.HasSuffix(name, "ignored"):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// PrintfAdapter exposes zap through a Printf method for middleware that logs that way.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter wraps logger. A nil logger discards output.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf logs at warn level since callers only report failures through it.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Warnf(format, args...)
}
