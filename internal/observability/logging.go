package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/model"
)

type loggerKey struct{}

// Redacted replaces sensitive values in debug output.
const Redacted = "[REDACTED]"

// NewLogger builds the process logger: JSON lines on stdout at the
// configured level, info when the level does not parse.
//
// Levels:
//   - error: 5xx responses, persistence and backend failures
//   - warn:  4xx responses, open circuit breakers, evicted sessions
//   - info:  requests, form submissions, action runs, definition load
//   - debug: validation passes, table fetches, redacted payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context's logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context's logger tagged with the caller's
// identity and correlation fields. Empty session and trace ids are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rc := model.RequestContextFrom(ctx)
	if rc == nil {
		return logger
	}
	return logger.With(requestFields(rc)...)
}

// DataSourceLogger is RequestLogger tagged with a data-source key.
func DataSourceLogger(ctx context.Context, fallback *zap.Logger, dataSource string) *zap.Logger {
	return RequestLogger(ctx, fallback).With(zap.String("data_source", dataSource))
}

func requestFields(rc *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rc.SubjectID),
		zap.String("correlation_id", rc.CorrelationID),
	)
	for key, val := range map[string]string{"session_id": rc.SessionID, "trace_id": rc.TraceID} {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	return fields
}

// alwaysRedacted names form fields never written to logs in clear.
var alwaysRedacted = []string{
	"password", "password_confirm", "secret", "token", "access_token",
	"refresh_token", "api_key", "authorization", "credit_card", "iban", "pin",
}

// RedactBody copies a form payload for debug logging, replacing the values
// of sensitive fields, matched case-insensitively, with Redacted. Nested
// objects and arrays of objects are redacted too. body is not modified.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}
	hide := make(map[string]struct{}, len(alwaysRedacted)+len(sensitiveFields))
	for _, f := range alwaysRedacted {
		hide[f] = struct{}{}
	}
	for _, f := range sensitiveFields {
		hide[strings.ToLower(f)] = struct{}{}
	}
	return redactMap(body, hide)
}

func redactMap(in map[string]any, hide map[string]struct{}) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := hide[strings.ToLower(k)]; ok {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, hide)
	}
	return out
}

func redactValue(v any, hide map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, hide)
	case model.Values:
		return redactMap(val, hide)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = redactValue(item, hide)
		}
		return items
	default:
		return v
	}
}
