// Package logging builds the slog loggers used across SafeTrade and carries
// request-scoped fields on the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	fieldsKey ctxKey = iota
	loggerKey
)

// fields are the request-scoped values L attaches to every record.
type fields struct {
	requestID string
	callerID  string
}

func fieldsFrom(ctx context.Context) fields {
	f, _ := ctx.Value(fieldsKey).(fields)
	return f
}

// redacted lists attribute keys whose values never reach the output.
var redacted = map[string]bool{
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redacted[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// New returns a logger writing to stdout. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a logger writing to w. Debug level adds source
// locations.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel accepts slog level names in any case ("debug", "WARN",
// "info+2"). Anything else is info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithRequestID stores the request ID used by L.
func WithRequestID(ctx context.Context, id string) context.Context {
	f := fieldsFrom(ctx)
	f.requestID = id
	return context.WithValue(ctx, fieldsKey, f)
}

func RequestID(ctx context.Context) string { return fieldsFrom(ctx).requestID }

// WithCallerID stores the authenticated account ID used by L.
func WithCallerID(ctx context.Context, id string) context.Context {
	f := fieldsFrom(ctx)
	f.callerID = id
	return context.WithValue(ctx, fieldsKey, f)
}

func CallerID(ctx context.Context) string { return fieldsFrom(ctx).callerID }

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored on ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context's logger with whichever of request_id and
// caller_id are set.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	f := fieldsFrom(ctx)
	var attrs []any
	if f.requestID != "" {
		attrs = append(attrs, slog.String("request_id", f.requestID))
	}
	if f.callerID != "" {
		attrs = append(attrs, slog.String("caller_id", f.callerID))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
