package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs used by the relay.
type LogFields map[string]any

// Levels beyond the four slog ships with. Critical marks events that need an
// operator, trace is reserved for message bodies.
const (
	LevelTrace    = slog.Level(-8)
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(12)
)

// ServiceLogger is the logging contract used throughout the relay. Applications
// can adapt their existing loggers by implementing it or by going through one of
// the slog or Watermill constructors below.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Trace(msg string, fields LogFields)
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Critical(msg string, err error, fields LogFields)
	Enabled(level slog.Level) bool
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("amqp2nats: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter. Watermill
// has no warn or critical level, so those events are emitted at info and error
// with a "severity" field carrying the original level.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("amqp2nats: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NewHandler builds the slog handler used by the relay binary. Format is
// "json" (default) or "text".
func NewHandler(format, level string, w io.Writer) (slog.Handler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceLevelNames}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "console":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel maps a configured level name onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical", "fatal":
		return LevelCritical, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: slog.New(s.inner.Handler().WithAttrs(toAttrs(fields, nil)))}
}

func (s *slogServiceLogger) Trace(msg string, fields LogFields) {
	s.log(LevelTrace, msg, nil, fields)
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.log(LevelDebug, msg, nil, fields)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.log(LevelInfo, msg, nil, fields)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.log(LevelWarn, msg, nil, fields)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	s.log(LevelError, msg, err, fields)
}

func (s *slogServiceLogger) Critical(msg string, err error, fields LogFields) {
	s.log(LevelCritical, msg, err, fields)
}

func (s *slogServiceLogger) Enabled(level slog.Level) bool {
	return s.inner.Enabled(context.Background(), level)
}

func (s *slogServiceLogger) log(level slog.Level, msg string, err error, fields LogFields) {
	ctx := context.Background()
	if !s.inner.Enabled(ctx, level) {
		return
	}
	s.inner.LogAttrs(ctx, level, msg, toAttrs(fields, err)...)
}

func toAttrs(fields LogFields, err error) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields)+1)
	for key, value := range fields {
		attrs = append(attrs, slog.Any(key, value))
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	return attrs
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Warn(msg string, fields LogFields) {
	w.inner.Info(msg, withSeverity(fields, "warn"))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Critical(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, withSeverity(fields, "critical"))
}

// Enabled reports true for every level: Watermill adapters filter internally
// and do not expose their threshold.
func (w *watermillServiceLogger) Enabled(slog.Level) bool {
	return true
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func withSeverity(fields LogFields, severity string) watermill.LogFields {
	out := make(watermill.LogFields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["severity"] = severity
	return out
}
