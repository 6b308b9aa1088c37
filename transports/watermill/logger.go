package watermill

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LevelTrace sits below slog.LevelDebug; watermill's trace output lands here.
const LevelTrace = slog.LevelDebug - 4

type loggerAdapter struct {
	logger *slog.Logger
	fields watermill.LogFields
}

// NewLogger adapts a slog logger to watermill.LoggerAdapter
func NewLogger(logger *slog.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggerAdapter{logger: logger, fields: watermill.LogFields{}}
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{logger: l.logger, fields: l.fields.Add(fields)}
}

// attrs merges the adapter's fields with per-call fields; call fields win.
func (l *loggerAdapter) attrs(fields watermill.LogFields) []slog.Attr {
	merged := l.fields.Add(fields)
	out := make([]slog.Attr, 0, len(merged)+1)
	for k, v := range merged {
		out = append(out, slog.Any(k, v))
	}
	return out
}

func (l *loggerAdapter) log(level slog.Level, msg string, attrs []slog.Attr) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	attrs := l.attrs(fields)
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	l.log(slog.LevelError, msg, attrs)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.log(slog.LevelInfo, msg, l.attrs(fields))
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log(slog.LevelDebug, msg, l.attrs(fields))
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.log(LevelTrace, msg, l.attrs(fields))
}
