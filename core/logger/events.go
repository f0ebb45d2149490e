package logger

import (
	"context"
	"log/slog"
)

// Background is the root context for events outside any update or run.
func Background() context.Context { return context.Background() }

// Debug writes a debug event for component.
func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelDebug, component, event, attrs)
}

// Info writes an info event for component.
func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelInfo, component, event, attrs)
}

// Warn writes a warning event for component.
func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelWarn, component, event, attrs)
}

// Error writes an error event for component.
func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, slog.LevelError, component, event, attrs)
}

// emit writes through the logger carried by ctx, or L. Before Init there is
// no logger and events are dropped.
func emit(ctx context.Context, level slog.Level, component, event string, attrs []slog.Attr) {
	log := FromContext(ctx)
	ctx = orBackground(ctx)
	if log == nil || !log.Enabled(ctx, level) {
		return
	}
	line := make([]slog.Attr, 0, len(attrs)+2)
	if event != "" {
		line = append(line, slog.String("event", event))
	}
	if component != "" {
		line = append(line, slog.String("component", component))
	}
	log.LogAttrs(ctx, level, "", append(line, attrs...)...)
}
