// Package logging provides the audit log of caller requests.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog for structured audit logging.
type Logger struct {
	*slog.Logger
	client string
}

// New creates a new audit logger that writes JSON to stderr.
func New(level slog.Level, client string) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
		client: client,
	}
}

// Wrap builds an audit logger on an existing slog logger.
func Wrap(l *slog.Logger) *Logger {
	return &Logger{Logger: l}
}

// WithClient returns a new Logger with the specified client name.
func (l *Logger) WithClient(client string) *Logger {
	return &Logger{
		Logger: l.Logger,
		client: client,
	}
}

// LogMethod logs a D-Bus method call with its result.
func (l *Logger) LogMethod(ctx context.Context, method string, args map[string]any, result string, err error) {
	attrs := []slog.Attr{
		slog.String("client", l.client),
		slog.String("method", method),
		slog.String("result", result),
	}
	for k, v := range args {
		attrs = append(attrs, slog.Any(k, v))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.LogAttrs(ctx, slog.LevelInfo, "dbus_call", attrs...)
}

// LogRequest logs a Query or Modify call once its reply is known.
func (l *Logger) LogRequest(ctx context.Context, method, taskID string, values []string, interaction string, reply []any, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	args := map[string]any{
		"task_id":     taskID,
		"values":      values,
		"interaction": interaction,
	}
	if reply != nil {
		args["reply"] = reply
	}
	l.LogMethod(ctx, method, args, result, err)
}

// LogRejected logs a call refused before any task was created.
func (l *Logger) LogRejected(ctx context.Context, method, exec string, err error) {
	l.LogMethod(ctx, method, map[string]any{"exec": exec}, "rejected", err)
}
