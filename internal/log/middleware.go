package log

import (
	"context"
	"log/slog"
	"net/http"
)

type ContextKey string

const LoggerContextKey ContextKey = "logger"

// NewContext returns ctx carrying logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// FromContext returns the request logger, or a logger over slog.Default
// tagged "unknown" outside a request.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return Wrap(slog.Default(), "unknown")
}

// enrich derives the request logger with fn for the rest of the chain.
func enrich(fn func(*http.Request, *Logger) *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := fn(r, FromContext(r.Context()))
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), logger)))
		})
	}
}

// Middleware seeds each request context with logger.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return enrich(func(*http.Request, *Logger) *Logger { return logger })
}

// ComponentMiddleware retags the request logger for a group of routes.
func ComponentMiddleware(component string) func(http.Handler) http.Handler {
	return enrich(func(_ *http.Request, l *Logger) *Logger { return l.WithComponent(component) })
}

func RequestIDMiddleware(extractRequestID func(*http.Request) string) func(http.Handler) http.Handler {
	return enrich(func(r *http.Request, l *Logger) *Logger {
		if id := extractRequestID(r); id != "" {
			return l.With(FieldRequestID, id)
		}
		return l
	})
}

// StructuredLogger writes the fixed-shape events: the access log, expense
// creation and mirroring, and operation failures.
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

func (sl *StructuredLogger) LogHTTPStart(ctx context.Context, r *http.Request, clientIP string) {
	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.UserAgent(), r.Referer()).
		WithClientIP(clientIP).
		WithComponent(ComponentHTTP)
	sl.logger.DebugContext(ctx, "HTTP request started", fields.ToSlice()...)
}

// LogHTTPEnd logs at Warn for 4xx and Error for 5xx responses.
func (sl *StructuredLogger) LogHTTPEnd(ctx context.Context, r *http.Request, statusCode int, durationMs int64, clientIP string) {
	level := slog.LevelInfo
	switch {
	case statusCode >= 500:
		level = slog.LevelError
	case statusCode >= 400:
		level = slog.LevelWarn
	}

	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "", "").
		WithHTTPResponse(statusCode, durationMs, statusCode < 400).
		WithClientIP(clientIP).
		WithComponent(ComponentHTTP)
	sl.logger.Log(ctx, level, "HTTP request completed", fields.ToSlice()...)
}

func (sl *StructuredLogger) LogExpenseCreated(ctx context.Context, id, amount, payer string, consumers []string, date string) {
	fields := NewFields().
		WithExpense(id, amount, payer, consumers, date).
		WithOperation(OpCreate).
		WithComponent(ComponentExpense)
	sl.logger.InfoContext(ctx, "Expense created", fields.ToSlice()...)
}

func (sl *StructuredLogger) LogExpenseMirrored(ctx context.Context, id, ref string) {
	sl.logger.InfoContext(ctx, "Expense mirrored to sheet",
		FieldExpenseID, id,
		FieldSheetsRef, ref,
		FieldOperation, OpMirror,
		FieldComponent, ComponentSheets)
}

// LogError logs err with the failing component and operation. fields may be nil.
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component, operation string, fields LogFields) {
	all := NewFields()
	for k, v := range fields {
		all[k] = v
	}
	all = all.WithError(err).WithOperation(operation).WithComponent(component)
	sl.logger.ErrorContext(ctx, msg, all.ToSlice()...)
}
