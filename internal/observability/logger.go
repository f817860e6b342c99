// Package observability provides the Router core's structured logging,
// request-ID propagation, and span-creation helpers (spec §6.3): the
// ambient stack every component logs through, independent of any one
// provider adapter or routing strategy.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with an optional Redactor: call sites that
// might echo request/response data (upstream error bodies, forwarded
// headers) use the Redacted* methods so a leaked API key or bearer
// token never reaches stdout; everything else uses the plain methods
// and pays no redaction cost.
type Logger struct {
	logger   *slog.Logger
	redactor *Redactor
}

// LoggerConfig selects the gateway's log level/format, sourced from
// config.LoggingConfig once it's loaded (see cmd/gateway's two-phase
// bootstrap: a bare slog.Logger exists before config is read, since
// config's own load errors need to go somewhere).
type LoggerConfig struct {
	Level      slog.Level
	Output     io.Writer
	AddSource  bool
	JSONFormat bool
}

// NewLogger builds a Logger from cfg, defaulting Output to os.Stdout.
// redactor may be nil, in which case the Redacted* methods behave
// identically to their plain counterparts.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		logger:   slog.New(handler),
		redactor: redactor,
	}
}

// WithRequestID attaches the request ID carried in ctx (see requestid.go),
// or returns l unchanged if ctx carries none.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return l
	}
	return l.With("request_id", requestID)
}

// WithFields returns a logger with additional fields attached to every
// subsequent call. Alias of With, kept for call sites that read more
// naturally naming the fields they're attaching.
func (l *Logger) WithFields(args ...any) *Logger {
	return l.With(args...)
}

// redactedLog redacts msg and any string/error args before logging at
// level, or logs unredacted if no Redactor was configured.
func (l *Logger) redactedLog(level slog.Level, msg string, args ...any) {
	if l.redactor != nil {
		msg = l.redactor.Redact(msg)
		args = l.redactArgs(args)
	}
	l.logger.Log(context.Background(), level, msg, args...)
}

// RedactedInfo logs at INFO level with msg and any string/error args
// scrubbed by the configured Redactor.
func (l *Logger) RedactedInfo(msg string, args ...any) { l.redactedLog(slog.LevelInfo, msg, args...) }

// RedactedError logs at ERROR level with msg and any string/error args
// scrubbed by the configured Redactor. Use this for anything that might
// carry a forwarded upstream error body — those can echo back an
// Authorization header or API key verbatim.
func (l *Logger) RedactedError(msg string, args ...any) {
	l.redactedLog(slog.LevelError, msg, args...)
}

// RedactedDebug logs at DEBUG level with msg and any string/error args
// scrubbed by the configured Redactor.
func (l *Logger) RedactedDebug(msg string, args ...any) {
	l.redactedLog(slog.LevelDebug, msg, args...)
}

// RedactedWarn logs at WARN level with msg and any string/error args
// scrubbed by the configured Redactor.
func (l *Logger) RedactedWarn(msg string, args ...any) { l.redactedLog(slog.LevelWarn, msg, args...) }

func (l *Logger) redactArgs(args []any) []any {
	if l.redactor == nil {
		return args
	}

	result := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			result[i] = l.redactor.Redact(v)
		case error:
			result[i] = l.redactor.Redact(v.Error())
		default:
			result[i] = arg
		}
	}
	return result
}

// Slog returns the underlying slog.Logger, for handing to code (e.g.
// the llmux facade's WithLogger option) that predates this wrapper and
// expects a bare *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Info logs at INFO level, unredacted.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Error logs at ERROR level, unredacted.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// Debug logs at DEBUG level, unredacted.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Warn logs at WARN level, unredacted.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// With returns a logger with additional fields attached to every
// subsequent call, sharing the same Redactor as l.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:   l.logger.With(args...),
		redactor: l.redactor,
	}
}
