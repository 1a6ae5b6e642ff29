package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Logger interface for structured logging.
// Implementations can wrap any backend; SlogLogger is the default.
type Logger interface {
	// Trace logs very chatty diagnostics (dispatch decisions, lane hand-offs)
	Trace(msg string, fields ...Field)

	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Warn logs a warning message with optional fields
	Warn(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// F creates a new Field with the given key and value
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// ParseLevel maps a case-insensitive level name to a slog level.
// Unknown names fall back to info and report ok=false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// SlogLogger adapts *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an existing slog logger. A nil logger uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

// NewJSONLogger builds a JSON slog logger writing to w at the named level.
func NewJSONLogger(w io.Writer, level string) *SlogLogger {
	lvl, _ := ParseLevel(level)
	return &SlogLogger{l: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))}
}

// NewTextLogger builds a text slog logger writing to w at the named level.
func NewTextLogger(w io.Writer, level string) *SlogLogger {
	lvl, _ := ParseLevel(level)
	return &SlogLogger{l: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))}
}

// NewDefaultLogger returns a text logger on stderr at info level.
func NewDefaultLogger() *SlogLogger {
	return NewTextLogger(os.Stderr, "info")
}

// With returns a logger that always carries the given fields.
func (s *SlogLogger) With(fields ...Field) *SlogLogger {
	return &SlogLogger{l: s.l.With(attrs(fields)...)}
}

func (s *SlogLogger) Trace(msg string, fields ...Field) { s.log(LevelTrace, msg, fields) }
func (s *SlogLogger) Debug(msg string, fields ...Field) { s.log(slog.LevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields ...Field)  { s.log(slog.LevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields ...Field)  { s.log(slog.LevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields ...Field) { s.log(slog.LevelError, msg, fields) }

func (s *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.Log(ctx, level, msg, attrs(fields)...)
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

// NoOpLogger is a logger that discards all log messages
// Useful for tests or when logging is not desired
type NoOpLogger struct{}

// NewNoOpLogger creates a new NoOpLogger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (l *NoOpLogger) Trace(msg string, fields ...Field) {}
func (l *NoOpLogger) Debug(msg string, fields ...Field) {}
func (l *NoOpLogger) Info(msg string, fields ...Field)  {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)  {}
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy defines retry behavior for IO operations (journal writes, process launches).
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retry, 1 = one retry)
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// BackoffRatio is the multiplier for delay after each retry (e.g., 2.0 for exponential)
	BackoffRatio float64
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		BackoffRatio: 2.0,
	}
}

// NoRetry returns a retry policy with no retries
func NoRetry() RetryPolicy {
	return RetryPolicy{BackoffRatio: 1.0}
}

// BackOff converts the policy into a context-aware backoff.BackOff.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	if p.MaxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.BackoffRatio
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
}

// Retry runs op until it succeeds, returns a backoff.Permanent error, or the
// policy gives up.
func (p RetryPolicy) Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.BackOff(ctx))
}
