// Package logger builds slog loggers from environment configuration and carries
// them through a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/pure-golang/bulkmail/logger/devslog"
	"github.com/pure-golang/bulkmail/logger/noop"
	"github.com/pure-golang/bulkmail/logger/stdjson"
	"github.com/pure-golang/bulkmail/logger/text"
)

type Level string
type Provider string
type ctxKey struct{}

const (
	INFO  Level = "info"
	ERROR Level = "error"
	WARN  Level = "warn"
	DEBUG Level = "debug"

	ProviderDevSlog Provider = "dev"      // colored output for a terminal
	ProviderStdJson Provider = "std_json" // for production
	ProviderText    Provider = "text"     // plain key=value lines
	ProviderNoop    Provider = "noop"     // for unit tests
)

type Config struct {
	Provider Provider `envconfig:"LOG_PROVIDER" default:"std_json"`
	Level    Level    `envconfig:"LOG_LEVEL" default:"info"`
}

// NewDefault creates a logger writing to stderr. Stdout stays free for
// command output.
func NewDefault(c Config) *slog.Logger {
	return New(c, os.Stderr)
}

// New creates a logger writing to w.
func New(c Config, w io.Writer) *slog.Logger {
	level := ParseLevel(c.Level)
	switch c.Provider {
	case ProviderDevSlog:
		return devslog.New(w, level)
	case ProviderText:
		return text.New(w, level)
	case ProviderNoop:
		return noop.NewNoop()
	case ProviderStdJson:
		fallthrough
	default:
		return stdjson.New(w, level)
	}
}

// InitDefault creates a logger and sets it as slog default.
// OpenTelemetry errors are routed to it as well.
func InitDefault(c Config) *slog.Logger {
	l := NewDefault(c)
	slog.SetDefault(l)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Default().Error("otel", "error", err.Error())
	}))
	return l
}

// FromContext returns the logger stored in ctx or slog default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// NewContext stores l in ctx.
func NewContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// WithErr returns default logger with error attached.
func WithErr(err error) *slog.Logger {
	return appendErr(slog.Default(), err)
}

// FromContextWithErr extracts logger from context and attaches error field.
// A stack trace is attached too when err carries one.
func FromContextWithErr(ctx context.Context, err error) *slog.Logger {
	return appendErr(FromContext(ctx), err)
}

// FromContextWithErrIf is FromContextWithErr but returns no-op if err == nil.
func FromContextWithErrIf(ctx context.Context, err error) *slog.Logger {
	if err == nil {
		return noop.NewNoop()
	}
	return FromContextWithErr(ctx, err)
}

func appendErr(l *slog.Logger, err error) *slog.Logger {
	var stackTracer interface {
		StackTrace() errors.StackTrace
	}

	if errors.As(err, &stackTracer) {
		l = l.With("stack", stackTracer.StackTrace())
	}

	return l.With("error", err.Error())
}

// ParseLevel maps a configured level to slog. Unknown values mean info.
func ParseLevel(level Level) slog.Level {
	switch level {
	case ERROR:
		return slog.LevelError
	case WARN:
		return slog.LevelWarn
	case DEBUG:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
