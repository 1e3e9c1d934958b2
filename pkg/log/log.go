// Package log builds the process-wide slog handler from the CLI's
// --log-level and --log-format flags, and enriches log records with the
// active trace span.
package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/muesli/termenv"
	"go.opentelemetry.io/otel/trace"

	charmlog "github.com/charmbracelet/log"
)

type (
	Format string
	Level  string
)

const (
	// FormatText is human-readable, colored when the terminal supports it.
	FormatText Format = "text"
	// FormatLogfmt is plain key=value lines.
	FormatLogfmt Format = "logfmt"
	// FormatJSON is one JSON object per line.
	FormatJSON Format = "json"

	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnknownLogLevel  = errors.New("unknown log level")
	ErrUnknownLogFormat = errors.New("unknown log format")

	levels = map[Level]slog.Level{
		LevelError: slog.LevelError,
		LevelWarn:  slog.LevelWarn,
		LevelInfo:  slog.LevelInfo,
		LevelDebug: slog.LevelDebug,
	}

	// AllFormats and AllLevels drive CLI help and flag completion. They
	// are the only accepted spellings; aliases are not recognized.
	AllFormats = []string{
		string(FormatText),
		string(FormatLogfmt),
		string(FormatJSON),
	}
	AllLevels = []string{
		string(LevelError),
		string(LevelWarn),
		string(LevelInfo),
		string(LevelDebug),
	}
)

// CreateHandlerWithStrings creates a [slog.Handler] from unparsed flag
// values.
func CreateHandlerWithStrings(w io.Writer, logLevel, logFormat string) (slog.Handler, error) {
	logLvl, err := GetLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	logFmt, err := GetFormat(logFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return CreateHandler(w, logLvl, logFmt), nil
}

func CreateHandler(w io.Writer, logLvl slog.Level, logFmt Format) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLvl}

	switch logFmt {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)

	case FormatLogfmt:
		return slog.NewTextHandler(w, opts)

	case FormatText:
		return newCharmLogHandler(w, logLvl)
	}

	return nil
}

func GetLevel(level string) (slog.Level, error) {
	if lvl, ok := levels[Level(level)]; ok {
		return lvl, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownLogLevel, level)
}

func GetFormat(format string) (Format, error) {
	switch f := Format(format); f {
	case FormatText, FormatLogfmt, FormatJSON:
		return f, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownLogFormat, format)
}

// newCharmLogHandler builds the text handler. Records omit timestamps and
// callers: this is a one-shot CLI, not a long-running service.
func newCharmLogHandler(w io.Writer, level slog.Level) slog.Handler {
	//nolint:gosec // G115: input from GetLevel.
	lvl := int32(level)

	logger := charmlog.NewWithOptions(w, charmlog.Options{
		Level:     charmlog.Level(lvl),
		Formatter: charmlog.TextFormatter,
	})
	logger.SetColorProfile(termenv.ColorProfile())

	return logger
}

// WithContext returns the default logger, annotated with the trace ID of
// the span in ctx when one is active.
func WithContext(ctx context.Context) *slog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return slog.Default()
	}

	traceID := span.SpanContext().TraceID().String()
	// Truncate for readability; eight characters identify a chain.
	if len(traceID) > 8 {
		traceID = traceID[:8]
	}

	return slog.With(slog.String("trace_id", traceID))
}
